package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/wfx-host/internal/config"
	"github.com/taoyao-code/wfx-host/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径（留空则按默认路径查找）")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*cfgPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 统一启动流程
	if err := bootstrap.Run(cfg, log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wfx-host/internal/config"
	"github.com/taoyao-code/wfx-host/internal/hif"
	"github.com/taoyao-code/wfx-host/internal/httpserver"
	"github.com/taoyao-code/wfx-host/internal/hwbus"
	"github.com/taoyao-code/wfx-host/internal/metrics"
	"github.com/taoyao-code/wfx-host/internal/mlme"
	"github.com/taoyao-code/wfx-host/internal/securelink"
	"github.com/taoyao-code/wfx-host/internal/txqueue"
)

// Run 统一启动流程：按依赖顺序装配总线、传输核心与管理面处理器，
// 全部就绪后再接通中断并启动 worker。
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting wfx host transport", zap.String("env", cfg.App.Env))

	// ========== 阶段1: 指标 ==========
	reg := metrics.NewRegistry()
	hifm := metrics.NewHifMetrics(reg)
	metricsHandler := metrics.Handler(reg)

	// ========== 阶段2: 总线后端 ==========
	bus, err := newBus(cfg.Bus, log)
	if err != nil {
		log.Error("bus initialization failed", zap.Error(err))
		return err
	}
	defer bus.Close()
	log.Info("bus ready",
		zap.String("type", cfg.Bus.Type), zap.Int("blockSize", cfg.Bus.BlockSize))

	// ========== 阶段3: 发送队列与 secure link ==========
	queue := txqueue.New()
	var codec *securelink.Codec
	if cfg.SecureLink.Enable {
		codec, err = securelink.LoadKeyFile(cfg.SecureLink.KeyFile)
		if err != nil {
			log.Error("secure link initialization failed",
				zap.String("keyFile", cfg.SecureLink.KeyFile), zap.Error(err))
			return err
		}
		log.Info("secure link enabled", zap.String("keyFile", cfg.SecureLink.KeyFile))
	}

	// ========== 阶段4: 传输核心与管理面处理器 ==========
	dev := hif.New(hif.Config{
		BatchSize:    cfg.Hif.BatchSize,
		WakeTimeout:  cfg.Hif.WakeTimeout,
		FlushTimeout: cfg.Hif.FlushTimeout,
		TxBuffers:    cfg.Hif.TxBuffers,
	}, bus, queue, log)
	dev.SetMetrics(hifm)
	if codec != nil {
		dev.SetSecureCodec(codec)
	}
	handlers := mlme.New(log, dev, queue)
	dev.SetDelivery(handlers)
	log.Info("transport core initialized", zap.String("session", dev.SessionID))

	// ========== 阶段5: 接通中断并启动 worker ==========
	if n, ok := bus.(hwbus.IRQNotifier); ok {
		n.SetIRQHandler(dev.RequestRx)
	}
	dev.Start()
	log.Info("bottom-half worker started")

	// ========== 阶段6: 诊断 HTTP 服务 ==========
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, dev)
	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// ========== 阶段7: 等待关闭信号 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(ctx)
	log.Info("http server stopped")

	if err := dev.Flush(false); err != nil {
		log.Warn("outbound flush incomplete", zap.Error(err))
	}
	dev.Close()
	queue.Close()
	log.Info("transport core stopped")

	log.Info("shutdown complete")
	return nil
}

// newBus 按配置选择总线后端
func newBus(cfg cfgpkg.BusConfig, log *zap.Logger) (hwbus.Bus, error) {
	switch cfg.Type {
	case "", "sim":
		return hwbus.NewSim(cfg.BlockSize), nil
	case "tcp":
		log.Info("dialing simulated firmware", zap.String("addr", cfg.Addr))
		return hwbus.DialNetBus(cfg.Addr, cfg.BlockSize, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}

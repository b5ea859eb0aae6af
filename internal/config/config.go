package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig 诊断 HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// BusConfig 总线后端配置。Type 为 sim（进程内模拟设备）或
// tcp（连接 wfxsim 模拟固件）。
type BusConfig struct {
	Type      string        `mapstructure:"type"`
	BlockSize int           `mapstructure:"blockSize"`
	Addr      string        `mapstructure:"addr"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HifConfig 传输核心配置
type HifConfig struct {
	BatchSize    int           `mapstructure:"batchSize"`
	WakeTimeout  time.Duration `mapstructure:"wakeTimeout"`
	FlushTimeout time.Duration `mapstructure:"flushTimeout"`
	TxBuffers    int           `mapstructure:"txBuffers"`
}

// SecureLinkConfig secure link 配置
type SecureLinkConfig struct {
	Enable  bool   `mapstructure:"enable"`
	KeyFile string `mapstructure:"keyFile"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Bus        BusConfig        `mapstructure:"bus"`
	Hif        HifConfig        `mapstructure:"hif"`
	SecureLink SecureLinkConfig `mapstructure:"secureLink"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 WFX_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = v.GetString("WFX_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 WFX_，并将点号替换为下划线
	v.SetEnvPrefix("WFX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if fmt.Sprintf("%T", err) != fmt.Sprintf("%T", notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wfx-host")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("bus.type", "sim")
	v.SetDefault("bus.blockSize", 64)
	v.SetDefault("bus.addr", "127.0.0.1:7100")
	v.SetDefault("bus.timeout", "5s")

	v.SetDefault("hif.batchSize", 32)
	v.SetDefault("hif.wakeTimeout", "2ms")
	v.SetDefault("hif.flushTimeout", "2s")
	v.SetDefault("hif.txBuffers", 16)

	v.SetDefault("secureLink.enable", false)
	v.SetDefault("secureLink.keyFile", "configs/securelink.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/wfx-host.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

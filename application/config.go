package application

import (
	"time"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/internal/frontend"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
)

// Config 是中继进程的完整配置，对应配置文件的顶层结构。
type Config struct {
	Relay   relay.Config           `mapstructure:"relay"`
	Backend backend.Config         `mapstructure:"backend"`
	Discord frontend.DiscordConfig `mapstructure:"discord"`
	Metrics MetricsConfig          `mapstructure:"metrics"`

	// ShutdownTimeout 限制优雅退出的总耗时。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig 为 Prometheus 指标服务配置，Listen 为空时不启动。
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// DefaultConfig 返回默认配置，配置文件中缺省的字段保持默认值。
func DefaultConfig() Config {
	return Config{
		Relay:   relay.DefaultConfig(),
		Backend: backend.DefaultConfig(),
		Discord: frontend.DefaultDiscordConfig(),
		Metrics: MetricsConfig{
			Listen: ":9100",
			Path:   "/metrics",
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

package application

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/internal/frontend"
	"github.com/lk2023060901/danmu-garden-relay/internal/game/blackjack"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	zlog "github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	zviper "github.com/lk2023060901/danmu-garden-relay/pkg/util/viper"
)

// Application 是中继进程的运行时容器，负责加载配置、初始化日志，
// 并组装注册表、后端传输、聊天前端与编排器。
type Application struct {
	cfg      *zviper.Config
	settings Config
	loggers  map[string]*zlog.MLogger

	registry     *relay.Registry
	dispatcher   *backend.Dispatcher
	transport    backend.Transport
	discord      *frontend.Discord
	orchestrator *relay.Orchestrator

	metricsRegistry *prometheus.Registry
	metricsServer   *http.Server
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run is the entry of the relay process.
// It parses command-line arguments (os.Args) and loads configuration file
// using the following priority:
//  1. Default: ./config.yaml
//  2. Env: RELAY_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
//
// Run blocks until SIGINT/SIGTERM, then drains all sessions.
func (a *Application) Run() error {
	cfg, err := a.loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	settings := DefaultConfig()
	if err := a.cfg.Unmarshal(&settings); err != nil {
		return errors.Wrap(err, "decode relay config")
	}
	if err := a.build(settings); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Settings returns the decoded relay configuration.
func (a *Application) Settings() Config {
	return a.settings
}

// Orchestrator returns the session orchestrator once built.
func (a *Application) Orchestrator() *relay.Orchestrator {
	return a.orchestrator
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// build 按配置组装各组件。discord.token 为空时不启用聊天前端。
func (a *Application) build(settings Config) error {
	a.settings = settings
	a.registry = relay.NewRegistry()
	a.dispatcher = backend.NewDispatcher(backend.JSONCodec{})

	transport, err := backend.New(settings.Backend, a.dispatcher)
	if err != nil {
		return err
	}
	a.transport = transport

	var (
		notifier blackjack.Notifier
		cleaner  relay.ChannelCleaner
	)
	if settings.Discord.Token != "" {
		discord, err := frontend.NewDiscord(settings.Discord)
		if err != nil {
			return err
		}
		a.discord = discord
		notifier, cleaner = discord, discord
	} else {
		zlog.Warn("discord token not set, chat front-end disabled")
	}

	relayCfg := settings.Relay
	relayCfg.PublishAttempts = settings.Backend.PublishAttempts
	catalog := relay.NewCatalog(blackjack.New(notifier))
	a.orchestrator = relay.NewOrchestrator(relayCfg, a.registry, catalog, a.transport, a.dispatcher, cleaner)
	if a.discord != nil {
		a.discord.Bind(a.orchestrator)
	}

	a.metricsRegistry = prometheus.NewRegistry()
	a.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(a.metricsRegistry)
	if settings.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(settings.Metrics.Path, promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
		// net/http/pprof 注册在 DefaultServeMux 上。
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		a.metricsServer = &http.Server{
			Addr:              settings.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	zlog.Info("relay built",
		zap.String("backend", a.transport.Name()),
		zap.Strings("games", catalog.Types()),
		zap.Bool("discord", a.discord != nil),
		zap.Duration("timeout", relayCfg.Timeout),
		zap.Int("maxSessions", relayCfg.MaxSessions))
	return nil
}

// serve 并行运行后端传输、聊天前端与指标服务，ctx 结束后按顺序退出：
// 先排空会话，再关闭传输与指标服务。
func (a *Application) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.transport.Run(gctx)
	})
	if a.discord != nil {
		g.Go(func() error {
			return a.discord.Run(gctx)
		})
	}
	if a.metricsServer != nil {
		g.Go(func() error {
			zlog.Info("metrics server listening", zap.String("addr", a.metricsServer.Addr))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	_ = zlog.Sync()
	return err
}

func (a *Application) shutdown() error {
	zlog.Info("relay shutting down", zap.Duration("timeout", a.settings.ShutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), a.settings.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "drain sessions"))
	}
	if err := a.transport.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close backend"))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "stop metrics server"))
		}
	}
	return errors.Join(errs...)
}

// loadConfig resolves config file path and loads it via viper wrapper.
func (a *Application) loadConfig(args []string) (*zviper.Config, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("RELAY_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, errors.New("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", configPath)
	}

	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on RELAY_LOG_* env vars.
//
// Priority:
//   - RELAY_LOG_ENABLE: "1"/"true" to enable outputs (default true).
//   - RELAY_LOG_LEVEL: log level (default "info").
//   - RELAY_LOG_STDOUT: whether to log to stdout (default true).
//   - RELAY_LOG_FILE_DIR: log directory.
//   - RELAY_LOG_FILE: log file name (empty means no file).
//   - RELAY_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("RELAY_LOG_ENABLE", true)

	cfg := &zlog.Config{
		Level:  getenvDefault("RELAY_LOG_LEVEL", "info"),
		Format: getenvDefault("RELAY_LOG_FORMAT", "text"),
		Stdout: getenvBool("RELAY_LOG_STDOUT", true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("RELAY_LOG_FILE_DIR", ""),
			Filename: getenvDefault("RELAY_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  relay:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: relay.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

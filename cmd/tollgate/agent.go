package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/tollgate/internal/agent"
	"github.com/goodtune/tollgate/internal/api"
	"github.com/goodtune/tollgate/internal/config"
	"github.com/goodtune/tollgate/internal/desktop"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/pattern"
	"github.com/goodtune/tollgate/internal/policy"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/storage/bolt"
	"github.com/goodtune/tollgate/internal/storage/redis"
	"github.com/goodtune/tollgate/internal/systemd"
	"github.com/goodtune/tollgate/internal/ticker"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/goodtune/tollgate/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the Tollgate agent",
	Long:  `Start the agent: the local adapter API, the desktop sync engine, the session ticker and the metrics endpoint.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Tollgate")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Int("queue_capacity", cfg.Queues.Capacity).
		Msg("Storage initialized")

	hub := ui.NewHub(logger)

	// Desktop sync
	client := desktop.NewClient(
		cfg.Desktop.BaseURL,
		config.Duration(cfg.Desktop.RequestTimeout, 5*time.Second),
		nil,
	)
	engine, err := desktop.NewEngine(client, store, hub, desktopConfig(cfg.Desktop), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize desktop sync: %w", err)
	}

	logger.Info().
		Str("base_url", cfg.Desktop.BaseURL).
		Str("push_url", cfg.Desktop.PushEndpoint()).
		Msg("Desktop sync initialized")

	focusEngine := focus.NewEngine(focus.Config{
		FreshnessThreshold: config.Duration(cfg.Focus.FreshnessThreshold, focus.DefaultFreshnessThreshold),
	}, logger)
	detector := pattern.NewDetector(patternConfig(cfg.Pattern), logger)

	policyEngine, err := policy.NewEngine(cfg.Policy.EmergencyPolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	logger.Info().
		Str("policy_dir", cfg.Policy.EmergencyPolicyDir).
		Msg("Emergency Policy Engine initialized")

	a := agent.New(store, client, engine, focusEngine, detector, policyEngine, hub, agent.Config{
		Ticker: ticker.Config{
			Interval:              config.Duration(cfg.Ticker.Interval, 15*time.Second),
			ReminderInterval:      config.Duration(cfg.Ticker.EmergencyReminderInterval, 5*time.Minute),
			EncouragementInterval: config.Duration(cfg.Ticker.EncouragementInterval, 10*time.Minute),
		},
		Visits: usage.Config{
			InactivityTimeout: config.Duration(cfg.Usage.VisitInactivityTimeout, 2*time.Minute),
			MinVisitDuration:  config.Duration(cfg.Usage.MinVisitDuration, 10*time.Second),
		},
	}, logger)

	// Initialize Reset Scheduler
	resetScheduler, err := usage.NewResetScheduler(store, cfg.Usage.DailyResetTime, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Reset Scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		engine.Run(ctx)
	}()
	a.Start(ctx)
	resetScheduler.Start()

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		RequestTimeout: config.Duration(cfg.Desktop.RequestTimeout, 5*time.Second) * 2,
	}, a, engine, hub, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Log level follows the config file without a restart.
	if err := config.Watch(configPath, logger, func(c *config.Config) {
		zerolog.SetGlobalLevel(parseLevel(c.Logging.Level))
	}); err != nil {
		logger.Debug().Err(err).Msg("Configuration file not watched")
	}

	logger.Info().Msg("Tollgate startup complete")
	logger.Info().Msgf("Adapter API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	if interval := systemd.WatchdogInterval(); interval > 0 {
		go watchdog(ctx, interval, logger)
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading emergency policy...")
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload emergency policy")
		} else {
			logger.Info().Msg("Emergency policy reloaded successfully")
		}
		if err := engine.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("Refresh from desktop failed")
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	resetScheduler.Stop()
	a.Stop()

	// One last attempt to hand queued events to the desktop.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := engine.Flush(flushCtx); err != nil {
		logger.Debug().Err(err).Msg("Final flush skipped")
	}
	flushCancel()

	cancel()
	engine.Close()
	<-syncDone

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Tollgate stopped")

	return nil
}

func watchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

func desktopConfig(cfg config.DesktopConfig) desktop.Config {
	return desktop.Config{
		PushURL:           cfg.PushEndpoint(),
		HeartbeatInterval: config.Duration(cfg.HeartbeatInterval, 20*time.Second),
		RetryDelay:        config.Duration(cfg.RetryDelay, 30*time.Second),
		FlushDebounce:     config.Duration(cfg.FlushDebounce, 2*time.Second),
		FlushBatchSize:    cfg.FlushBatchSize,
		RefreshWindow:     config.Duration(cfg.RefreshWindow, 5*time.Second),
	}
}

func patternConfig(cfg config.PatternConfig) pattern.Config {
	def := pattern.DefaultConfig()
	return pattern.Config{
		Window:         config.Duration(cfg.Window, def.Window),
		MinEvents:      cfg.MinEvents,
		MinScroll:      cfg.MinScroll,
		MaxKeys:        cfg.MaxKeys,
		MaxClicks:      cfg.MaxClicks,
		MinScrollRatio: cfg.MinScrollRatio,
		Cooldown:       config.Duration(cfg.Cooldown, def.Cooldown),
		MaxDomains:     cfg.MaxDomains,
	}
}

// openStore opens the configured backend and wraps it in a Store.
func openStore(cfg *config.Config, logger zerolog.Logger) (*storage.Store, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Storage.Type {
	case "", "bolt":
		backend, err = bolt.Open(cfg.Storage.Path)
	case "redis":
		backend, err = redis.Open(cfg.Storage.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}
	return storage.New(backend, cfg.Queues.Capacity, logger), nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot commands.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

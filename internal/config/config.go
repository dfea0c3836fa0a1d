package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Desktop DesktopConfig `mapstructure:"desktop"`
	Storage StorageConfig `mapstructure:"storage"`
	Queues  QueuesConfig  `mapstructure:"queues"`
	Ticker  TickerConfig  `mapstructure:"ticker"`
	Focus   FocusConfig   `mapstructure:"focus"`
	Pattern PatternConfig `mapstructure:"pattern"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines local listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`     // Local adapter API
	MetricsPort int    `mapstructure:"metrics_port"` // 0 disables the metrics server
}

// DesktopConfig defines how the agent reaches the desktop authority
type DesktopConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	PushURL           string `mapstructure:"push_url"` // Derived from base_url when empty
	RequestTimeout    string `mapstructure:"request_timeout"`
	RetryDelay        string `mapstructure:"retry_delay"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	FlushDebounce     string `mapstructure:"flush_debounce"`
	FlushBatchSize    int    `mapstructure:"flush_batch_size"`
	RefreshWindow     string `mapstructure:"refresh_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis backend connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Key          string `mapstructure:"key"`
}

// QueuesConfig bounds the pending queues
type QueuesConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// TickerConfig defines session ticker timing
type TickerConfig struct {
	Interval                  string `mapstructure:"interval"`
	EmergencyReminderInterval string `mapstructure:"emergency_reminder_interval"`
	EncouragementInterval     string `mapstructure:"encouragement_interval"`
}

// FocusConfig defines focus allowlist settings
type FocusConfig struct {
	FreshnessThreshold string `mapstructure:"freshness_threshold"`
}

// PatternConfig defines the doomscroll detector thresholds
type PatternConfig struct {
	Window         string  `mapstructure:"window"`
	MinEvents      int     `mapstructure:"min_events"`
	MinScroll      int     `mapstructure:"min_scroll"`
	MaxKeys        int     `mapstructure:"max_keys"`
	MaxClicks      int     `mapstructure:"max_clicks"`
	MinScrollRatio float64 `mapstructure:"min_scroll_ratio"`
	Cooldown       string  `mapstructure:"cooldown"`
	MaxDomains     int     `mapstructure:"max_domains"`
}

// PolicyConfig defines the emergency policy source
type PolicyConfig struct {
	EmergencyPolicyDir string `mapstructure:"emergency_policy_dir"` // Empty uses the built-in policy
}

// UsageConfig defines daily bookkeeping
type UsageConfig struct {
	DailyResetTime         string `mapstructure:"daily_reset_time"`
	VisitInactivityTimeout string `mapstructure:"visit_inactivity_timeout"`
	MinVisitDuration       string `mapstructure:"min_visit_duration"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return decode(v)
}

// Watch reloads the configuration whenever the file changes and passes
// the new value to onChange. Invalid edits are logged and ignored.
func Watch(configPath string, logger zerolog.Logger, onChange func(*Config)) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	logger = logger.With().Str("component", "config").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Configuration reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 17601)
	v.SetDefault("server.metrics_port", 9091)

	// Desktop defaults
	v.SetDefault("desktop.base_url", "http://127.0.0.1:17600")
	v.SetDefault("desktop.push_url", "")
	v.SetDefault("desktop.request_timeout", "5s")
	v.SetDefault("desktop.retry_delay", "30s")
	v.SetDefault("desktop.heartbeat_interval", "20s")
	v.SetDefault("desktop.flush_debounce", "2s")
	v.SetDefault("desktop.flush_batch_size", 100)
	v.SetDefault("desktop.refresh_window", "5s")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/tollgate/tollgate.bolt")
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key", "tollgate:state")

	// Queue defaults
	v.SetDefault("queues.capacity", 500)

	// Ticker defaults
	v.SetDefault("ticker.interval", "15s")
	v.SetDefault("ticker.emergency_reminder_interval", "5m")
	v.SetDefault("ticker.encouragement_interval", "10m")

	// Focus defaults
	v.SetDefault("focus.freshness_threshold", "45s")

	// Pattern detector defaults
	v.SetDefault("pattern.window", "90s")
	v.SetDefault("pattern.min_events", 16)
	v.SetDefault("pattern.min_scroll", 12)
	v.SetDefault("pattern.max_keys", 1)
	v.SetDefault("pattern.max_clicks", 3)
	v.SetDefault("pattern.min_scroll_ratio", 0.8)
	v.SetDefault("pattern.cooldown", "10m")
	v.SetDefault("pattern.max_domains", 256)

	// Policy defaults
	v.SetDefault("policy.emergency_policy_dir", "")

	// Usage defaults
	v.SetDefault("usage.daily_reset_time", "00:00")
	v.SetDefault("usage.visit_inactivity_timeout", "2m")
	v.SetDefault("usage.min_visit_duration", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Desktop.BaseURL == "" {
		return fmt.Errorf("desktop base_url is required")
	}
	if cfg.Desktop.FlushBatchSize <= 0 {
		return fmt.Errorf("invalid flush batch size: %d", cfg.Desktop.FlushBatchSize)
	}
	if cfg.Queues.Capacity <= 0 {
		return fmt.Errorf("invalid queue capacity: %d", cfg.Queues.Capacity)
	}
	if cfg.Pattern.MinScrollRatio < 0 || cfg.Pattern.MinScrollRatio > 1 {
		return fmt.Errorf("invalid pattern min_scroll_ratio: %v", cfg.Pattern.MinScrollRatio)
	}
	if _, err := time.Parse("15:04", cfg.Usage.DailyResetTime); err != nil {
		return fmt.Errorf("invalid daily_reset_time %q: %w", cfg.Usage.DailyResetTime, err)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		// Validate storage path
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}

		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	return nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present. It is not validated.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys returns the keys set in the file at configPath that no
// configuration field reads, sorted.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// PushEndpoint returns the websocket endpoint of the desktop push channel.
func (d DesktopConfig) PushEndpoint() string {
	if d.PushURL != "" {
		return d.PushURL
	}
	base := strings.TrimRight(d.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/extension/ws"
}

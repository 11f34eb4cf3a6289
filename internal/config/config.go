package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort        = 8080
	DefaultGRPCPort        = 50051
	DefaultCacheTTL        = 5 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultBackoffInitial  = time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultRefreshInterval = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryDelay      = time.Second
	DefaultAPIKeyHeader    = "x-api-key"
)

// Config is the full configuration tree parsed from YAML.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Cache     CacheConfig     `yaml:"cache"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sources   []Source        `yaml:"sources"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error. Defaults to info.
	Level string `yaml:"level"`
}

// SlogLevel maps Level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HTTPConfig configures the REST API and widget hub listener.
type HTTPConfig struct {
	Port int `yaml:"port"`

	// Auth configures how incoming REST and gRPC requests are authenticated.
	Auth ServerAuthConfig `yaml:"auth"`
}

// ServerAuthConfig controls client authentication on the server side.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header (and gRPC metadata key) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// GRPCConfig configures the gRPC health listener.
type GRPCConfig struct {
	// Port is the listen port. 0 disables the gRPC server.
	Port int `yaml:"port"`
}

// CacheConfig configures the shared cache store.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Capacity bounds the number of entries; least-recently-read entries are
	// evicted beyond it. 0 means unbounded.
	Capacity int `yaml:"capacity"`

	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint of the push service. Empty disables push.
	URL string `yaml:"url"`

	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// SchedulerConfig is the global polling policy.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultInterval time.Duration `yaml:"default_interval"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`

	// OnlyWhenVisible skips polling while no UI client is connected.
	OnlyWhenVisible bool `yaml:"only_when_visible"`
}

// Source describes one widget and where its data comes from.
type Source struct {
	// ID is the widget id. Defaults to DataType.
	ID string `yaml:"id"`

	// DataType is the logical data type, also the push topic.
	DataType string `yaml:"data_type"`

	// Kind selects the fetcher: json | prometheus.
	Kind string `yaml:"kind"`

	// Endpoint is the full URL the fetcher requests.
	Endpoint string `yaml:"endpoint"`

	// TTL overrides cache.default_ttl for this source.
	TTL time.Duration `yaml:"ttl"`

	// Interval overrides scheduler.default_interval for this source.
	Interval time.Duration `yaml:"interval"`

	// OnlyWhenVisible overrides scheduler.only_when_visible when set.
	OnlyWhenVisible *bool `yaml:"only_when_visible"`

	// Filters are the initial filter criteria.
	Filters map[string]any `yaml:"filters"`

	// Auth configures how the fetcher authenticates to the endpoint.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for a source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header name the API key is sent in. Defaults to "x-api-key".
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns the configured API key header, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// WidgetID returns ID, falling back to DataType.
func (s Source) WidgetID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.DataType
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Port: DefaultHTTPPort},
		GRPC: GRPCConfig{Port: DefaultGRPCPort},
		Cache: CacheConfig{
			DefaultTTL:    DefaultCacheTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Realtime: RealtimeConfig{
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
			PingInterval:   DefaultPingInterval,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			DefaultInterval: DefaultRefreshInterval,
			RetryAttempts:   DefaultRetryAttempts,
			RetryDelay:      DefaultRetryDelay,
			OnlyWhenVisible: true,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if cfg.GRPC.Port < 0 || cfg.GRPC.Port > 65535 {
		return fmt.Errorf("grpc.port must be between 0 and 65535")
	}
	switch cfg.HTTP.Auth.Mode {
	case "apikey":
		if cfg.HTTP.Auth.KeyEnv == "" {
			return fmt.Errorf("http.auth.key_env is required when mode is apikey")
		}
	case "none", "":
	default:
		return fmt.Errorf("http.auth: unknown mode %q", cfg.HTTP.Auth.Mode)
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if cfg.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}
	if cfg.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}
	if cfg.Realtime.BackoffInitial <= 0 || cfg.Realtime.BackoffMax < cfg.Realtime.BackoffInitial {
		return fmt.Errorf("realtime: backoff_initial must be positive and not exceed backoff_max")
	}
	if cfg.Realtime.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive")
	}
	if cfg.Scheduler.DefaultInterval <= 0 {
		return fmt.Errorf("scheduler.default_interval must be positive")
	}
	if cfg.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("scheduler.retry_attempts must not be negative")
	}
	if cfg.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("scheduler.retry_delay must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.DataType == "" {
			return fmt.Errorf("sources[%d]: data_type is required", i)
		}
		id := src.WidgetID()
		if seen[id] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, id)
		}
		switch src.Kind {
		case "json", "prometheus":
		default:
			return fmt.Errorf("sources[%d] %q: unknown kind %q", i, id, src.Kind)
		}
		if src.TTL < 0 || src.Interval < 0 {
			return fmt.Errorf("sources[%d] %q: ttl and interval must not be negative", i, id)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, id, src.Auth.Mode)
		}
	}
	return nil
}

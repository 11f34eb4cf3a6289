package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
log:
  level: debug
http:
  port: 9090
  auth:
    mode: apikey
    key_env: DATASYNC_KEY
grpc:
  port: 0
cache:
  default_ttl: 2m
  capacity: 500
realtime:
  url: "ws://push.internal:8080/ws"
  backoff_initial: 500ms
  backoff_max: 10s
scheduler:
  default_interval: 15s
  retry_attempts: 2
  retry_delay: 250ms
  only_when_visible: false
sources:
  - id: revenue-eu
    data_type: revenue
    kind: json
    endpoint: "http://api.internal/v1/data"
    ttl: 1m
    interval: 10s
    only_when_visible: true
    filters:
      region: eu
      top: 5
    auth:
      mode: bearer
      token_env: API_TOKEN
  - data_type: throughput
    kind: prometheus
    endpoint: "http://prometheus:9090/metrics"
`
	cfg := loadFromString(t, yaml)

	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v", cfg.Log.SlogLevel())
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("http.port: got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.Auth.EffectiveHeader() != "x-api-key" {
		t.Errorf("auth header: got %q", cfg.HTTP.Auth.EffectiveHeader())
	}
	if cfg.GRPC.Port != 0 {
		t.Errorf("grpc.port: got %d, want 0", cfg.GRPC.Port)
	}
	if cfg.Cache.DefaultTTL != 2*time.Minute || cfg.Cache.Capacity != 500 {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if cfg.Cache.SweepInterval != DefaultSweepInterval {
		t.Errorf("cache.sweep_interval: got %v, want default", cfg.Cache.SweepInterval)
	}
	if cfg.Realtime.BackoffInitial != 500*time.Millisecond || cfg.Realtime.BackoffMax != 10*time.Second {
		t.Errorf("realtime backoff: got %+v", cfg.Realtime)
	}
	if cfg.Scheduler.OnlyWhenVisible {
		t.Error("scheduler.only_when_visible: got true, want false")
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler.enabled should default to true")
	}
	if cfg.Scheduler.RetryAttempts != 2 || cfg.Scheduler.RetryDelay != 250*time.Millisecond {
		t.Errorf("scheduler retry: got %+v", cfg.Scheduler)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("sources: got %d, want 2", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.WidgetID() != "revenue-eu" || src.DataType != "revenue" || src.Kind != "json" {
		t.Errorf("source[0]: got %+v", src)
	}
	if src.OnlyWhenVisible == nil || !*src.OnlyWhenVisible {
		t.Error("source[0].only_when_visible: want explicit true")
	}
	if src.Filters["region"] != "eu" || src.Filters["top"] != 5 {
		t.Errorf("source[0].filters: got %v", src.Filters)
	}
	if cfg.Sources[1].WidgetID() != "throughput" {
		t.Errorf("source[1] id should default to data_type, got %q", cfg.Sources[1].WidgetID())
	}
	if cfg.Sources[1].OnlyWhenVisible != nil {
		t.Error("source[1].only_when_visible: want nil when absent")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "sources: []\n")

	if cfg.HTTP.Port != DefaultHTTPPort {
		t.Errorf("default http.port: got %d, want %d", cfg.HTTP.Port, DefaultHTTPPort)
	}
	if cfg.GRPC.Port != DefaultGRPCPort {
		t.Errorf("default grpc.port: got %d, want %d", cfg.GRPC.Port, DefaultGRPCPort)
	}
	if cfg.Cache.DefaultTTL != DefaultCacheTTL {
		t.Errorf("default cache.default_ttl: got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.Capacity != 0 {
		t.Errorf("default cache.capacity: got %d, want 0 (unbounded)", cfg.Cache.Capacity)
	}
	if cfg.Realtime.PingInterval != DefaultPingInterval {
		t.Errorf("default realtime.ping_interval: got %v", cfg.Realtime.PingInterval)
	}
	if cfg.Scheduler.DefaultInterval != DefaultRefreshInterval {
		t.Errorf("default scheduler.default_interval: got %v", cfg.Scheduler.DefaultInterval)
	}
	if cfg.Scheduler.RetryAttempts != DefaultRetryAttempts {
		t.Errorf("default scheduler.retry_attempts: got %d", cfg.Scheduler.RetryAttempts)
	}
	if !cfg.Scheduler.OnlyWhenVisible {
		t.Error("default scheduler.only_when_visible: got false")
	}
	if cfg.Log.SlogLevel() != slog.LevelInfo {
		t.Errorf("default log level: got %v", cfg.Log.SlogLevel())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown log level", "log: {level: verbose}\n"},
		{"apikey without key_env", "http: {auth: {mode: apikey}}\n"},
		{"unknown http auth mode", "http: {auth: {mode: oauth}}\n"},
		{"negative capacity", "cache: {capacity: -1}\n"},
		{"zero ttl", "cache: {default_ttl: 0s}\n"},
		{"backoff inverted", "realtime: {backoff_initial: 1m, backoff_max: 1s}\n"},
		{"negative retries", "scheduler: {retry_attempts: -1}\n"},
		{"missing data_type", `
sources:
  - kind: json
    endpoint: "http://x"
`},
		{"missing endpoint", `
sources:
  - data_type: revenue
    kind: json
`},
		{"unknown kind", `
sources:
  - data_type: revenue
    kind: graphql
    endpoint: "http://x"
`},
		{"unknown auth mode", `
sources:
  - data_type: revenue
    kind: json
    endpoint: "http://x"
    auth: {mode: magictoken}
`},
		{"duplicate id", `
sources:
  - data_type: revenue
    kind: json
    endpoint: "http://x"
  - data_type: revenue
    kind: json
    endpoint: "http://y"
`},
		{"bad yaml", "sources: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_AuthModes(t *testing.T) {
	for _, mode := range []string{"mtls", "apikey", "bearer", "basic", "none", ""} {
		t.Run("mode="+mode, func(t *testing.T) {
			yaml := `
sources:
  - data_type: revenue
    kind: json
    endpoint: "http://localhost:8080/data"
    auth:
      mode: "` + mode + `"
`
			cfg := loadFromString(t, yaml)
			if cfg.Sources[0].Auth.Mode != mode {
				t.Errorf("auth mode: got %q, want %q", cfg.Sources[0].Auth.Mode, mode)
			}
		})
	}
}

func TestAuthConfig_Secrets(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")

	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
	if got := (AuthConfig{Header: "X-Token"}).EffectiveHeader(); got != "X-Token" {
		t.Errorf("EffectiveHeader(): got %q", got)
	}
}

func TestServerAuthConfig_Key(t *testing.T) {
	t.Setenv("DATASYNC_KEY", "k1")
	a := ServerAuthConfig{Mode: "apikey", KeyEnv: "DATASYNC_KEY", Header: "authorization"}
	if got := a.Key(); got != "k1" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.EffectiveHeader(); got != "authorization" {
		t.Errorf("EffectiveHeader(): got %q", got)
	}
}

func TestRestartRequired(t *testing.T) {
	prev := defaults()
	next := defaults()
	next.Scheduler.RetryAttempts = 9
	next.Log.Level = "debug"
	if got := RestartRequired(prev, next); len(got) != 0 {
		t.Errorf("live sections reported as restart-required: %v", got)
	}

	next.Cache.Capacity = 10
	next.Sources = []Source{{DataType: "revenue", Kind: "json", Endpoint: "http://x"}}
	got := RestartRequired(prev, next)
	if len(got) != 2 || got[0] != "cache" || got[1] != "sources" {
		t.Errorf("RestartRequired: got %v, want [cache sources]", got)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}

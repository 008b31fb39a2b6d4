// Package config handles loading and hot-reloading of the gateway YAML
// configuration via Viper. All struct fields map 1-to-1 with gateway.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"loadbalancer/internal/pool"
)

// ErrConfigNotFound wraps a Load error that stems from the config file
// being absent, the one case safe to paper over with Default(). Any other
// error from Load — malformed YAML, or a validation failure from
// unmarshal (e.g. https.enabled with no key/cert path) — is a fatal
// ConfigInvalid and must not be treated the same way.
var ErrConfigNotFound = errors.New("config: file not found")

// BackendCfg is the YAML representation of a single upstream server.
type BackendCfg struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// ToSpec parses URL into the host/port/scheme triple internal/pool expects.
func (b BackendCfg) ToSpec() (pool.BackendSpec, error) {
	scheme := "http"
	rest := b.URL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		scheme = rest[:idx]
		rest = rest[idx+3:]
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return pool.BackendSpec{}, fmt.Errorf("config: invalid backend url %q: %w", b.URL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return pool.BackendSpec{}, fmt.Errorf("config: invalid backend port in %q: %w", b.URL, err)
	}
	weight := b.Weight
	if weight <= 0 {
		weight = 1
	}
	return pool.BackendSpec{Host: host, Port: port, Weight: weight, Scheme: scheme}, nil
}

// HealthCheckCfg controls active health probing.
type HealthCheckCfg struct {
	Enabled             bool   `mapstructure:"enabled"`
	Interval            string `mapstructure:"interval"`
	Timeout             string `mapstructure:"timeout"`
	Path                string `mapstructure:"path"`
	Method              string `mapstructure:"method"`
	ExpectStatus        int    `mapstructure:"expect_status"`
	ExpectBodySubstring string `mapstructure:"expect_body_substring"`
}

// ParsedInterval returns the interval as a time.Duration, defaulting to 10s.
func (h HealthCheckCfg) ParsedInterval() time.Duration {
	d, _ := time.ParseDuration(h.Interval)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ParsedTimeout returns the timeout as a time.Duration, defaulting to 2s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

// RateLimitCfg controls per-IP token-bucket rate limiting.
type RateLimitCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	RPS     float64  `mapstructure:"rps"`     // sustained requests per second
	Burst   int      `mapstructure:"burst"`   // maximum burst size
	Exclude []string `mapstructure:"exclude"` // exact paths exempt from limiting
}

// AuthCfg controls JWT Bearer-token authentication.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // exact paths that bypass auth
}

// AdminCfg controls the management dashboard HTTP server.
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// StickySessionCfg controls cookie-based session affinity, which takes
// precedence over the configured load-balancing strategy whenever its
// target backend is still selectable.
type StickySessionCfg struct {
	Enabled       bool   `mapstructure:"enabled"`
	CookieName    string `mapstructure:"cookie_name"`
	CookiePath    string `mapstructure:"cookie_path"`
	MaxAgeSeconds int    `mapstructure:"max_age_seconds"`
	Secure        bool   `mapstructure:"secure"`
}

// HTTPSCfg controls the optional TLS listener.
type HTTPSCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	KeyPath  string `mapstructure:"key_path"`
	CertPath string `mapstructure:"cert_path"`
}

// MetricsCfg controls the Prometheus + JSON-snapshot metrics server.
type MetricsCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr             string            `mapstructure:"listen_addr"`
	Strategy               string            `mapstructure:"strategy"` // round_robin | random | weighted_round_robin | weighted_random | least_connections
	Backends               []BackendCfg      `mapstructure:"backends"`
	HealthCheck            HealthCheckCfg    `mapstructure:"health_check"`
	RateLimit              RateLimitCfg      `mapstructure:"rate_limit"`
	Auth                   AuthCfg           `mapstructure:"auth"`
	Admin                  AdminCfg          `mapstructure:"admin"`
	StickySession          StickySessionCfg  `mapstructure:"sticky_session"`
	HTTPS                  HTTPSCfg          `mapstructure:"https"`
	Metrics                MetricsCfg        `mapstructure:"metrics"`
	ProxyTimeoutMS         int               `mapstructure:"proxy_timeout_ms"`
	ProxyConnectTimeoutMS  int               `mapstructure:"proxy_connect_timeout_ms"`
	ReloadSignal           string            `mapstructure:"reload_signal"`
	// NumWorkers is accepted and logged for parity with the single-process-
	// per-worker model the original system describes; this gateway runs one
	// process per instance and does not fan out child workers from it.
	NumWorkers int `mapstructure:"num_workers"`
}

// Default returns a sensible single-backend config for development / Phase 1.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Strategy:   "round_robin",
		Backends:   []BackendCfg{{URL: "http://localhost:8081", Weight: 1}},
		HealthCheck: HealthCheckCfg{
			Enabled:  true,
			Interval: "10s",
			Timeout:  "2s",
			Path:     "/healthz",
		},
		RateLimit:             RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:                  AuthCfg{Enabled: false},
		Admin:                 AdminCfg{Enabled: true, ListenAddr: ":9091"},
		StickySession:         StickySessionCfg{Enabled: false, CookieName: "lb_sticky_session", CookiePath: "/"},
		Metrics:               MetricsCfg{Enabled: true, Port: 9090, Endpoint: "/stats"},
		ProxyTimeoutMS:        30000,
		ProxyConnectTimeoutMS: 5000,
		ReloadSignal:          "SIGHUP",
	}
}

// Load reads and parses the YAML file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if isNotFound(err) {
			return Config{}, nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, path, err)
		}
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// isNotFound reports whether err stems from the config file being absent,
// covering both viper's own not-found sentinel (search-path lookups) and a
// raw filesystem error (an explicit --config path that doesn't exist).
func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. The callback receives a freshly parsed Config. Invalid reloads are
// logged and silently skipped (the previous config stays active).
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"backends", len(cfg.Backends),
			"strategy", cfg.Strategy,
		)
		onChange(cfg)
	})
}

// BackendSpecs parses every BackendCfg into a pool.BackendSpec, failing on
// the first malformed entry.
func (c Config) BackendSpecs() ([]pool.BackendSpec, error) {
	out := make([]pool.BackendSpec, 0, len(c.Backends))
	for _, b := range c.Backends {
		spec, err := b.ToSpec()
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Defaults — all overridable by gateway.yaml.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("strategy", "round_robin")
	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/healthz")
	v.SetDefault("health_check.method", "GET")
	v.SetDefault("health_check.expect_status", 200)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9091")
	v.SetDefault("sticky_session.enabled", false)
	v.SetDefault("sticky_session.cookie_name", "lb_sticky_session")
	v.SetDefault("sticky_session.cookie_path", "/")
	v.SetDefault("https.enabled", false)
	v.SetDefault("https.port", 8443)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.endpoint", "/stats")
	v.SetDefault("proxy_timeout_ms", 30000)
	v.SetDefault("proxy_connect_timeout_ms", 5000)
	v.SetDefault("reload_signal", "SIGHUP")

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(cfg.Backends) == 0 {
		return Config{}, fmt.Errorf("config: at least one backend must be defined")
	}
	for i, b := range cfg.Backends {
		if b.URL == "" {
			return Config{}, fmt.Errorf("config: backend[%d] has empty url", i)
		}
		if b.Weight <= 0 {
			cfg.Backends[i].Weight = 1
		}
	}
	if cfg.HTTPS.Enabled && (cfg.HTTPS.KeyPath == "" || cfg.HTTPS.CertPath == "") {
		return Config{}, fmt.Errorf("config: https.enabled requires both key_path and cert_path")
	}
	return cfg, nil
}

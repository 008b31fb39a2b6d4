package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"loadbalancer/internal/admin"
	"loadbalancer/internal/config"
	"loadbalancer/internal/health"
	"loadbalancer/internal/metrics"
	"loadbalancer/internal/middleware"
	"loadbalancer/internal/pool"
	"loadbalancer/internal/proxy"
	"loadbalancer/internal/tlsconfig"
)

// runServe loads configPath, wires the gateway's runtime objects, and blocks
// until a termination signal arrives.
func runServe(configPath string) error {
	startTime := time.Now()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, v, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			// Malformed YAML or a validation failure (e.g. https.enabled with
			// no key/cert path) is a ConfigInvalid startup failure, not
			// something Default() can safely paper over.
			return fmt.Errorf("load config %q: %w", configPath, err)
		}
		slog.Warn("config file not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
		v = nil
	}

	if cfg.NumWorkers > 1 {
		slog.Info("num_workers configured but ignored: this gateway runs a single process per instance", "num_workers", cfg.NumWorkers)
	}

	p, gw, monitor, err := buildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("initialise gateway: %w", err)
	}

	if cfg.HealthCheck.Enabled {
		monitor.Start()
	}

	var currentHandler atomic.Value
	buildChain := func(c config.Config) http.Handler {
		var h http.Handler = gw
		if c.Auth.Enabled {
			h = middleware.JWTAuth(c.Auth.Secret, c.Auth.Exclude)(h)
		}
		if c.RateLimit.Enabled {
			h = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst, c.RateLimit.Exclude)(h)
		}
		return middleware.Logger(h)
	}
	currentHandler.Store(buildChain(cfg))

	reconfigure := func(newCfg config.Config) {
		specs, err := newCfg.BackendSpecs()
		if err != nil {
			slog.Error("reconfigure: invalid backends", "error", err)
			return
		}
		if err := p.ReplaceServers(specs); err != nil {
			slog.Error("reconfigure: invalid backends", "error", err)
			return
		}
		if err := p.SetPolicy(newCfg.Strategy); err != nil {
			slog.Error("reconfigure: invalid strategy", "error", err)
			return
		}
		gw.UpdateSticky(stickyConfigFrom(newCfg))
		gw.UpdateTimeouts(timeoutConfigFrom(newCfg))
		currentHandler.Store(buildChain(newCfg))
		cfg = newCfg

		slog.Info("reconfigure applied",
			"backends", len(newCfg.Backends),
			"strategy", newCfg.Strategy,
			"rate_limit", newCfg.RateLimit.Enabled,
			"auth", newCfg.Auth.Enabled,
			"sticky_session", newCfg.StickySession.Enabled,
		)
	}

	if v != nil {
		config.Watch(v, reconfigure)
	}

	// SIGHUP (or the configured reload signal) re-reads the config file from
	// disk, covering deployments where fsnotify is unavailable (e.g. some
	// container filesystem mounts) as a second reconfiguration path.
	reloadSig := make(chan os.Signal, 1)
	signal.Notify(reloadSig, parseReloadSignal(cfg.ReloadSignal))
	go func() {
		for range reloadSig {
			newCfg, _, err := config.Load(configPath)
			if err != nil {
				slog.Error("signal-triggered reload failed", "error", err)
				continue
			}
			slog.Info("reload signal received, reconfiguring")
			reconfigure(newCfg)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q,"commit":%q,"build_date":%q,"uptime":%q}`,
			version, commit, buildDate, time.Since(startTime).Round(time.Second).String())
	})
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		currentHandler.Load().(http.Handler).ServeHTTP(w, r)
	}))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsSrv *http.Server
	if cfg.HTTPS.Enabled {
		tlsCfg, err := tlsconfig.Build(tlsconfig.Config{Enabled: true, KeyPath: cfg.HTTPS.KeyPath, CertPath: cfg.HTTPS.CertPath})
		if err != nil {
			return fmt.Errorf("build tls config: %w", err)
		}
		tlsSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPS.Port),
			Handler:      mux,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		reg := admin.NewRegistry(p)
		adminSrv = admin.New(reg, cfg.Admin.ListenAddr, startTime, version)
		adminSrv.Start()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(p, startTime)
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: collector.Handler(cfg.Metrics.Endpoint),
		}
		go func() {
			slog.Info("metrics listening", "addr", metricsSrv.Addr, "endpoint", cfg.Metrics.Endpoint)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"strategy", cfg.Strategy,
			"backends", len(cfg.Backends),
			"health_check", cfg.HealthCheck.Enabled,
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if tlsSrv != nil {
		go func() {
			slog.Info("gateway listening (https)", "addr", tlsSrv.Addr)
			if err := tlsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("https server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")
	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	if tlsSrv != nil {
		if err := tlsSrv.Shutdown(ctx); err != nil {
			slog.Error("forced https shutdown", "error", err)
		}
	}
	if adminSrv != nil {
		if err := adminSrv.Stop(ctx); err != nil {
			slog.Error("forced admin shutdown", "error", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			slog.Error("forced metrics shutdown", "error", err)
		}
	}

	slog.Info("gateway stopped")
	return nil
}

// buildRuntime constructs the pool, proxy Gateway, and health Monitor from cfg.
func buildRuntime(cfg config.Config) (*pool.Pool, *proxy.Gateway, *health.Monitor, error) {
	specs, err := cfg.BackendSpecs()
	if err != nil {
		return nil, nil, nil, err
	}

	p, err := pool.New(cfg.Strategy, specs)
	if err != nil {
		return nil, nil, nil, err
	}

	gw := proxy.New(p, stickyConfigFrom(cfg), timeoutConfigFrom(cfg))

	mon := health.New(p, health.Config{
		Interval:            cfg.HealthCheck.ParsedInterval(),
		Timeout:             cfg.HealthCheck.ParsedTimeout(),
		Path:                cfg.HealthCheck.Path,
		Method:              cfg.HealthCheck.Method,
		ExpectStatus:        cfg.HealthCheck.ExpectStatus,
		ExpectBodySubstring: cfg.HealthCheck.ExpectBodySubstring,
	})

	return p, gw, mon, nil
}

func stickyConfigFrom(cfg config.Config) proxy.StickyConfig {
	return proxy.StickyConfig{
		Enabled:       cfg.StickySession.Enabled,
		CookieName:    cfg.StickySession.CookieName,
		CookiePath:    cfg.StickySession.CookiePath,
		MaxAgeSeconds: cfg.StickySession.MaxAgeSeconds,
		Secure:        cfg.StickySession.Secure,
	}
}

func timeoutConfigFrom(cfg config.Config) proxy.TimeoutConfig {
	return proxy.TimeoutConfig{
		ConnectTimeout: time.Duration(cfg.ProxyConnectTimeoutMS) * time.Millisecond,
		ProxyTimeout:   time.Duration(cfg.ProxyTimeoutMS) * time.Millisecond,
	}
}

func parseReloadSignal(name string) os.Signal {
	switch name {
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGHUP
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/obsidianstack/datasync/internal/api"
	"github.com/obsidianstack/datasync/internal/auth"
	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/internal/config"
	"github.com/obsidianstack/datasync/internal/coordinator"
	"github.com/obsidianstack/datasync/internal/fetch"
	"github.com/obsidianstack/datasync/internal/health"
	"github.com/obsidianstack/datasync/internal/hub"
	"github.com/obsidianstack/datasync/internal/realtime"
	"github.com/obsidianstack/datasync/internal/scheduler"
	"github.com/obsidianstack/datasync/internal/source"
	"github.com/obsidianstack/datasync/pkg/types"
)

const (
	shutdownTimeout = 10 * time.Second
	hubInterval     = 5 * time.Second
)

// app holds the wired components of a running service.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	cache    *cache.Store
	channel  *realtime.Channel // nil when realtime.url is empty
	sched    *scheduler.Scheduler
	fetchers *fetch.Mux
	loader   *source.Loader
	registry *coordinator.Registry
	hub      *hub.Hub
	health   *health.Server
	policy   auth.Policy
}

// newApp builds every component and mounts one widget per configured source.
// Nothing runs until run is called.
func newApp(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		cache:    cache.New(cfg.Cache.Capacity),
		fetchers: fetch.NewMux(),
		registry: coordinator.NewRegistry(),
		policy:   auth.FromConfig(cfg.HTTP.Auth),
	}
	a.loader = source.New(a.cache, a.fetchers, source.WithLogger(logger))
	a.hub = hub.New(a.registry, hubInterval, logger)
	a.health = health.New(a.policy, logger)
	a.sched = scheduler.New(globalConfig(cfg.Scheduler),
		scheduler.WithVisibility(a.hub),
		scheduler.WithLogger(logger),
	)

	if cfg.Realtime.URL != "" {
		a.channel = realtime.New(realtime.Options{
			URL:            cfg.Realtime.URL,
			BackoffInitial: cfg.Realtime.BackoffInitial,
			BackoffMax:     cfg.Realtime.BackoffMax,
			PingInterval:   cfg.Realtime.PingInterval,
			Cache:          a.cache,
			CacheTTL:       cfg.Cache.DefaultTTL,
			Logger:         logger,
		})
	}

	for _, src := range cfg.Sources {
		if err := a.mount(src); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

// mount registers the source's fetcher and mounts its widget.
func (a *app) mount(src config.Source) error {
	if !a.hasFetcher(src.DataType) {
		f, err := fetch.New(src)
		if err != nil {
			return err
		}
		if err := a.fetchers.Handle(src.DataType, f); err != nil {
			return err
		}
	} else {
		a.logger.Debug("data type already has a fetcher, sharing it",
			"widget", src.WidgetID(), "data_type", src.DataType)
	}

	jobCfg := a.sched.DefaultJobConfig()
	if src.Interval > 0 {
		jobCfg.Interval = src.Interval
	}
	if src.OnlyWhenVisible != nil {
		jobCfg.OnlyWhenVisible = *src.OnlyWhenVisible
	}
	ttl := a.cfg.Cache.DefaultTTL
	if src.TTL > 0 {
		ttl = src.TTL
	}

	var rt coordinator.Realtime
	if a.channel != nil {
		rt = a.channel
	}
	opts := []coordinator.Option{
		coordinator.WithID(src.WidgetID()),
		coordinator.WithTTL(ttl),
		coordinator.WithJobConfig(jobCfg),
		coordinator.WithLogger(a.logger),
	}
	filters := types.Filters(src.Filters)

	var (
		w   coordinator.Widget
		err error
	)
	switch src.Kind {
	case "prometheus":
		w, err = coordinator.New[map[string]float64](src.DataType, filters, a.loader, rt, a.sched, opts...)
	default:
		w, err = coordinator.New[json.RawMessage](src.DataType, filters, a.loader, rt, a.sched, opts...)
	}
	if err != nil {
		return fmt.Errorf("mount %q: %w", src.WidgetID(), err)
	}
	if err := a.registry.Mount(w); err != nil {
		w.Close()
		return fmt.Errorf("mount %q: %w", src.WidgetID(), err)
	}

	w.OnChange(func(v coordinator.View) {
		a.hub.Publish(v)
		a.health.UpdateWidget(v)
	})
	a.logger.Info("widget mounted",
		"widget", src.WidgetID(),
		"data_type", src.DataType,
		"kind", src.Kind,
		"interval", jobCfg.Interval.String(),
		"ttl", ttl.String(),
	)
	return nil
}

func (a *app) hasFetcher(dataType string) bool {
	for _, dt := range a.fetchers.DataTypes() {
		if dt == dataType {
			return true
		}
	}
	return false
}

// handler returns the combined HTTP handler: REST API, /metrics and the
// widget hub. The API requires the configured key except for its health
// endpoint.
func (a *app) handler() http.Handler {
	deps := api.Deps{
		Widgets: a.registry,
		Cache:   a.cache,
		Jobs:    a.sched,
		Logger:  a.logger,
	}
	if a.channel != nil {
		deps.Conn = a.channel
	}
	apiHandler := api.New(deps)

	mux := http.NewServeMux()
	mux.Handle("/api/", a.policy.Middleware(apiHandler, "/api/v1/health"))
	mux.Handle("/metrics", apiHandler)
	mux.Handle("/ws/widgets", a.hub)
	return mux
}

// run starts every background component and the listeners, then blocks until
// ctx is cancelled or a listener fails.
func (a *app) run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.cache.Run(ctx, a.cfg.Cache.SweepInterval)
	go a.hub.Run(ctx)

	if a.channel != nil {
		untrack := a.health.TrackConnection(a.channel)
		defer untrack()
		a.channel.Connect(ctx)
		defer a.channel.Disconnect()
	}

	for _, w := range a.registry.List() {
		go func(w coordinator.Widget) {
			if err := w.Load(ctx); err != nil && !errors.Is(err, coordinator.ErrClosed) {
				a.logger.Warn("initial load failed", "widget", w.ID(), "err", err)
			}
		}(w)
	}

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, a.cfg, a.applyConfig); err != nil {
				a.logger.Error("config watch failed", "path", configPath, "err", err)
			}
		}()
	}

	errCh := make(chan error, 2)

	if a.cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.GRPC.Port))
		if err != nil {
			a.close()
			return fmt.Errorf("listen on gRPC port %d: %w", a.cfg.GRPC.Port, err)
		}
		go func() {
			if err := a.health.Serve(ctx, lis); err != nil {
				errCh <- err
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("HTTP server listening", "port", a.cfg.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.logger.Info("datasync shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"err", err,
		)
	}
	a.close()
	return runErr
}

// applyConfig applies the live sections of a reloaded config.
func (a *app) applyConfig(next *config.Config) {
	a.level.Set(next.Log.SlogLevel())

	sc := next.Scheduler
	a.sched.UpdateGlobalConfig(scheduler.GlobalConfigUpdate{
		Enabled:         &sc.Enabled,
		DefaultInterval: &sc.DefaultInterval,
		RetryAttempts:   &sc.RetryAttempts,
		RetryDelay:      &sc.RetryDelay,
		OnlyWhenVisible: &sc.OnlyWhenVisible,
	})
	a.logger.Info("live config applied",
		"log_level", next.Log.Level,
		"scheduler_enabled", sc.Enabled,
		"default_interval", sc.DefaultInterval.String(),
	)
}

// close unmounts every widget and stops the scheduler.
func (a *app) close() {
	a.registry.CloseAll()
	a.sched.Stop()
}

func globalConfig(sc config.SchedulerConfig) scheduler.GlobalConfig {
	return scheduler.GlobalConfig{
		Enabled:         sc.Enabled,
		DefaultInterval: sc.DefaultInterval,
		RetryAttempts:   sc.RetryAttempts,
		RetryDelay:      sc.RetryDelay,
		OnlyWhenVisible: sc.OnlyWhenVisible,
	}
}

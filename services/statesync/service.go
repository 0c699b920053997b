// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statesync assembles the state synchronization service.
//
// This package wires one state schema to every component of the service:
// the state manager backend, the event pipeline, the HTTP and websocket
// endpoints, idle session eviction, telemetry and configuration reload.
//
// # Usage
//
//	cfg, err := config.Load("statesync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	schema, _ := demo.Schema()
//	svc, err := statesync.New(ctx, cfg, schema, statesync.WithConfigPath("statesync.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(context.Background())
//	err = svc.Run(ctx) // blocks until ctx is done
package statesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/statesync/pkg/logging"
	"github.com/AleutianAI/statesync/services/statesync/app"
	"github.com/AleutianAI/statesync/services/statesync/config"
	"github.com/AleutianAI/statesync/services/statesync/engine"
	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/handlers"
	"github.com/AleutianAI/statesync/services/statesync/manager"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/routes"
	"github.com/AleutianAI/statesync/services/statesync/state"
	sbadger "github.com/AleutianAI/statesync/services/statesync/storage/badger"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
	"github.com/AleutianAI/statesync/services/statesync/ttl"
)

// =============================================================================
// Options
// =============================================================================

// Option configures a Service.
type Option func(*options)

type options struct {
	configPath string
	logger     *logging.Logger
	onLoad     map[string][]event.Spec
	middleware []engine.Middleware
}

// WithConfigPath enables reloading the configuration file while running.
// Only the log level is applied on reload.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnLoad sets the events run after each page hydrates.
func WithOnLoad(onLoad map[string][]event.Spec) Option {
	return func(o *options) { o.onLoad = onLoad }
}

// WithMiddleware adds event middleware after the built-in ones.
func WithMiddleware(mw ...engine.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// =============================================================================
// Service
// =============================================================================

// Service is a running statesync server.
//
// # Thread Safety
//
// Run is called once. Close may be called from any goroutine after Run
// returned, or instead of Run.
type Service struct {
	cfg        config.Config
	configPath string
	logger     *logging.Logger
	ownLogger  bool

	app       *app.App
	router    *gin.Engine
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	scheduler *ttl.Scheduler

	telemetryShutdown func(context.Context) error
}

// New builds the service for schema.
//
// # Outputs
//
//   - *Service: ready to Run.
//   - error: telemetry or manager backend setup failed. Everything set up
//     before the failure is released.
func New(ctx context.Context, cfg config.Config, schema *state.Schema, opts ...Option) (svc *Service, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, configPath: o.configPath, logger: o.logger}
	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		lc := logging.Config{
			Level:   level,
			LogDir:  cfg.Log.Dir,
			Service: cfg.Telemetry.ServiceName,
			JSON:    cfg.Log.JSON,
		}
		if cfg.Log.ExportFile != "" {
			exporter, err := logging.NewFileExporter(cfg.Log.ExportFile)
			if err != nil {
				return nil, fmt.Errorf("failed to open the log export file: %w", err)
			}
			lc.Exporter = exporter
		}
		s.logger = logging.New(lc)
		s.ownLogger = true
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.telemetryShutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	s.metrics = observability.NewMetrics(s.registry)

	mgr, err := s.openManager(ctx, schema)
	if err != nil {
		return nil, err
	}

	s.app = app.New(schema,
		app.WithManager(mgr),
		app.WithLogger(s.logger.Slog()),
		app.WithMetrics(s.metrics),
		app.WithOnLoad(o.onLoad),
		app.WithMiddleware(o.middleware...),
	)
	s.initRouter()
	return s, nil
}

// openManager creates the configured state manager. The memory backend also
// gets an eviction scheduler.
func (s *Service) openManager(ctx context.Context, schema *state.Schema) (manager.Manager, error) {
	mc := s.cfg.Manager
	log := s.logger.Slog().With("backend", mc.Backend)

	dcfg := manager.DistributedConfig{
		TokenExpiration: mc.TokenExpiration,
		LockExpiration:  mc.LockExpiration,
		Logger:          log,
		Metrics:         telemetry.DefaultLockMetrics(),
	}

	switch mc.Backend {
	case config.BackendRedis:
		store, err := manager.OpenRedis(ctx, mc.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("using redis state manager")
		return manager.NewDistributed(schema, store, dcfg), nil

	case config.BackendBadger:
		bcfg := sbadger.DefaultConfig(mc.BadgerDir)
		if mc.BadgerInMemory {
			bcfg = sbadger.InMemoryConfig()
		}
		bcfg.Logger = log
		db, err := sbadger.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		log.Info("using badger state manager", "dir", mc.BadgerDir, "in_memory", mc.BadgerInMemory)
		return manager.NewDistributed(schema, manager.NewBadgerStore(db, log), dcfg), nil

	default:
		mem := manager.NewMemory(schema, manager.WithMemoryMetrics(s.metrics))
		s.scheduler = ttl.NewScheduler(mem, ttl.SchedulerConfig{
			Interval: s.cfg.Sessions.EvictionInterval,
			IdleTTL:  s.cfg.Sessions.IdleTTL,
		}, log)
		log.Info("using in-memory state manager")
		return mem, nil
	}
}

func (s *Service) initRouter() {
	gin.SetMode(s.cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))

	logger := s.logger.Slog()
	routes.SetupRoutes(s.router, s.app, routes.Options{
		Socket: handlers.SocketConfig{
			EventsPerSecond: s.cfg.Events.RateLimit,
			Burst:           s.cfg.Events.Burst,
			WriteTimeout:    s.cfg.Events.WriteTimeout,
			Logger:          logger,
			Metrics:         s.metrics,
		},
		Upload: handlers.UploadConfig{
			MaxBytes: s.cfg.Upload.MaxBytes,
			Logger:   logger,
			Metrics:  s.metrics,
		},
		Gatherer: prometheus.Gatherers{s.registry, prometheus.DefaultGatherer},
	})
}

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// App returns the service's App.
func (s *Service) App() *app.App { return s.app }

// Run serves HTTP on the configured address until ctx is done, then shuts
// the server down gracefully.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting statesync server", "addr", ln.Addr().String(), "backend", s.cfg.Manager.Backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down statesync server")
		return srv.Shutdown(shutdownCtx)
	})

	if s.scheduler != nil {
		g.Go(func() error {
			if err := s.scheduler.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			s.scheduler.Stop()
			return nil
		})
	}

	if s.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, s.configPath, s.logger.Slog(), s.applyReload)
		})
	}

	return g.Wait()
}

// applyReload applies the parts of a reloaded configuration that can change
// at runtime.
func (s *Service) applyReload(cfg config.Config) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return
	}
	if level != s.logger.Level() {
		s.logger.Info("changing log level", "from", s.logger.Level().String(), "to", level.String())
		s.logger.SetLevel(level)
	}
}

// Close stops background tasks, closes the state manager and flushes
// telemetry.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.app != nil {
		errs = append(errs, s.app.Close(ctx))
	}
	if s.telemetryShutdown != nil {
		errs = append(errs, s.telemetryShutdown(ctx))
	}
	if s.ownLogger {
		errs = append(errs, s.logger.Close())
	}
	return errors.Join(errs...)
}

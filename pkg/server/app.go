package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LevelWatch/internal/domain/repository"
	"LevelWatch/internal/handler/api"
	"LevelWatch/internal/service/stream"
	"LevelWatch/internal/usecase"
	"LevelWatch/pkg/config"
	xhttp "LevelWatch/pkg/http"
	applogger "LevelWatch/pkg/logger"
	"LevelWatch/pkg/queue"

	"golang.org/x/sync/errgroup"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	source     repository.PriceSource
	store      repository.AlertStore
	manager    *usecase.Manager
	mux        *stream.Multiplexer
	handler    *api.AlertsEchoHandler
	janitor    *usecase.Janitor
	redelivery *queue.RedisQueue
	recorder   repository.FireRecorder
	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	source repository.PriceSource,
	store repository.AlertStore,
	manager *usecase.Manager,
	mux *stream.Multiplexer,
	handler *api.AlertsEchoHandler,
	janitor *usecase.Janitor,
	redelivery *queue.RedisQueue,
	recorder repository.FireRecorder,
) *App {
	return &App{
		cfg:        cfg,
		log:        log,
		source:     source,
		store:      store,
		manager:    manager,
		mux:        mux,
		handler:    handler,
		janitor:    janitor,
		redelivery: redelivery,
		recorder:   recorder,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Upstream feed first: hydration may immediately acquire streams.
	if err := a.source.Connect(ctx); err != nil {
		return err
	}
	if err := a.manager.Hydrate(ctx); err != nil {
		return err
	}

	if a.janitor != nil {
		if err := a.janitor.Start(); err != nil {
			return err
		}
	}

	if a.redelivery != nil {
		g.Go(func() error {
			if err := a.redelivery.Start(); err != nil {
				a.log.Error("redelivery consumer error", applogger.Error(err))
			}
			return nil
		})
		a.log.Info("notification redelivery consumer started")
	}

	serverOpts := []xhttp.ServerOption{
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	}
	if a.cfg.Metrics.Enabled {
		serverOpts = append(serverOpts,
			xhttp.WithRequestMetrics(a.log, time.Second),
			xhttp.WithMetricsPath(a.cfg.Metrics.Path),
		)
	}
	a.httpServer = xhttp.NewServer(a.handler, serverOpts...)
	if err := a.httpServer.Start(); err != nil {
		return err
	}
	a.log.Info("api listening", applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		a.log.Info("shutdown signal received")
	case <-gctx.Done():
	}

	err := a.shutdown(ctx)
	cancel()
	_ = g.Wait()
	return err
}

// shutdown gracefully stops all services: stop accepting work, stop
// evaluating, then close infrastructure.
func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	if a.janitor != nil {
		a.janitor.Stop()
	}

	a.manager.Close()
	if err := a.mux.Close(); err != nil {
		a.log.Warn("multiplexer close error", applogger.Error(err))
	}
	if err := a.source.Close(); err != nil {
		a.log.Warn("price feed close error", applogger.Error(err))
	}

	if a.redelivery != nil {
		if err := a.redelivery.Stop(shutdownCtx); err != nil {
			a.log.Warn("redelivery consumer stop error", applogger.Error(err))
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("fire recorder close error", applogger.Error(err))
		}
	}

	// Final operator-log flush while the queue is still reachable.
	a.log.RemoveCollector()

	if err := a.store.Close(); err != nil {
		a.log.Warn("alert store close error", applogger.Error(err))
	}

	a.log.Info("shutdown complete")
	return nil
}

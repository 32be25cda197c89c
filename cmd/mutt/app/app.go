// Package app wires configuration, stores and pipeline stages into one
// runnable process. Which stages run is chosen by the target; every target
// serves /health, /metrics and the dynamic config admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/muttproject/mutt/modules/alerter"
	"github.com/muttproject/mutt/modules/forwarder"
	"github.com/muttproject/mutt/modules/ingestor"
	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/api"
	"github.com/muttproject/mutt/pkg/audit"
	"github.com/muttproject/mutt/pkg/queue"
	"github.com/muttproject/mutt/pkg/redispool"
	"github.com/muttproject/mutt/pkg/secrets"
)

// App is one configured process.
type App struct {
	cfg    Config
	logger log.Logger

	rdb       redis.UniversalClient
	db        *sqlx.DB
	store     *audit.Store
	overrides *overrides.Overrides
	ingestor  *ingestor.Ingestor
	alerter   *alerter.Alerter
	forwarder *forwarder.Forwarder

	httpServer *http.Server

	serviceManager *services.Manager
	serviceWatcher *services.FailureWatcher
}

// New connects the shared stores and builds the target's services. Failures
// here are initialization failures; the caller exits with code 1.
func New(cfg Config, logger log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := a.secretsProvider()
	if err != nil {
		return nil, err
	}

	a.rdb, err = redispool.New(ctx, cfg.Redis, provider, logger)
	if err != nil {
		return nil, err
	}

	a.overrides = overrides.New(cfg.Overrides, a.rdb, logger)
	svcs := []services.Service{a.overrides}

	q := queue.New(a.rdb)
	checks := map[string]api.HealthCheck{
		"redis": func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	}

	if cfg.needsAlerter() {
		a.db, err = audit.Connect(ctx, cfg.Audit, provider, logger)
		if err != nil {
			return nil, err
		}
		a.store = audit.NewStore(a.db, logger)
		checks["db"] = a.store.Ping
	}

	router := mux.NewRouter()
	router.Use(api.VersionHeaders)
	router.Handle(api.PathMetrics, promhttp.Handler())
	router.HandleFunc(api.PathHealth, api.HealthHandler(checks))
	router.HandleFunc(api.PathConfig, a.overrides.ListHandler).Methods(http.MethodGet)
	router.HandleFunc(api.PathConfig+"/{key}", a.overrides.GetHandler).Methods(http.MethodGet)
	router.HandleFunc(api.PathConfig+"/{key}", a.overrides.SetHandler).Methods(http.MethodPut)

	if cfg.needsIngestor() {
		a.ingestor, err = ingestor.New(cfg.Ingestor, q, logger)
		if err != nil {
			return nil, err
		}
		a.ingestor.RegisterRoutes(router)
		svcs = append(svcs, a.ingestor)
	}
	if cfg.needsAlerter() {
		a.alerter, err = alerter.New(cfg.Alerter, a.rdb, a.store, a.overrides, logger)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, a.alerter)
	}
	if cfg.needsForwarder() {
		a.forwarder, err = forwarder.New(cfg.Forwarder, a.rdb, a.overrides, logger)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, a.forwarder)
	}
	if a.ingestor == nil && a.alerter == nil && a.forwarder == nil {
		return nil, fmt.Errorf("unknown target %q", cfg.Target)
	}

	a.serviceManager, err = services.NewManager(svcs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create service manager: %w", err)
	}
	a.serviceWatcher = services.NewFailureWatcher()
	a.serviceWatcher.WatchManager(a.serviceManager)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) secretsProvider() (secrets.Provider, error) {
	if a.cfg.SecretsFile != "" {
		return secrets.NewFileProvider(a.cfg.SecretsFile)
	}
	return secrets.EnvProvider{}, nil
}

// Run starts everything and blocks until a signal arrives or a service
// fails. The returned error is nil only on a clean, signal-driven shutdown.
func (a *App) Run() error {
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err := services.StartManagerAndAwaitHealthy(startCtx, a.serviceManager)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	level.Info(a.logger).Log("msg", "HTTP server listening", "addr", a.httpServer.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case s := <-sig:
		level.Info(a.logger).Log("msg", "signal received, shutting down", "signal", s)
	case runErr = <-httpErr:
		level.Error(a.logger).Log("msg", "HTTP server failed", "err", runErr)
	case runErr = <-a.serviceWatcher.Chan():
		level.Error(a.logger).Log("msg", "service failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, a.httpServer.Shutdown(shutdownCtx))
	shutdownErr = multierr.Append(shutdownErr, services.StopManagerAndAwaitStopped(shutdownCtx, a.serviceManager))
	if a.db != nil {
		shutdownErr = multierr.Append(shutdownErr, a.db.Close())
	}
	shutdownErr = multierr.Append(shutdownErr, a.rdb.Close())

	if runErr == nil {
		return shutdownErr
	}
	if shutdownErr != nil {
		level.Warn(a.logger).Log("msg", "shutdown incomplete", "err", shutdownErr)
	}
	return runErr
}

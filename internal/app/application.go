package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"collabd/internal/api"
	"collabd/internal/clients"
	"collabd/internal/config"
	"collabd/internal/database"
	"collabd/internal/lifecycle"
	"collabd/internal/session"
	"collabd/internal/ws"
)

// Application wires all components in dependency order:
// store → clients → registry → coordinator → websocket → API → HTTP.
type Application struct {
	cfg         *config.Config
	store       *database.Store
	registry    *session.Registry
	coordinator *lifecycle.Coordinator
	httpServer  *http.Server
	log         *logrus.Entry
}

func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	usersClient := clients.NewUsersClient(cfg.UsersServiceURL)
	questionsClient := clients.NewQuestionsClient(cfg.QuestionsServiceURL)

	registry := session.NewRegistry()
	coordinator := lifecycle.NewCoordinator(registry, store, usersClient, questionsClient,
		cfg.CheckpointInterval, cfg.InactivityTimeout)

	if err := coordinator.Recover(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to recover sessions: %w", err)
	}

	wsHandler := ws.NewHandler(registry, ws.Options{
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.WSReadTimeout,
		WriteTimeout: cfg.WSWriteTimeout,
		BufferFrames: cfg.SendBufferFrames,
	})
	apiServer := api.NewServer(coordinator, registry, store, wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	return &Application{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		coordinator: coordinator,
		httpServer:  httpServer,
		log:         logrus.WithField("component", "app"),
	}, nil
}

// Start begins serving and returns once the listener is up.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("addr", a.httpServer.Addr).Info("starting collaboration server")

	serverErrCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		a.log.Info("collaboration server started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP listener, then every live
// session (flushed to the store, records left Active for recovery), then
// the store itself.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("shutting down collaboration server")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("HTTP server shutdown error")
	}
	a.coordinator.Shutdown(ctx)
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("store shutdown error")
	}

	a.log.Info("collaboration server shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (a *Application) Addr() string {
	return a.httpServer.Addr
}

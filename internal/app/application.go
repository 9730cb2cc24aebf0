package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"downbeat/internal/api"
	"downbeat/internal/config"
	"downbeat/internal/directory"
	"downbeat/internal/dispatch"
	"downbeat/internal/registry"
	"downbeat/internal/ws"
)

// Application coordinates all components. Initialization order follows the
// dependency chain: directory → registry → dispatcher → sessions →
// WebSocket handler → API → HTTP server.
type Application struct {
	config     *config.Config
	store      *directory.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication builds a fully wired application from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := directory.Open(cfg.Database.Path, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}

	reg := registry.New()
	dispatcher := dispatch.New(reg)

	sessions, err := api.NewSessions(store, cfg.Auth)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build session codec: %w", err)
	}

	wsHandler := ws.NewHandler(reg, dispatcher, sessions, cfg.WebSocket)
	apiServer := api.NewServer(store, reg, sessions, wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Dispatcher exposes the bus to in-process producer collaborators (the
// CRUD handlers that emit events after a mutation).
func (app *Application) Dispatcher() *dispatch.Dispatcher {
	return app.dispatcher
}

// Directory exposes the credential store for provisioning.
func (app *Application) Directory() *directory.Store {
	return app.store
}

// Addr returns the HTTP listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// Start launches the HTTP server and verifies it came up.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting downbeat on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("downbeat started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts everything down in reverse dependency order: HTTP listener,
// live connections, directory.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down downbeat")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.registry.CloseAll()

	if err := app.store.Close(); err != nil {
		log.Printf("Directory shutdown error: %v", err)
	}

	log.Printf("downbeat shutdown complete")
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"roomrelay/internal/api"
	"roomrelay/internal/config"
	"roomrelay/internal/hub"
	"roomrelay/internal/membership"
	"roomrelay/internal/router"
	"roomrelay/internal/session"
	"roomrelay/internal/websocket"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	log        *slog.Logger
	store      *membership.Store
	registry   *session.Registry
	relayHub   *hub.Hub
	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	stopped  bool
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Registry → Router → Hub → WebSocket handler → API → HTTP
func NewApplication(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// STEP 1: Membership store (opens the database and applies migrations)
	store, err := membership.Open(cfg.DatabaseSettings(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize membership store: %w", err)
	}
	log.Info("Membership store ready", "path", cfg.Database.Path)

	// STEP 2: Session registry, owned by this application instance
	registry := session.NewRegistry()

	// STEP 3: Broadcast engine backed by the store as membership oracle
	relayRouter, err := router.NewRouter(registry, store, router.Options{
		OracleTimeout:     cfg.Relay.OracleTimeout,
		SendTimeout:       cfg.Relay.SendTimeout,
		FanoutConcurrency: cfg.Relay.FanoutConcurrency,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	// STEP 4: Lifecycle hub with optional inbound rate limiting
	var limiter *router.RateLimiter
	if cfg.Relay.RateLimit > 0 {
		limiter = router.NewRateLimiter(cfg.Relay.RateLimit, cfg.Relay.RateBurst)
	}
	relayHub := hub.NewHub(registry, relayRouter, limiter, log)

	// STEP 5: WebSocket relay endpoint and operational API on one mux
	wsHandler := websocket.NewHandler(relayHub, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, log)
	apiServer := api.NewServer(registry, store, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocket.Path, wsHandler)
	mux.Handle("/", apiServer)

	// TECHNICAL DISCOVERY: http.Server timeouts apply to the upgrade request only;
	// hijacked WebSocket connections manage their own deadlines
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		log:        log.With("component", "app"),
		store:      store,
		registry:   registry,
		relayHub:   relayHub,
		handler:    mux,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start binds the listen address and begins serving in the background
// Startup coordination ensures the hub accepts sessions before HTTP accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.stopped {
		return errors.New("application already stopped")
	}
	if app.listener != nil {
		return errors.New("application already started")
	}

	if err := app.relayHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.relayHub.Shutdown(ctx)
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.log.Info("Relay started", "addr", listener.Addr().String(), "path", app.config.WebSocket.Path)
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub (closes every session) → Store
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.stopped {
		return nil
	}
	app.stopped = true

	app.log.Info("Shutting down relay")
	var errs []error

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	if err := app.relayHub.Shutdown(ctx); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store shutdown: %w", err))
	}

	app.log.Info("Relay shutdown complete")
	return errors.Join(errs...)
}

// Errors reports a fatal serving error; it is closed when serving ends
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Addr returns the bound listen address once started, or the configured one
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the combined relay and API mux
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Store exposes the membership store for seeding and maintenance
func (app *Application) Store() *membership.Store {
	return app.store
}

// Registry exposes the live session registry
func (app *Application) Registry() *session.Registry {
	return app.registry
}

package flock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/flock/core"
	"github.com/putto11262002/flock/pkg/logger"
	"github.com/putto11262002/flock/pkg/router"
	"github.com/putto11262002/flock/pkg/server"
)

type App struct {
	config      *Config
	context     context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	coordinator *core.Coordinator
	metrics     *Metrics

	managerOpts []core.ManagerOption
	staticFS    *StaticFS

	startOnce sync.Once
	started   bool
	connWg    sync.WaitGroup
	sweeperWg sync.WaitGroup
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option {
	return func(app *App) {
		app.logger = l
	}
}

// WithStaticFS serves a web client from the root path.
func WithStaticFS(fs *StaticFS) Option {
	return func(app *App) {
		app.staticFS = fs
	}
}

// WithManagerOptions passes extra options to the connection manager.
func WithManagerOptions(opts ...core.ManagerOption) Option {
	return func(app *App) {
		app.managerOpts = append(app.managerOpts, opts...)
	}
}

// New wires the presence pipeline and the HTTP routes. Nothing runs until
// Start or Run is called. The app stops when ctx is done.
func New(ctx context.Context, config *Config, opts ...Option) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app := &App{config: config}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		l, err := logger.New(os.Stdout, logger.Options{
			Level:  config.Log.Level,
			Format: config.Log.Format,
		})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		app.logger = l
	}
	app.context, app.cancel = context.WithCancel(ctx)

	managerOpts := append([]core.ManagerOption{
		core.WithCheckOrigin(originChecker(config.AllowedOrigins)),
		core.WithStreamSizes(config.WS.ReadBuffer, config.WS.WriteBuffer),
		core.WithMaxMessageSize(config.WS.MaxMessageSize),
	}, app.managerOpts...)
	app.wsManager = core.NewConnManager(app.context, &app.connWg, app.logger, managerOpts...)
	app.wsManager.OnConnectionOpened(app.onConnectionOpened)
	app.wsManager.OnConnectionClosed(app.onConnectionClosed)

	app.eventRouter = core.NewEventRouter(app.context, app.logger, app.wsManager,
		core.WithHandledHook(func(eventType string, err error) {
			app.metrics.ObserveEvent(eventType, err)
		}))

	app.coordinator = core.NewCoordinator(
		core.NewRegistry(),
		core.NewGateway(app.eventRouter),
		app.logger,
		core.PresenceConfig{
			DefaultName:     config.Presence.DefaultName,
			DefaultActivity: config.Presence.DefaultActivity,
			OfflineTTL:      config.Presence.OfflineTTL,
		})
	app.metrics = NewMetrics(app.coordinator, app.wsManager)

	app.eventRouter.On(core.JoinGroupEvent, app.JoinGroupHandler)
	app.eventRouter.On(core.LocationUpdateEvent, app.LocationUpdateHandler)
	app.eventRouter.On(core.LeaveGroupEvent, app.LeaveGroupHandler)
	app.eventRouter.On(core.DisconnectEvent, app.DisconnectHandler)
	app.eventRouter.On(core.SweepEvent, app.SweepHandler)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	app.router.Router.Get("/ws", app.wsManager.ServeHTTP)
	app.router.Get("/health", app.HealthHandler)
	app.router.Router.Handle("/metrics", app.metrics.Handler())
	if app.staticFS != nil {
		app.router.Router.With(app.staticFS.EtagMiddleware()).Mount("/", http.FileServer(app.staticFS))
	}

	return app, nil
}

// Handler is the app's HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start starts the event worker and, when offline eviction is enabled, the
// sweeper. It returns immediately.
func (app *App) Start() {
	app.startOnce.Do(func() {
		app.started = true
		app.eventRouter.Listen()
		if app.config.Presence.OfflineTTL > 0 {
			app.sweeperWg.Add(1)
			go func() {
				defer app.sweeperWg.Done()
				app.sweep(app.config.Presence.SweepInterval)
			}()
		}
	})
}

// Run starts the app and serves HTTP until the app's context is done.
func (app *App) Run() error {
	app.Start()
	srv := &server.Server{
		Server: &http.Server{
			Addr:    app.config.Addr(),
			Handler: app.Handler(),
		},
		Logger: app.logger,
	}
	if app.config.TLSEnabled() {
		srv.TLSCrt, srv.TLSKey = app.config.TLS.Crt, app.config.TLS.Key
		if app.config.Mode == ProdMode {
			srv.TLSConfig = server.DefaultTLSConfig()
		}
	}
	srv.AddCleanUpFunc(app.Close)
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, app.config.Addr()))
	return srv.Run(app.context)
}

// Close closes every connection, waits for the connection loops to exit and
// then stops the worker and the sweeper.
func (app *App) Close(ctx context.Context) {
	app.wsManager.Close()

	done := make(chan struct{})
	go func() {
		app.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		app.logger.Warn("connections did not close in time")
	}

	app.cancel()
	app.sweeperWg.Wait()
	if app.started {
		app.eventRouter.Close(ctx)
	}
}

func (app *App) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-app.context.Done():
			return
		case now := <-ticker.C:
			app.eventRouter.Dispatch(&core.Event{Type: core.SweepEvent, ReceivedAt: now})
		}
	}
}

func (app *App) onConnectionOpened(id string) {
	app.logger.Debug("connection opened", slog.String("connection", id))
}

func (app *App) onConnectionClosed(id string) {
	app.logger.Debug("connection closed", slog.String("connection", id))
}

// originChecker allows requests without an Origin header and requests from
// an allowed origin. "*" allows every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

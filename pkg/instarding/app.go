package instarding

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/billing"
	"github.com/instarding/server/internal/blobstore"
	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/cloudpayments"
	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/httpclient"
	"github.com/instarding/server/internal/httpserver"
	"github.com/instarding/server/internal/instagram"
	"github.com/instarding/server/internal/lifecycle"
	"github.com/instarding/server/internal/logger"
	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/notify"
	"github.com/instarding/server/internal/parserconfig"
	"github.com/instarding/server/internal/scrape"
	"github.com/instarding/server/internal/storage"
)

// App wires the scraping, billing, and notification components for
// standalone serving or embedding into an existing router.
type App struct {
	Config       *config.Config
	Store        storage.Store
	ParserConfig *parserconfig.Store
	Blobs        *blobstore.Store
	Breakers     *circuitbreaker.Manager
	Instagram    *instagram.Client
	Scrape       *scrape.Service
	Gateway      *cloudpayments.Client
	Billing      *billing.Service
	Scheduler    *billing.Scheduler
	Notify       *notify.Service

	router           chi.Router
	server           *httpserver.Server
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	logger           zerolog.Logger

	startOnce sync.Once
	started   bool
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	notifier notify.Notifier
	fallback instagram.CommentFallback
	router   chi.Router
	registry prometheus.Registerer
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects a custom Telegram notifier (tests use this to
// capture outbound messages).
func WithNotifier(notifier notify.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithCommentFallback plugs in a logged-in session capability for
// fetching comments when the public endpoints come back empty.
func WithCommentFallback(fallback instagram.CommentFallback) Option {
	return func(o *options) {
		o.fallback = fallback
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithMetricsRegistry overrides the Prometheus registry. The default is
// prometheus.DefaultRegisterer, which panics on duplicate registration
// when more than one App lives in the same process.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// NewApp assembles the full service graph from configuration. Background
// loops (scrape worker, billing scheduler, notification delivery) are
// not running until Start is called.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("instarding: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "instarding-server",
		Environment: cfg.Logging.Environment,
	})

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		logger:          appLogger,
	}

	registry := optState.registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	metricsCollector := metrics.New(registry)
	app.metricsCollector = metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:         cfg.Storage.Backend,
			PostgresURL:     cfg.Storage.PostgresURL,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
			PostgresPool:    cfg.Storage.PostgresPool,
			Metrics:         metricsCollector,
		})
		if err != nil {
			return nil, err
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			appLogger.Warn().
				Msg("instarding: using the in-memory store, all data is lost on restart")
		}
	}

	parserCfg, err := parserconfig.Open(cfg.ParserConfig.Path, appLogger)
	if err != nil {
		return nil, err
	}
	app.ParserConfig = parserCfg

	blobs, err := blobstore.New(cfg.BlobStore.BaseDir, cfg.BlobStore.MaxDimension, appLogger, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.Blobs = blobs

	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.Instagram = instagram.NewClient(
		httpclient.New(cfg.Ingest, appLogger, metricsCollector),
		instagram.NewRotator(parserCfg, appLogger),
		instagram.NewLimiter(cfg.Scrape.RateLimit),
		app.Breakers,
		cfg.Scrape,
		appLogger,
	)

	tasks, err := scrape.NewTaskStore(cfg.Scrape.TaskStore, cfg.Scrape.RedisURL, cfg.Scrape.TaskStatusTTL.Duration)
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("task-store", tasks)

	cache := scrape.NewCache(app.Store, cfg.Scrape.ProfileCacheTTL.Duration, appLogger, metricsCollector)
	app.Scrape = scrape.NewService(app.Instagram, cache, app.Store, blobs, tasks, optState.fallback, cfg.Scrape, appLogger, metricsCollector)

	app.Gateway = cloudpayments.New(cfg.CloudPayments, app.Breakers, appLogger, metricsCollector)
	app.Billing = billing.NewService(app.Store, app.Gateway, cfg.Billing, appLogger, metricsCollector)
	app.Scheduler = billing.NewScheduler(app.Billing, app.Store, cfg.Billing, appLogger)

	notifier := optState.notifier
	if notifier == nil && cfg.Notifications.BotToken != "" {
		notifier = notify.NewTelegramNotifier(cfg.Notifications.BotAPIURL, cfg.Notifications.BotToken, appLogger)
	}
	app.Notify = notify.NewService(app.Store, notifier, cfg.Notifications, appLogger, metricsCollector)

	deps := app.serverDeps()

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, deps)

	app.server = httpserver.New(deps)

	return app, nil
}

func (a *App) serverDeps() httpserver.Deps {
	return httpserver.Deps{
		Config:       a.Config,
		Store:        a.Store,
		Scrape:       a.Scrape,
		Billing:      a.Billing,
		Scheduler:    a.Scheduler,
		Notify:       a.Notify,
		Gateway:      a.Gateway,
		ParserConfig: a.ParserConfig,
		Blobs:        a.Blobs,
		Breakers:     a.Breakers,
		Metrics:      a.metricsCollector,
		Logger:       a.logger,
	}
}

// Start launches the background loops: the scrape worker, the recurring
// payments scheduler, and the notification delivery loop.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.started = true
		a.Scrape.Start()
		a.Scheduler.Start()
		a.Notify.Start()
	})
}

// Router returns the chi router with all routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Server returns the preconfigured HTTP server for standalone serving.
func (a *App) Server() *httpserver.Server {
	return a.server
}

// Close stops the background loops (if started) and releases resources
// owned by the app in reverse registration order.
func (a *App) Close() error {
	if a.started {
		a.Scrape.Stop()
		a.Scheduler.Stop()
		a.Notify.Stop()
	}
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the API endpoints to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.serverDeps())
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the server.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

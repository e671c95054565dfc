package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/billing"
	"github.com/instarding/server/internal/blobstore"
	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/cloudpayments"
	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/logger"
	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/notify"
	"github.com/instarding/server/internal/parserconfig"
	"github.com/instarding/server/internal/ratelimit"
	"github.com/instarding/server/internal/scrape"
	"github.com/instarding/server/internal/storage"
)

var (
	serverStartTime = time.Now()
)

// Deps collects everything the HTTP layer needs. Optional components
// (gateway, blobs, breakers) may be nil; the handlers degrade to 503s
// or omit the related fields.
type Deps struct {
	Config       *config.Config
	Store        storage.Store
	Scrape       *scrape.Service
	Billing      *billing.Service
	Scheduler    *billing.Scheduler
	Notify       *notify.Service
	Gateway      *cloudpayments.Client
	ParserConfig *parserconfig.Store
	Blobs        *blobstore.Store
	Breakers     *circuitbreaker.Manager
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	store     storage.Store
	scrape    *scrape.Service
	billing   *billing.Service
	scheduler *billing.Scheduler
	notify    *notify.Service
	gateway   *cloudpayments.Client
	parserCfg *parserconfig.Store
	blobs     *blobstore.Store
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(deps),
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)

	return s
}

func newHandlers(deps Deps) handlers {
	return handlers{
		cfg:       deps.Config,
		store:     deps.Store,
		scrape:    deps.Scrape,
		billing:   deps.Billing,
		scheduler: deps.Scheduler,
		notify:    deps.Notify,
		gateway:   deps.Gateway,
		parserCfg: deps.ParserConfig,
		blobs:     deps.Blobs,
		breakers:  deps.Breakers,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// ConfigureRouter attaches the API routes to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}

	cfg := deps.Config
	handler := newHandlers(deps)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Timeout middleware is applied per route group: 5s for the
	// lightweight health/metrics endpoints, 60s for everything that may
	// scrape or talk to the payment gateway.
	prefix := cfg.Server.RoutePrefix

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		// Prometheus metrics, protected by the optional admin API key.
		r.With(adminAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Users
		r.Post(prefix+"/api/auth/login", handler.authLogin)
		r.Get(prefix+"/api/auth/user/{userID}", handler.getUser)

		// Profile checks and the deep-scrape pipeline
		r.Post(prefix+"/api/profile/check", handler.checkProfile)
		r.Get(prefix+"/api/profile/{username}/parse-status", handler.profileParseStatus)
		r.Get(prefix+"/api/profile/{username}/followers", handler.profileFollowers)
		r.Get(prefix+"/api/parse/tasks/{taskID}", handler.parseTaskStatus)
		r.Get(prefix+"/api/parse/queue", handler.parseQueueStatus)

		// Tariffs and subscriptions
		r.Get(prefix+"/api/tariffs", handler.listTariffs)
		r.Get(prefix+"/api/tariffs/{tariffID}", handler.getTariff)
		r.Post(prefix+"/api/subscription/purchase", handler.purchaseSubscription)
		r.Get(prefix+"/api/subscription/status/{userID}", handler.subscriptionStatus)
		r.Post(prefix+"/api/subscription/pause", handler.pauseSubscription)
		r.Post(prefix+"/api/subscription/resume", handler.resumeSubscription)
		r.Post(prefix+"/api/subscription/cancel", handler.cancelSubscription)

		// Payments (webhook URL stays stable, never versioned)
		r.Get(prefix+"/api/payments/history/{userID}", handler.paymentHistory)
		r.Post(prefix+"/api/payments/cloudpayments/notification", handler.gatewayWebhook)

		// Activity tracking
		r.Post(prefix+"/api/activity/app-start", handler.activityAppStart)
		r.Post(prefix+"/api/activity/app-exit", handler.activityAppExit)
		r.Get(prefix+"/api/activity/stats/{userID}", handler.activityStats)

		// Operator endpoints share the metrics admin key.
		r.Group(func(ar chi.Router) {
			ar.Use(adminAuth(cfg.Server.AdminMetricsAPIKey))
			ar.Get(prefix+"/api/admin/parser/config", handler.getParserConfig)
			ar.Post(prefix+"/api/admin/parser/cookies", handler.addParserCookie)
			ar.Put(prefix+"/api/admin/parser/cookies/{index}", handler.updateParserCookie)
			ar.Delete(prefix+"/api/admin/parser/cookies/{index}", handler.removeParserCookie)
			ar.Put(prefix+"/api/admin/parser/timings", handler.updateParserTimings)
			ar.Post(prefix+"/api/admin/parser/reset", handler.resetParserConfig)
			ar.Get(prefix+"/api/admin/storage/stats", handler.storageStats)
			ar.Post(prefix+"/api/admin/storage/cleanup", handler.storageCleanup)
		})
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

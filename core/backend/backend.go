package backend

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/csql"
	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/registry"
	"github.com/juaninavos/jerseymarket/core/schema"
)

// DefaultOutboxTopic is the kafka topic marketplace events are published to
const DefaultOutboxTopic = "jersey-market-events"

// Backend is the marketplace rest backend
type Backend struct {
	db        *csql.DB
	router    *mux.Router
	validator *schema.Validator
	tokens    *access.TokenIssuer
	authCache *access.AuthorizationCache
	metrics   *marketMetrics
	now       func() time.Time

	loginLimiter *access.RateLimiter
	bidLimiter   *access.RateLimiter

	settingsLock sync.RWMutex
	settings     Settings

	outboxTopic string
	publisher   Publisher
	scheduler   *cron.Cron

	updateSchema bool

	// Registry is the JSON object registry for this backend's schema
	Registry registry.Registry

	callbacks                 map[string]jobHandler
	pipelineConcurrency       int
	jobsInsertQuery           string
	jobsInsertIfNotExistQuery string
	jobsUpdateQuery           string
	jobsDeleteQuery           string
	jobsCancelQuery           string
	processJobsAsyncLock      sync.Mutex
	processJobsAsyncRuns      bool
	processJobsAsyncTrigger   chan struct{}
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// UpdateSchema creates or updates the sql relations
	UpdateSchema bool
	// JwtSecret signs the access tokens. If it is empty, a secret is generated
	// once and kept in the registry.
	JwtSecret []byte
	// JwtIssuer is the issuer claim of the access tokens
	JwtIssuer string
	// TokenLifetime defaults to access.DefaultTokenLifetime
	TokenLifetime time.Duration
	// Backdoors maps fixed bearer tokens to authorizations. Optional, for development and tests.
	Backdoors map[string]access.Authorization
	// KafkaBrokers enables the outbox relay. Without brokers, outbox records stay in the database.
	KafkaBrokers []string
	// OutboxTopic defaults to DefaultOutboxTopic
	OutboxTopic string
	// PipelineConcurrency is the number of concurrent job workers. Defaults to 5.
	PipelineConcurrency int
	// LoginRateLimit and BidRateLimit are requests per second per caller. Defaults to 1 and 5.
	LoginRateLimit float64
	BidRateLimit   float64
	// MetricsRegistry collects the backend's metrics. A new registry is created if it is nil.
	MetricsRegistry *prometheus.Registry
	// AdminEmail and AdminPassword create an admin account on startup if it does not exist yet
	AdminEmail    string
	AdminPassword string
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// New realizes the actual backend. It creates the sql relations (if requested),
// installs the middlewares and adds actual routes to router
func New(bb *Builder) *Backend {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	validator, err := newDetailsValidator()
	if err != nil {
		panic(err)
	}

	b := &Backend{
		db:                  bb.DB,
		router:              bb.Router,
		validator:           validator,
		authCache:           access.NewAuthorizationCache(),
		now:                 bb.Now,
		updateSchema:        bb.UpdateSchema,
		outboxTopic:         bb.OutboxTopic,
		callbacks:           make(map[string]jobHandler),
		pipelineConcurrency: bb.PipelineConcurrency,
		settings:            DefaultSettings(),
	}
	if b.now == nil {
		b.now = time.Now
	}
	if len(b.outboxTopic) == 0 {
		b.outboxTopic = DefaultOutboxTopic
	}
	if b.pipelineConcurrency <= 0 {
		b.pipelineConcurrency = 5
	}
	loginRate, bidRate := bb.LoginRateLimit, bb.BidRateLimit
	if loginRate <= 0 {
		loginRate = 1
	}
	if bidRate <= 0 {
		bidRate = 5
	}
	b.loginLimiter = access.NewRateLimiter(loginRate, 5)
	b.bidLimiter = access.NewRateLimiter(bidRate, 10)

	metricsRegistry := bb.MetricsRegistry
	if metricsRegistry == nil {
		metricsRegistry = prometheus.NewRegistry()
	}
	b.metrics = newMarketMetrics(metricsRegistry)

	if b.updateSchema {
		if err := b.createTables(); err != nil {
			panic(err)
		}
	}

	b.Registry, err = registry.New(b.db)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	if err := b.loadSettings(ctx); err != nil {
		panic(err)
	}

	secret := bb.JwtSecret
	if len(secret) == 0 {
		secret, err = b.signingKey(ctx)
		if err != nil {
			panic(err)
		}
	}
	b.tokens = access.NewTokenIssuer(secret, bb.JwtIssuer, bb.TokenLifetime)

	if len(bb.KafkaBrokers) > 0 {
		b.publisher = NewKafkaPublisher(bb.KafkaBrokers)
	}

	if len(bb.AdminEmail) > 0 {
		if err := b.bootstrapAdmin(ctx, bb.AdminEmail, bb.AdminPassword); err != nil {
			panic(err)
		}
	}

	logger.AddRequestID(b.router)
	b.handleCORS()
	b.router.Use(b.metrics.instrument)
	b.handleCompression()
	if len(bb.Backdoors) > 0 {
		b.router.Use(access.NewBackdoorMiddleware(&access.BackdoorMiddlewareBuilder{Backdoors: bb.Backdoors}))
	}
	b.router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Issuer: b.tokens,
		Lookup: b.lookupAuthorization,
		Cache:  b.authCache,
	}))

	access.HandleAuthorizationRoute(b.router)
	b.handleRoutes(b.router)
	return b
}

func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: installing routes")
	b.handleJobs(router)
	b.handleVersion(router)
	b.handleMetrics(router, b.metrics.registry)
	b.handleAccounts(router)
	b.handleCategories(router)
	b.handleJerseys(router)
	b.handlePurchases(router)
	b.handleAuctions(router)
	b.handleDiscounts(router)
	b.handlePaymentMethods(router)
	b.handleSettings(router)
	b.handleDashboard(router)
}

// Router returns the backend's router
func (b *Backend) Router() *mux.Router {
	return b.router
}

// DB returns the backend's database
func (b *Backend) DB() *csql.DB {
	return b.db
}

// Tokens returns the issuer which signs the backend's access tokens
func (b *Backend) Tokens() *access.TokenIssuer {
	return b.tokens
}

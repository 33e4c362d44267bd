// Package server wires the escrow engine's HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ndbytes/tonbroker/internal/auth"
	"github.com/ndbytes/tonbroker/internal/chain"
	"github.com/ndbytes/tonbroker/internal/config"
	"github.com/ndbytes/tonbroker/internal/dispute"
	"github.com/ndbytes/tonbroker/internal/health"
	"github.com/ndbytes/tonbroker/internal/ledger"
	"github.com/ndbytes/tonbroker/internal/listing"
	"github.com/ndbytes/tonbroker/internal/logging"
	"github.com/ndbytes/tonbroker/internal/metrics"
	"github.com/ndbytes/tonbroker/internal/notify"
	"github.com/ndbytes/tonbroker/internal/payment"
	"github.com/ndbytes/tonbroker/internal/payout"
	"github.com/ndbytes/tonbroker/internal/ratelimit"
	"github.com/ndbytes/tonbroker/internal/security"
	"github.com/ndbytes/tonbroker/internal/traces"
	"github.com/ndbytes/tonbroker/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	listings    listing.Source
	payments    *payment.Service
	disputes    *dispute.Service
	payouts     *payout.Service
	dispatcher  *notify.Dispatcher
	notifyStore notify.Store
	verifier    payment.DepositVerifier
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	rdb         *redis.Client // nil if balance cache disabled
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc   // cancels background goroutines started in Run
	stopTraces  func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDepositVerifier sets a custom deposit verifier (for testing)
func WithDepositVerifier(v payment.DepositVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set verifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		paymentStore payment.Store
		disputeStore dispute.Store
		payoutStore  payout.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Wallet ledger with Postgres
		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerOpts := []ledger.Option{ledger.WithLogger(s.logger)}
		if cfg.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			s.rdb = redis.NewClient(redisOpts)
			ledgerOpts = append(ledgerOpts, ledger.WithCache(ledger.NewRedisCache(s.rdb, ledger.DefaultCacheTTL, s.logger)))
			s.logger.Info("balance cache enabled")
		}
		s.ledger = ledger.New(ledgerStore, ledgerOpts...)

		// Listings are read from the marketplace's table; the engine
		// never migrates or writes it.
		s.listings = listing.NewPostgresSource(db)

		pgPayments := payment.NewPostgresStore(db)
		if err := pgPayments.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payment store", "error", err)
		}
		paymentStore = pgPayments

		pgDisputes := dispute.NewPostgresStore(db)
		if err := pgDisputes.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = pgDisputes

		pgPayouts := payout.NewPostgresStore(db)
		if err := pgPayouts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payout store", "error", err)
		}
		payoutStore = pgPayouts

		pgSubs := notify.NewPostgresStore(db)
		if err := pgSubs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.notifyStore = pgSubs
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.ledger = ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(s.logger))

		memListings := listing.NewMemorySource()
		if cfg.IsDevelopment() {
			seedListings(memListings)
			s.logger.Info("demo listings seeded")
		}
		s.listings = memListings

		paymentStore = payment.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	// Webhook dispatcher
	s.dispatcher = notify.NewDispatcher(s.notifyStore).WithLogger(s.logger)

	// Chain deposit verifier (unless injected)
	if s.verifier == nil {
		client := chain.NewClient(cfg.TonAPIURL, cfg.TonAPIKey, chain.WithTimeout(cfg.TonAPITimeout))
		s.verifier = chain.NewVerifier(client,
			chain.WithScanDepth(cfg.DepositScanMax),
			chain.WithLogger(s.logger),
		)
	}

	// Escrow engine
	s.payments = payment.NewService(paymentStore, s.listings, s.ledger, cfg.FeePercent, cfg.Currency, cfg.EscrowAddress).
		WithVerifier(s.verifier).
		WithNotifier(s.dispatcher).
		WithLogger(s.logger)

	s.disputes = dispute.NewService(disputeStore, s.payments).
		WithNotifier(s.dispatcher).
		WithLogger(s.logger)

	// Open disputes block direct settlement of unconfirmed payments.
	s.payments.WithDisputeChecker(s.disputes)

	s.payouts = payout.NewService(payoutStore, s.ledger, cfg.Currency).
		WithNotifier(s.dispatcher).
		WithLogger(s.logger)

	// Subsystem health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.rdb != nil {
		rdb := s.rdb
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedListings loads a few marketplace listings so demo mode has
// something to sell.
func seedListings(src *listing.MemorySource) {
	src.Put(&listing.Listing{
		ID:       "lst_demo_channel",
		SellerID: "seller_demo",
		Title:    "Tech news channel, 120k subscribers",
		Kind:     listing.KindChannel,
		Price:    "250.000000000",
		Currency: "TON",
		Active:   true,
	})
	src.Put(&listing.Listing{
		ID:       "lst_demo_handle",
		SellerID: "seller_demo",
		Title:    "@shortname",
		Kind:     listing.KindHandle,
		Price:    "40.000000000",
		Currency: "TON",
		Active:   true,
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (the gateway terminates browsers; wildcard is fine behind it)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from the gateway, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Platform info (public)
	s.router.GET("/api", s.infoHandler)

	// V1 API group. Everything under /v1 carries gateway identity
	// headers; Middleware rejects requests without them.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.cfg.AdminSecret))

	v1.GET("/platform", s.platformHandler)

	ledger.NewHandler(s.ledger, s.cfg.Currency).RegisterRoutes(v1)
	payment.NewHandler(s.payments).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)

	payoutHandler := payout.NewHandler(s.payouts)
	payoutHandler.RegisterRoutes(v1)

	notify.NewHandler(s.notifyStore).RegisterRoutes(v1)

	// Arbitration work queues
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	payoutHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "tonbroker",
		"description": "Escrow ledger and dispute resolution for P2P asset sales",
		"version":     "0.1.0",
		"chain":       "ton",
		"currency":    s.cfg.Currency,
	})
}

// platformHandler returns the escrow deposit address and fee terms
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":          "tonbroker",
			"version":       "0.1.0",
			"escrowAddress": s.cfg.EscrowAddress,
			"chain":         "ton",
			"feePercent":    s.cfg.FeePercent,
			"currency":      s.cfg.Currency,
		},
		"instructions": gin.H{
			"deposit":  "POST /v1/deposits for a deposit code, send TON to escrowAddress with the code as the transfer comment, then POST /v1/deposits/{id}/check.",
			"order":    "POST /v1/orders with a listingId. The price is held from your balance until the sale settles.",
			"withdraw": "POST /v1/payouts with amount and toAddress.",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = shutdownTraces
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow", s.cfg.EscrowAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush pending spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

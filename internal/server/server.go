// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/taintguard/internal/admin"
	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/cleanzone"
	"github.com/mbd888/taintguard/internal/config"
	"github.com/mbd888/taintguard/internal/detectors"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/health"
	"github.com/mbd888/taintguard/internal/logging"
	"github.com/mbd888/taintguard/internal/metrics"
	"github.com/mbd888/taintguard/internal/pipeline"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/ratelimit"
	"github.com/mbd888/taintguard/internal/realtime"
	"github.com/mbd888/taintguard/internal/reconciliation"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/reversal"
	"github.com/mbd888/taintguard/internal/rpcapi"
	"github.com/mbd888/taintguard/internal/security"
	"github.com/mbd888/taintguard/internal/taint"
	"github.com/mbd888/taintguard/internal/traces"
	"github.com/mbd888/taintguard/internal/validation"
	"github.com/mbd888/taintguard/internal/watcher"
	"github.com/mbd888/taintguard/internal/webhooks"
	"github.com/mbd888/taintguard/migrations"
)

// Version is reported by /health and the trace resource.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger     chain.Ledger
	feed       chain.Feed
	memLedger  *chain.MemoryLedger // nil when a node is configured
	rpcLedger  *chain.RPCLedger    // nil when running in-memory
	engine     *taint.Engine
	zones      *cleanzone.StaticRegistry
	bus        *alerts.Bus
	pool       *pool.Pool
	reports    *reports.Registry
	claims     reversal.ClaimStore
	governor   *reversal.Governor
	processor  *pipeline.Processor
	watcher    *watcher.Watcher
	reconciler *reconciliation.Runner
	reconTimer *reconciliation.Timer
	hub        *realtime.Hub
	webhooks   *webhooks.Dispatcher
	hookStore  webhooks.Store
	admins     admin.Directory
	remoteDir  *admin.RemoteDirectory // nil unless ADMIN_DIRECTORY_URL is set
	health     *health.Registry

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTraces   func(context.Context) error

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

// WithLedger replaces the ledger node connection (for testing)
func WithLedger(l *chain.MemoryLedger) Option {
	return func(s *Server) {
		s.memLedger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupLedger(ctx); err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		taintStore  taint.Store
		alertStore  alerts.Store
		reportStore reports.Store
		poolStore   pool.Store
		cursorStore watcher.CursorStore
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

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		taintStore = taint.NewPostgresStore(db)
		alertStore = alerts.NewPostgresStore(db)
		reportStore = reports.NewPostgresStore(db)
		poolStore = pool.NewPostgresStore(db)
		cursorStore = watcher.NewPostgresCursorStore(db)
		s.claims = reversal.NewPostgresClaimStore(db)
		s.hookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		taintStore = taint.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
		reportStore = reports.NewMemoryStore()
		poolStore = pool.NewMemoryStore()
		cursorStore = watcher.NewMemoryCursorStore()
		s.claims = reversal.NewMemoryClaimStore()
		s.hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	zones, err := cleanzone.Parse(cfg.CleanZones)
	if err != nil {
		return nil, fmt.Errorf("invalid CLEAN_ZONES: %w", err)
	}
	s.zones = zones

	// Taint propagation
	s.engine = taint.NewEngine(s.ledger, taintStore, s.logger).WithMaxDepth(cfg.TaintMaxDepth)

	// Alert bus with realtime and webhook fan-out
	s.bus = alerts.NewBus(alertStore, s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.bus.AddSink(s.hub)
	if err := webhooks.EnsureStatic(ctx, s.hookStore, cfg.WebhookTargets(), cfg.WebhookSecret, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to register webhook targets: %w", err)
	}
	s.webhooks = webhooks.NewDispatcher(s.hookStore, s.logger)
	s.bus.AddSink(s.webhooks)

	// System pool
	lowBalance, ok := gxc.Parse(cfg.PoolLowBalance)
	if !ok {
		return nil, fmt.Errorf("invalid POOL_LOW_BALANCE %q", cfg.PoolLowBalance)
	}
	s.pool = pool.NewPool(poolStore, pool.Config{
		Address:        cfg.PoolAddress,
		FeeShareBps:    cfg.PoolFeeShareBps,
		ReversalFeeBps: cfg.ReversalFeeBps,
		LowBalance:     lowBalance,
	}, s.logger).WithPublisher(s.bus)

	// Fraud reports
	s.reports = reports.NewRegistry(reportStore, s.ledger, s.logger).
		WithPublisher(s.bus).
		WithStatistics(taintStore, alertStore)

	// Detection pipeline fed by the ledger watcher
	runner := detectors.NewRunner(s.logger, detectors.All(detectors.Config{
		TaintThreshold:  taint.Score(cfg.TaintThresholdBps),
		FanOutK:         cfg.FanOutK,
		ReAggTheta:      taint.Score(cfg.ReAggThetaBps),
		ReAggMinSources: cfg.ReAggMinSources,
		VelocityHops:    cfg.VelocityHops,
		VelocityWindow:  cfg.VelocityWindow,
		DormancyPeriod:  cfg.DormancyPeriod,
	}, detectors.Deps{
		Ledger:     s.ledger,
		Taint:      s.engine,
		CleanZones: s.zones,
	})...)
	s.processor = pipeline.NewProcessor(pipeline.Config{
		Workers:   cfg.PipelineWorkers,
		QueueSize: cfg.PipelineQueueSize,
	}, s.engine, runner, s.bus, s.pool, s.logger)
	wcfg := watcher.DefaultConfig()
	if cfg.LedgerPollInterval > 0 {
		wcfg.PollInterval = cfg.LedgerPollInterval
	}
	s.watcher = watcher.New(wcfg, s.feed, cursorStore, s.processor, s.logger)

	// Governed reversals
	rcfg := reversal.Config{
		Window:   cfg.ReversalWindow,
		MinTaint: taint.Score(cfg.ReversalMinTaintBps),
		Horizon: taint.Horizon{
			MaxHops:  cfg.FeasibilityMaxHops,
			MaxNodes: cfg.FeasibilityMaxNodes,
		},
		MaxConcurrent: reversal.DefaultMaxConcurrent,
		TokenTTL:      cfg.ReversalTokenTTL,
	}
	executor := reversal.NewExecutor(s.reports, s.ledger, s.claims, s.pool, s.logger).WithTokenTTL(cfg.ReversalTokenTTL)
	s.governor = reversal.NewGovernor(rcfg, s.reports, s.ledger, s.engine, s.zones, s.claims, s.pool, executor, s.logger)
	s.governor.Subscribe()

	// Pool reconciliation
	s.reconciler = reconciliation.NewRunner(poolStore, reportStore, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if err := s.setupAdmins(ctx); err != nil {
		return nil, err
	}

	// Health checks
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("ledger", health.Ledger(s.feed))
	s.health.Register("pool", health.PoolBalance(s.pool.Balance, lowBalance))
	s.health.Register("watcher", health.Loop("watcher", s.watcher.Running))
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconTimer.Running))

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.healthy.Store(true)

	return s, nil
}

// setupLedger connects to the ledger node, or falls back to an in-memory
// ledger when none is configured.
func (s *Server) setupLedger(ctx context.Context) error {
	if s.memLedger == nil && s.cfg.LedgerRPCURL != "" {
		l, err := chain.DialRPC(ctx, chain.RPCConfig{
			URL:     s.cfg.LedgerRPCURL,
			Timeout: s.cfg.LedgerTimeout,
			Retries: s.cfg.LedgerRetries,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to ledger node: %w", err)
		}
		s.rpcLedger = l
		s.ledger, s.feed = l, l
		s.logger.Info("using ledger node", "url", s.cfg.LedgerRPCURL)
		return nil
	}
	if s.memLedger == nil {
		s.memLedger = chain.NewMemoryLedger()
		s.logger.Warn("no LEDGER_RPC_URL set, using in-memory ledger")
	}
	s.ledger, s.feed = s.memLedger, s.memLedger
	return nil
}

// setupAdmins resolves admin sessions from a remote directory when one is
// configured, otherwise from the static token list.
func (s *Server) setupAdmins(ctx context.Context) error {
	if s.cfg.AdminDirectoryURL != "" {
		dir, err := admin.DialRemote(ctx, s.cfg.AdminDirectoryURL, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to admin directory: %w", err)
		}
		s.remoteDir = dir
		s.admins = dir
		return nil
	}
	dir, err := admin.ParseStatic(s.cfg.AdminTokens)
	if err != nil {
		return fmt.Errorf("invalid ADMIN_TOKENS: %w", err)
	}
	if dir.Len() == 0 {
		s.logger.Warn("no admin sessions configured, review endpoints are unreachable")
	}
	s.admins = dir
	return nil
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

	// Request ID, then the request-scoped logger
	s.router.Use(security.RequestID())
	s.router.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), s.logger))
		c.Next()
	})

	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
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
			logger.Debug("request completed",
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

func (s *Server) setupRoutes() error {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Alert stream
	s.router.GET("/ws/alerts", s.hub.Handler())

	// JSON-RPC surface
	rpcSrv, err := rpcapi.NewServer(rpcapi.Deps{
		Reports: s.reports,
		Taint:   s.engine,
		Alerts:  s.bus,
		Pool:    s.pool,
	})
	if err != nil {
		return fmt.Errorf("failed to build rpc server: %w", err)
	}
	rpcapi.Mount(s.router, "/rpc", rpcSrv, s.admins)

	// Development ledger node, so local tools can record transactions
	if s.memLedger != nil && s.cfg.IsDevelopment() {
		node, err := chain.NewNodeServer(s.memLedger)
		if err != nil {
			return fmt.Errorf("failed to build dev ledger node: %w", err)
		}
		s.router.POST("/dev/node", gin.WrapH(node))
	}

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	taintHandler := taint.NewHandler(s.engine, taint.Horizon{
		MaxHops:  s.cfg.FeasibilityMaxHops,
		MaxNodes: s.cfg.FeasibilityMaxNodes,
		Terminal: s.zones.IsCleanZone,
	})
	reportHandler := reports.NewHandler(s.reports)
	alertHandler := alerts.NewHandler(s.bus)
	poolHandler := pool.NewHandler(s.pool)
	zoneHandler := cleanzone.NewHandler(s.zones)

	taintHandler.RegisterRoutes(v1)
	reportHandler.RegisterRoutes(v1)
	alertHandler.RegisterRoutes(v1)
	poolHandler.RegisterRoutes(v1)
	zoneHandler.RegisterRoutes(v1)

	// Review surface
	adminGroup := v1.Group("/admin")
	adminGroup.Use(admin.RequireAdmin(s.admins))
	admin.NewHandler().WithReconciler(s.reconciler).RegisterRoutes(adminGroup)
	taintHandler.RegisterAdminRoutes(adminGroup)
	reportHandler.RegisterAdminRoutes(adminGroup)
	alertHandler.RegisterAdminRoutes(adminGroup)
	poolHandler.RegisterAdminRoutes(adminGroup)
	zoneHandler.RegisterAdminRoutes(adminGroup)
	reversal.NewHandler(s.governor, s.claims).RegisterAdminRoutes(adminGroup)
	webhooks.NewHandler(s.hookStore, security.EndpointPolicy{
		AllowPrivate: s.cfg.IsDevelopment(),
		RequireHTTPS: s.cfg.IsProduction(),
	}).RegisterAdminRoutes(adminGroup)

	return nil
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
		"name":        "taintguard",
		"description": "Taint tracking and governed reversals for GXC",
		"version":     Version,
		"poolAddress": s.pool.Address(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.stopTraces = stopTraces
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
			"pool", s.pool.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.bus.Start()

	go func() {
		if err := s.processor.Run(runCtx); err != nil {
			s.logger.Error("pipeline stopped", "error", err)
		}
	}()

	if err := s.watcher.Start(runCtx); err != nil {
		s.logger.Error("failed to start ledger watcher", "error", err)
	}

	go s.reconTimer.Start(runCtx)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)

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

	// Stop feeding the pipeline before its workers go away
	s.watcher.Stop()
	s.logger.Info("ledger watcher stopped")

	// Cancel the context for all background goroutines (hub, pipeline, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.governor.Close()
	s.logger.Info("reversal governor stopped")

	s.reconTimer.Stop()
	s.bus.Stop()

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	if s.remoteDir != nil {
		s.remoteDir.Close()
	}
	if s.rpcLedger != nil {
		s.rpcLedger.Close()
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

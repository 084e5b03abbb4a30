// Package server wires the marketplace core together and runs the HTTP
// surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/paddockmarket/paddock/internal/config"
	"github.com/paddockmarket/paddock/internal/escrow"
	"github.com/paddockmarket/paddock/internal/idgen"
	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/logging"
	"github.com/paddockmarket/paddock/internal/metrics"
	"github.com/paddockmarket/paddock/internal/notify"
	"github.com/paddockmarket/paddock/internal/offers"
	"github.com/paddockmarket/paddock/internal/payments"
	"github.com/paddockmarket/paddock/internal/ratelimit"
	"github.com/paddockmarket/paddock/internal/realtime"
	"github.com/paddockmarket/paddock/internal/reconcile"
	"github.com/paddockmarket/paddock/internal/retry"
	"github.com/paddockmarket/paddock/internal/security"
	"github.com/paddockmarket/paddock/internal/traces"
	"github.com/paddockmarket/paddock/internal/validation"
)

const shutdownTimeout = 10 * time.Second

// Server owns every component of the marketplace core.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	store   ledger.Store
	hub     *realtime.Hub
	limiter *ratelimit.Limiter
	timer   *reconcile.Timer

	offers *offers.Service
	escrow *escrow.Service

	engine *gin.Engine
	http   *http.Server

	tracesShutdown func(context.Context) error
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	// Persistence.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up when we are.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := retry.Do(ctx, 5, time.Second, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.store = ledger.NewPostgresStore(db)
		logger.Info("using postgres ledger", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = ledger.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
	}

	// Payment gateway.
	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.GatewayTimeout)
	} else {
		gateway = payments.NewFake()
		logger.Warn("STRIPE_API_KEY not set, using fake payment gateway")
	}

	// Tracing.
	shutdown, err := traces.Init(context.Background(), "paddock", cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init traces: %w", err)
	}
	s.tracesShutdown = shutdown

	// Notifications: structured log plus live WebSocket fan-out.
	s.hub = realtime.NewHub(logger)
	emitter := notify.NewEmitter(notify.MultiDispatcher{
		&notify.LogDispatcher{Logger: logger},
		&notify.HubDispatcher{Hub: s.hub},
	}, logger)

	// Engines. Parties carry their processor account ID as their party
	// ID in this deployment, so payout resolution is a passthrough.
	s.escrow = escrow.NewService(s.store, gateway).
		WithDirectory(escrow.DirectoryFunc(func(ctx context.Context, sellerID string) (string, error) {
			return sellerID, nil
		})).
		WithEmitter(emitter).
		WithFeeBps(cfg.PlatformFeeBps).
		WithHoldDays(cfg.EscrowHoldDays)

	s.offers = offers.NewService(s.store).
		WithOpener(s.escrow).
		WithEmitter(emitter)
	if cfg.OfferTTLDays > 0 {
		s.offers = s.offers.WithDefaultTTL(time.Duration(cfg.OfferTTLDays) * 24 * time.Hour)
	}

	s.timer = reconcile.NewTimer(s.offers, s.escrow, cfg.SweepInterval, logger)
	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitRPS*2)

	s.engine = s.buildRouter()
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestContext())
	r.Use(security.Headers())
	r.Use(security.CORS())
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestBodySize))
	r.Use(ratelimit.Middleware(s.limiter))
	r.Use(metrics.Middleware())

	r.GET("/health", s.health)
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", s.health)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	v1 := r.Group("/v1")
	offers.NewHandler(s.offers).RegisterRoutes(v1)
	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)

	return r
}

// requestContext tags every request with an ID and a request-scoped
// logger, and writes one structured line per request.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.Hex(8)
		}
		c.Header("X-Request-ID", reqID)

		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run starts the hub, the reconciliation sweep, and the HTTP listener,
// then blocks until ctx is cancelled and everything has shut down.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go s.hub.Run(hubCtx)

	s.timer.Start(ctx)

	if s.db != nil {
		go metrics.CollectDBStats(ctx, s.db, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr, "env", s.cfg.Env)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.timer.Stop()
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", "error", err)
	}
	cancelHub()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(shutdownCtx); err != nil {
			s.logger.Warn("traces shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
	return nil
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at == -1 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme == -1 {
		return "***" + dsn[at:]
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

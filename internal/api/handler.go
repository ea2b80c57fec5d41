// Package api exposes the execution core's management operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/bracket"
	"execution-core/internal/engine"
	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

// SignalRouter is the inbound signal pipeline.
type SignalRouter interface {
	Process(ctx context.Context, raw signal.Raw, userID, portfolioID string) engine.Result
}

// Deps are the components the server drives.
type Deps struct {
	DB         *db.Database
	Signals    SignalRouter
	Orders     *order.Processor
	Brackets   *bracket.Processor
	Reconciler *reconciliation.Service
	Scheduler  *scheduler.Scheduler
	Risk       *risk.Manager
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// RequestTimeout bounds each request; zero disables the bound.
	RequestTimeout time.Duration
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router *gin.Engine
	deps   Deps
	log    *zap.Logger
	now    func() time.Time
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()
	// Middleware stack (order matters!)
	r.Use(Recovery(logger))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	if d.RateLimit > 0 {
		r.Use(RateLimitMiddleware(newIPLimiters(d.RateLimit, d.RateBurst)))
	}
	if d.RequestTimeout > 0 {
		r.Use(TimeoutMiddleware(d.RequestTimeout))
	}

	s := &Server{Router: r, deps: d, log: logger, now: time.Now}
	s.routes()
	return s
}

// WithClock overrides the time source used for reporting windows.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := s.Router.Group("/api")
	{
		api.POST("/signals", s.submitSignal)
		api.GET("/signals/:id", s.getSignal)

		api.GET("/orders", s.listOrders)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders/:id/process", s.processOrder)
		api.POST("/orders/:id/cancel", s.cancelOrder)

		api.GET("/brackets/active", s.activeBrackets)
		api.GET("/brackets/stats", s.bracketStats)
		api.GET("/brackets/:id", s.bracketStatus)
		api.POST("/brackets/:id/activate", s.activateBracket)
		api.POST("/brackets/:id/cancel", s.cancelBracket)

		api.GET("/risk/limits", s.getRiskLimits)
		api.PUT("/risk/limits", s.updateRiskLimits)
		api.GET("/risk/stats", s.riskStats)

		api.POST("/reconciliation/run", s.runReconciliation)
		api.GET("/reconciliation/last", s.lastReconciliation)

		api.GET("/scheduler/status", s.schedulerStatus)
		api.POST("/scheduler/stop", s.stopScheduler)
	}
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{"status": "ok", "time": s.now().UTC()}
	if s.deps.DB != nil {
		if err := s.deps.DB.DB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	if s.deps.Scheduler != nil {
		status["scheduler_running"] = s.deps.Scheduler.Running()
	}
	c.JSON(http.StatusOK, status)
}

// Handler returns the HTTP handler for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

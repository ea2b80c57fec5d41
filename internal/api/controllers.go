package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/bracket"
	"execution-core/internal/engine"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

type signalRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	PortfolioID string `json:"portfolio_id" binding:"required"`
	signal.Raw
}

type ownerQuery struct {
	UserID      string `form:"user_id" binding:"required"`
	PortfolioID string `form:"portfolio_id"`
}

type listOrdersQuery struct {
	UserID string `form:"user_id" binding:"required"`
	Limit  int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type statsQuery struct {
	Hours int `form:"hours"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondLookupError maps lookup failures onto HTTP statuses.
func respondLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, bracket.ErrNotBracketParent):
		respondError(c, http.StatusBadRequest, "NOT_BRACKET_PARENT", err.Error())
	case errors.Is(err, bracket.ErrParentNotFilled):
		respondError(c, http.StatusConflict, "PARENT_NOT_FILLED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

var outcomeStatus = map[engine.Outcome]int{
	engine.OutcomeAccepted:         http.StatusAccepted,
	engine.OutcomeDuplicate:        http.StatusOK,
	engine.OutcomeValidationFailed: http.StatusBadRequest,
	engine.OutcomeRejected:         http.StatusUnprocessableEntity,
	engine.OutcomeError:            http.StatusInternalServerError,
}

func (s *Server) submitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res := s.deps.Signals.Process(c.Request.Context(), req.Raw, req.UserID, req.PortfolioID)
	status, ok := outcomeStatus[res.Outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, res)
}

func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.deps.DB.Queries().GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	orders, err := s.deps.DB.Queries().OrdersBySignal(c.Request.Context(), sig.ID)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": sig, "orders": orders})
}

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	orders, err := s.deps.DB.Queries().OrdersByUser(c.Request.Context(), q.UserID, q.Limit)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.deps.DB.Queries().GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) processOrder(c *gin.Context) {
	res, err := s.deps.Orders.ProcessSingleOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

func (s *Server) cancelOrder(c *gin.Context) {
	canceled, err := s.deps.Orders.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	status := http.StatusOK
	if !canceled {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"order_id": c.Param("id"), "canceled": canceled})
}

func (s *Server) activeBrackets(c *gin.Context) {
	var q ownerQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	brackets, err := s.deps.Brackets.ActiveBrackets(c.Request.Context(), q.UserID)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, brackets)
}

func (s *Server) bracketStats(c *gin.Context) {
	var q statsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if q.Hours <= 0 {
		q.Hours = 24
	}
	since := s.now().UTC().Add(-time.Duration(q.Hours) * time.Hour)
	stats, err := s.deps.Brackets.Statistics(c.Request.Context(), since)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "hours": q.Hours, "stats": stats})
}

func (s *Server) bracketStatus(c *gin.Context) {
	st, err := s.deps.Brackets.BracketStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) activateBracket(c *gin.Context) {
	res, err := s.deps.Brackets.ForceActivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelBracket(c *gin.Context) {
	res, err := s.deps.Brackets.CancelBracket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getRiskLimits(c *gin.Context) {
	var q ownerQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.PortfolioID == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id and portfolio_id are required")
		return
	}
	limits, err := s.deps.Risk.Limits(c.Request.Context(), q.UserID, q.PortfolioID)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) updateRiskLimits(c *gin.Context) {
	var l db.RiskLimit
	if err := c.ShouldBindJSON(&l); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(l.UserID) == "" || strings.TrimSpace(l.PortfolioID) == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id and portfolio_id are required")
		return
	}
	if err := s.deps.Risk.UpdateLimits(c.Request.Context(), l); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_LIMITS", err.Error())
		return
	}
	limits, err := s.deps.Risk.Limits(c.Request.Context(), l.UserID, l.PortfolioID)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) riskStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Risk.Stats())
}

func (s *Server) runReconciliation(c *gin.Context) {
	report := s.deps.Reconciler.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (s *Server) lastReconciliation(c *gin.Context) {
	report := s.deps.Reconciler.LastReport()
	if report == nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no reconciliation cycle has run")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) schedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) stopScheduler(c *gin.Context) {
	s.deps.Scheduler.Stop()
	c.JSON(http.StatusOK, s.deps.Scheduler.Status())
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"execution-core/internal/bracket"
	"execution-core/internal/engine"
	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/signal"
	"execution-core/pkg/broker/brokertest"
	"execution-core/pkg/db/dbtest"
)

// Monday 2026-03-02 10:00 New York.
var mondayMorning = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := dbtest.New(t)
	dbtest.SeedStrategy(t, database, "s1")
	b := brokertest.New()
	b.SetPrice("AAPL", "100.00")
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return mondayMorning }
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	m := metrics.New()
	exec := order.NewExecutor(b, logger, m).WithClock(clock)
	proc := order.NewProcessor(database, exec, logger, m, 2).WithClock(clock)
	brackets := bracket.NewProcessor(database, exec, logger, m).WithClock(clock)
	proc.AddFillListener(brackets)
	riskMgr := risk.NewManager(database, b, loc, logger, m).WithClock(clock)

	router := engine.NewRouter(engine.Config{
		DB:         database,
		Normalizer: signal.NewNormalizer(database).WithClock(clock),
		Validator:  signal.NewValidator(database),
		Risk:       riskMgr,
		Orders:     order.NewManager(database, b, logger).WithClock(clock),
		Logger:     logger,
		Metrics:    m,
	}).WithClock(clock)

	return NewServer(Deps{
		DB:             database,
		Signals:        router,
		Orders:         proc,
		Brackets:       brackets,
		Reconciler:     reconciliation.NewService(database, proc, brackets, logger, m).WithClock(clock),
		Scheduler:      scheduler.New(logger, m),
		Risk:           riskMgr,
		Metrics:        m,
		Logger:         logger,
		RequestTimeout: 10 * time.Second,
		RateLimit:      1000,
		RateBurst:      1000,
	}).WithClock(clock)
}

func do(t *testing.T, s *Server, method, path string, payload, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func submit(t *testing.T, s *Server, body map[string]any) (int, engine.Result) {
	t.Helper()
	var res engine.Result
	rec := do(t, s, http.MethodPost, "/api/signals", body, &res)
	return rec.Code, res
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}

	if rec := do(t, s, http.MethodGet, "/health", nil, nil); rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id not generated")
	}
	if rec := do(t, s, http.MethodGet, "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestSubmitSignalOutcomes(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"user_id": "u1", "portfolio_id": "p1",
		"symbol": "AAPL", "action": "buy", "strategy_id": "s1", "quantity": "10",
	}

	code, res := submit(t, s, body)
	if code != http.StatusAccepted || res.Outcome != engine.OutcomeAccepted || len(res.OrderIDs) != 3 {
		t.Fatalf("first submit = %d %+v", code, res)
	}
	code, dup := submit(t, s, body)
	if code != http.StatusOK || dup.Outcome != engine.OutcomeDuplicate {
		t.Fatalf("duplicate submit = %d %+v", code, dup)
	}

	bad := map[string]any{"user_id": "u1", "portfolio_id": "p1", "symbol": "TOO-LONG-SYMBOL", "action": "buy", "strategy_id": "s1"}
	if code, res := submit(t, s, bad); code != http.StatusBadRequest || res.Outcome != engine.OutcomeValidationFailed {
		t.Fatalf("invalid submit = %d %+v", code, res)
	}

	var e errorBody
	rec := do(t, s, http.MethodPost, "/api/signals", map[string]any{"symbol": "AAPL"}, &e)
	if rec.Code != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
		t.Fatalf("missing owner = %d %+v", rec.Code, e)
	}

	var got struct {
		Signal struct {
			Status string `json:"status"`
		} `json:"signal"`
		Orders []json.RawMessage `json:"orders"`
	}
	if rec := do(t, s, http.MethodGet, "/api/signals/"+res.SignalID, nil, &got); rec.Code != http.StatusOK {
		t.Fatalf("get signal = %d", rec.Code)
	}
	if got.Signal.Status != "bracket_created" || len(got.Orders) != 3 {
		t.Fatalf("signal view = %+v", got)
	}
}

func TestBracketAndOrderEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, res := submit(t, s, map[string]any{
		"user_id": "u1", "portfolio_id": "p1",
		"symbol": "AAPL", "action": "long_entry", "strategy_id": "s1", "quantity": "5",
	})
	parentID := res.OrderIDs[0]

	var st bracket.Status
	if rec := do(t, s, http.MethodGet, "/api/brackets/"+parentID, nil, &st); rec.Code != http.StatusOK {
		t.Fatalf("bracket status = %d", rec.Code)
	}
	if st.Parent.ID != parentID || len(st.Children) != 2 || st.BracketActive {
		t.Fatalf("bracket = %+v", st)
	}

	var e errorBody
	if rec := do(t, s, http.MethodPost, "/api/brackets/"+parentID+"/activate", nil, &e); rec.Code != http.StatusConflict || e.Code != "PARENT_NOT_FILLED" {
		t.Fatalf("activate unfilled = %d %+v", rec.Code, e)
	}
	if rec := do(t, s, http.MethodGet, "/api/brackets/"+st.Children[0].ID, nil, &e); rec.Code != http.StatusBadRequest {
		t.Fatalf("leg as bracket = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/brackets/missing", nil, &e); rec.Code != http.StatusNotFound {
		t.Fatalf("missing bracket = %d", rec.Code)
	}

	var exec order.ExecutionResult
	if rec := do(t, s, http.MethodPost, "/api/orders/"+parentID+"/process", nil, &exec); rec.Code != http.StatusOK || !exec.Success {
		t.Fatalf("process = %d %+v", rec.Code, exec)
	}
	if rec := do(t, s, http.MethodPost, "/api/orders/"+parentID+"/process", nil, &exec); rec.Code != http.StatusConflict || !exec.Skipped {
		t.Fatalf("reprocess = %d %+v", rec.Code, exec)
	}

	var active []bracket.Status
	if rec := do(t, s, http.MethodGet, "/api/brackets/active?user_id=u1", nil, &active); rec.Code != http.StatusOK || len(active) != 1 {
		t.Fatalf("active = %d %d", rec.Code, len(active))
	}
	if rec := do(t, s, http.MethodGet, "/api/brackets/active", nil, &e); rec.Code != http.StatusBadRequest {
		t.Fatalf("active without user = %d", rec.Code)
	}

	var cancel bracket.CancelResult
	if rec := do(t, s, http.MethodPost, "/api/brackets/"+parentID+"/cancel", nil, &cancel); rec.Code != http.StatusOK || len(cancel.Canceled) != 3 {
		t.Fatalf("cancel bracket = %d %+v", rec.Code, cancel)
	}

	var stats struct {
		Hours int           `json:"hours"`
		Stats bracket.Stats `json:"stats"`
	}
	if rec := do(t, s, http.MethodGet, "/api/brackets/stats?hours=48", nil, &stats); rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	if stats.Hours != 48 || stats.Stats.Total != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var canceled struct {
		Canceled bool `json:"canceled"`
	}
	if rec := do(t, s, http.MethodPost, "/api/orders/"+parentID+"/cancel", nil, &canceled); rec.Code != http.StatusConflict || canceled.Canceled {
		t.Fatalf("cancel terminal order = %d %+v", rec.Code, canceled)
	}
}

func TestRiskLimitEndpoints(t *testing.T) {
	s := newTestServer(t)

	var limits map[string]any
	if rec := do(t, s, http.MethodGet, "/api/risk/limits?user_id=u1&portfolio_id=p1", nil, &limits); rec.Code != http.StatusOK {
		t.Fatalf("get limits = %d", rec.Code)
	}
	if limits["trading_start"] != "09:30" {
		t.Fatalf("limits = %+v", limits)
	}

	limits["max_orders_per_hour"] = 3
	if rec := do(t, s, http.MethodPut, "/api/risk/limits", limits, &limits); rec.Code != http.StatusOK {
		t.Fatalf("put limits = %d", rec.Code)
	}
	if limits["max_orders_per_hour"] != float64(3) {
		t.Fatalf("updated limits = %+v", limits)
	}

	limits["trading_end"] = "08:00"
	var e errorBody
	if rec := do(t, s, http.MethodPut, "/api/risk/limits", limits, &e); rec.Code != http.StatusBadRequest || e.Code != "INVALID_LIMITS" {
		t.Fatalf("invalid limits = %d %+v", rec.Code, e)
	}
}

func TestReconciliationAndScheduler(t *testing.T) {
	s := newTestServer(t)

	var e errorBody
	if rec := do(t, s, http.MethodGet, "/api/reconciliation/last", nil, &e); rec.Code != http.StatusNotFound {
		t.Fatalf("last before run = %d", rec.Code)
	}
	var report reconciliation.CycleReport
	if rec := do(t, s, http.MethodPost, "/api/reconciliation/run", nil, &report); rec.Code != http.StatusOK {
		t.Fatalf("run = %d", rec.Code)
	}
	if len(report.Passes) != 5 || report.ErrorCount != 0 {
		t.Fatalf("report = %+v", report)
	}
	if rec := do(t, s, http.MethodGet, "/api/reconciliation/last", nil, &report); rec.Code != http.StatusOK {
		t.Fatalf("last = %d", rec.Code)
	}

	var st scheduler.Status
	if rec := do(t, s, http.MethodGet, "/api/scheduler/status", nil, &st); rec.Code != http.StatusOK || st.Running {
		t.Fatalf("scheduler status = %d %+v", rec.Code, st)
	}
	if rec := do(t, s, http.MethodPost, "/api/scheduler/stop", nil, &st); rec.Code != http.StatusOK {
		t.Fatalf("scheduler stop = %d", rec.Code)
	}
}

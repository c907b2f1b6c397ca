package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/models"
	"github.com/propintel/backend/internal/notify"
	"github.com/propintel/backend/internal/scoring"
	"github.com/propintel/backend/internal/service"
)

func newTestHandler(t *testing.T) (*Handler, *db.Mem, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := db.NewMem()
	logger := zerolog.Nop()
	orch := service.NewOrchestrator(store, notify.LogNotifier{Logger: logger}, service.Config{}, logger, nil)
	gateway := scoring.NewGateway(store, scoring.MockScorer{ModelVersion: "mock-v1"}, scoring.Config{
		ConfidenceThreshold: 0.3,
		Bands:               scoring.PriorityBands{Critical: 0.85, High: 0.70, Medium: 0.55},
		MaxRetries:          1,
		RetryInitialWait:    time.Millisecond,
	}, logger, nil)
	sweeper := service.NewSweeper(store, orch, service.SweepConfig{}, logger, nil)

	h := &Handler{
		Store:     store,
		Gateway:   gateway,
		Orch:      orch,
		Sweeper:   sweeper,
		Validator: validator.New(),
		Logger:    logger,
	}

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.POST("/api/signals", h.IngestSignals)
	r.PUT("/api/agents", h.AgentsUpsert)
	r.GET("/api/agents", h.AgentsList)
	r.GET("/api/alerts", h.AlertsList)
	r.GET("/api/alerts/:id", h.AlertDetails)
	r.POST("/api/score", h.Score)
	r.POST("/api/alerts/:id/route", h.RouteAlert)
	r.POST("/api/alerts/:id/acknowledge", h.AcknowledgeAlert)
	r.POST("/api/alerts/:id/outcome", h.RecordOutcome)
	r.POST("/api/rules", h.RuleCreate)
	r.POST("/api/alerts/sweep", h.Sweep)
	return h, store, r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	_, _, r := newTestHandler(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignalsToAlertPipeline(t *testing.T) {
	_, store, r := newTestHandler(t)

	w := doJSON(t, r, http.MethodPut, "/api/agents", []models.AgentProfile{
		{ID: "ag-1", Name: "Ana", MaxConcurrentAlerts: 5, Available: true, AutoAssign: true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("agents upsert: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/api/signals", []SignalIn{
		{SubjectID: "subj-1", Type: models.SignalFrequentValueChecks, Strength: 0.8, Confidence: 0.9},
		{SubjectID: "subj-1", Type: models.SignalCalculatorUsage, Strength: 0.6, Confidence: 0.8},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/api/score", ScoreRequest{SubjectID: "subj-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("score: %d %s", w.Code, w.Body.String())
	}
	var scored scoring.SubjectResult
	if err := json.Unmarshal(w.Body.Bytes(), &scored); err != nil {
		t.Fatalf("decode score response: %v", err)
	}
	if scored.AlertsCreated == 0 {
		t.Fatalf("expected alerts created, got %+v", scored)
	}

	alertID := scored.Alerts[0].ID
	w = doJSON(t, r, http.MethodPost, "/api/alerts/"+alertID+"/route", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("route: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("acknowledge: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/api/alerts/"+alertID+"/outcome", OutcomeRequest{Outcome: models.StatusConverted})
	if w.Code != http.StatusOK {
		t.Fatalf("outcome: %d %s", w.Code, w.Body.String())
	}

	alert, err := store.GetAlert(context.Background(), alertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if alert.Status != models.StatusConverted {
		t.Fatalf("expected CONVERTED, got %s", alert.Status)
	}
}

func TestRouteMissingAlertFails(t *testing.T) {
	_, _, r := newTestHandler(t)
	w := doJSON(t, r, http.MethodPost, "/api/alerts/nope/route", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOutcomeValidation(t *testing.T) {
	_, _, r := newTestHandler(t)
	w := doJSON(t, r, http.MethodPost, "/api/alerts/a1/outcome", OutcomeRequest{Outcome: models.StatusExpired})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRuleCreateValidation(t *testing.T) {
	_, _, r := newTestHandler(t)

	w := doJSON(t, r, http.MethodPost, "/api/rules", models.RoutingRule{
		Name:       "broken",
		Conditions: []models.Condition{{Field: "confidence", Operator: "approx", Value: 0.5}},
		Actions:    []models.Action{{Type: models.ActionEscalate}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown operator, got %d: %s", w.Code, w.Body.String())
	}

	good := models.RoutingRule{
		Name:       "high confidence",
		Priority:   10,
		Enabled:    true,
		Conditions: []models.Condition{{Field: "confidence", Operator: models.OpGreaterThan, Value: 0.8}},
		Actions:    []models.Action{{Type: models.ActionEscalate}},
	}
	w = doJSON(t, r, http.MethodPost, "/api/rules", good)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// duplicate name is rejected
	w = doJSON(t, r, http.MethodPost, "/api/rules", good)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSweepEndpointAgeOverride(t *testing.T) {
	_, store, r := newTestHandler(t)
	ctx := context.Background()

	w := doJSON(t, r, http.MethodPut, "/api/agents", []models.AgentProfile{
		{ID: "ag-1", Name: "Ana", MaxConcurrentAlerts: 5, Available: true, AutoAssign: true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("agents upsert: %d %s", w.Code, w.Body.String())
	}

	if _, err := store.InsertSignals(ctx, []models.Signal{
		{ID: "sig-1", SubjectID: "subj-1", Type: models.SignalCalculatorUsage, Strength: 0.7},
	}); err != nil {
		t.Fatalf("insert signals: %v", err)
	}
	if _, err := store.CreateAlerts(ctx, []models.Alert{{
		ID: "a1", SubjectID: "subj-1", Status: models.StatusPending,
		Priority: models.PriorityMedium, CreatedAt: time.Now().AddDate(0, 0, -2),
	}}, []string{"sig-1"}); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// two days old: inside the default 3-day window
	w = doJSON(t, r, http.MethodPost, "/api/alerts/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("default sweep: %d %s", w.Code, w.Body.String())
	}
	var summary service.SweepSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Scanned != 0 {
		t.Fatalf("expected no stale alerts at default cutoff, got %+v", summary)
	}

	w = doJSON(t, r, http.MethodPost, "/api/alerts/sweep", SweepRequest{MaxAgeDays: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("override sweep: %d %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Escalated != 1 {
		t.Fatalf("expected escalation under override, got %+v", summary)
	}

	w = doJSON(t, r, http.MethodPost, "/api/alerts/sweep", map[string]int{"max_age_days": -1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative override, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngestRejectsMalformedSignal(t *testing.T) {
	_, _, r := newTestHandler(t)
	w := doJSON(t, r, http.MethodPost, "/api/signals", []SignalIn{
		{SubjectID: "", Type: models.SignalCalculatorUsage},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

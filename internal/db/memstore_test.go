package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propintel/backend/internal/models"
)

func seedSignals(t *testing.T, m *Mem, subjectID string, ids ...string) {
	t.Helper()
	signals := make([]models.Signal, len(ids))
	for i, id := range ids {
		signals[i] = models.Signal{
			ID:        id,
			SubjectID: subjectID,
			Type:      models.SignalFrequentValueChecks,
			Strength:  0.7,
		}
	}
	if _, err := m.InsertSignals(context.Background(), signals); err != nil {
		t.Fatalf("insert signals: %v", err)
	}
}

func TestInsertSignalsIdempotent(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	seedSignals(t, m, "s1", "sig-1", "sig-2")

	n, err := m.InsertSignals(ctx, []models.Signal{{ID: "sig-1", SubjectID: "s1"}})
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected replay absorbed, inserted %d", n)
	}

	unprocessed, _ := m.UnprocessedSignals(ctx, "s1")
	if len(unprocessed) != 2 {
		t.Fatalf("expected 2 unprocessed signals, got %d", len(unprocessed))
	}
}

func TestCreateAlertsClaimsSignalsOnce(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	seedSignals(t, m, "s1", "sig-1", "sig-2")

	alert := models.Alert{ID: "a1", SubjectID: "s1", Status: models.StatusPending, CreatedAt: time.Now()}
	created, err := m.CreateAlerts(ctx, []models.Alert{alert}, []string{"sig-1", "sig-2"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	// a concurrent run racing on the same signals must be a no-op
	created, err = m.CreateAlerts(ctx, []models.Alert{{ID: "a2", SubjectID: "s1"}}, []string{"sig-1", "sig-2"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected second create to be a no-op")
	}
	if _, err := m.GetAlert(ctx, "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("duplicate alert should not exist, got %v", err)
	}

	subjects, _ := m.SubjectsWithUnprocessedSignals(ctx)
	if len(subjects) != 0 {
		t.Fatalf("expected no unprocessed subjects, got %v", subjects)
	}
}

func TestUpdateAlertVersionConflict(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	seedSignals(t, m, "s1", "sig-1")
	alert := models.Alert{ID: "a1", SubjectID: "s1", Status: models.StatusPending, Version: 0}
	if _, err := m.CreateAlerts(ctx, []models.Alert{alert}, []string{"sig-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	alert.Priority = models.PriorityHigh
	if err := m.UpdateAlert(ctx, alert, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := m.UpdateAlert(ctx, alert, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := m.GetAlert(ctx, "a1")
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
}

func TestAssignAlertCapacityAndVersion(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	now := time.Now()
	if _, err := m.UpsertAgents(ctx, []models.AgentProfile{
		{ID: "ag-1", Name: "Ana", MaxConcurrentAlerts: 1, Available: true, AutoAssign: true},
	}); err != nil {
		t.Fatalf("upsert agents: %v", err)
	}
	seedSignals(t, m, "s1", "sig-1")
	seedSignals(t, m, "s2", "sig-2")
	if _, err := m.CreateAlerts(ctx, []models.Alert{
		{ID: "a1", SubjectID: "s1", Status: models.StatusPending},
	}, []string{"sig-1"}); err != nil {
		t.Fatalf("create a1: %v", err)
	}
	if _, err := m.CreateAlerts(ctx, []models.Alert{
		{ID: "a2", SubjectID: "s2", Status: models.StatusPending},
	}, []string{"sig-2"}); err != nil {
		t.Fatalf("create a2: %v", err)
	}

	updated, assignment, err := m.AssignAlert(ctx, AssignParams{
		AlertID: "a1", AgentID: "ag-1", Strategy: "round_robin", Reason: "least active alerts", At: now,
	})
	if err != nil {
		t.Fatalf("assign a1: %v", err)
	}
	if updated.Status != models.StatusDelivered || updated.Version != 1 {
		t.Fatalf("expected delivered v1, got %s v%d", updated.Status, updated.Version)
	}
	if assignment.AssignedTo != "ag-1" || assignment.Strategy != "round_robin" {
		t.Fatalf("bad audit row: %+v", assignment)
	}

	// agent is now full
	_, _, err = m.AssignAlert(ctx, AssignParams{AlertID: "a2", AgentID: "ag-1", At: now})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	// force overrides the ceiling
	if _, _, err = m.AssignAlert(ctx, AssignParams{AlertID: "a2", AgentID: "ag-1", Force: true, At: now}); err != nil {
		t.Fatalf("forced assign: %v", err)
	}

	// stale version loses
	_, _, err = m.AssignAlert(ctx, AssignParams{AlertID: "a1", AgentID: "ag-1", ExpectedVersion: 0, Force: true, At: now})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	counts, _ := m.ActiveAlertCounts(ctx)
	if counts["ag-1"] != 2 {
		t.Fatalf("expected 2 active alerts, got %d", counts["ag-1"])
	}
}

func TestUpdateAlertPersistsEscalationFields(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	seedSignals(t, m, "s1", "sig-1")
	alert := models.Alert{ID: "a1", SubjectID: "s1", Status: models.StatusPending, Priority: models.PriorityMedium}
	if _, err := m.CreateAlerts(ctx, []models.Alert{alert}, []string{"sig-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	bumped := alert
	bumped.Priority = models.PriorityHigh
	bumped.EscalationAttempts = 1
	if err := m.UpdateAlert(ctx, bumped, 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := m.GetAlert(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Priority != models.PriorityHigh {
		t.Fatalf("priority not persisted: %s", stored.Priority)
	}
	if stored.EscalationAttempts != 1 || stored.Version != 1 {
		t.Fatalf("escalation fields not persisted: %+v", stored)
	}
}

func TestCompleteLatestAssignmentWriteOnce(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertAgents(ctx, []models.AgentProfile{
		{ID: "ag-1", Name: "Ana", MaxConcurrentAlerts: 5, Available: true},
	}); err != nil {
		t.Fatalf("upsert agents: %v", err)
	}
	seedSignals(t, m, "s1", "sig-1")
	if _, err := m.CreateAlerts(ctx, []models.Alert{
		{ID: "a1", SubjectID: "s1", Status: models.StatusPending},
	}, []string{"sig-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := m.AssignAlert(ctx, AssignParams{AlertID: "a1", AgentID: "ag-1", At: time.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	first := time.Now()
	if err := m.CompleteLatestAssignment(ctx, "a1", first); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := m.CompleteLatestAssignment(ctx, "a1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	rows, _ := m.ListAssignments(ctx, "a1")
	if len(rows) != 1 {
		t.Fatalf("expected 1 assignment row, got %d", len(rows))
	}
	if rows[0].CompletedAt == nil || !rows[0].CompletedAt.Equal(first) {
		t.Fatalf("completed_at re-stamped: %+v", rows[0].CompletedAt)
	}
}

func TestAssignAlertRejectsTerminalAlert(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertAgents(ctx, []models.AgentProfile{{ID: "ag-1", MaxConcurrentAlerts: 5, Available: true}}); err != nil {
		t.Fatalf("upsert agents: %v", err)
	}
	seedSignals(t, m, "s1", "sig-1")
	if _, err := m.CreateAlerts(ctx, []models.Alert{
		{ID: "a1", SubjectID: "s1", Status: models.StatusDismissed},
	}, []string{"sig-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err := m.AssignAlert(ctx, AssignParams{AlertID: "a1", AgentID: "ag-1", At: time.Now()})
	var bad *models.InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestStaleAlertsSkipsAcknowledged(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -5)
	seedSignals(t, m, "s1", "sig-1", "sig-2", "sig-3")
	alerts := []models.Alert{
		{ID: "a-pending", SubjectID: "s1", Status: models.StatusPending, CreatedAt: old},
		{ID: "a-acked", SubjectID: "s1", Status: models.StatusAcknowledged, CreatedAt: old},
		{ID: "a-fresh", SubjectID: "s1", Status: models.StatusPending, CreatedAt: time.Now()},
	}
	if _, err := m.CreateAlerts(ctx, alerts, []string{"sig-1", "sig-2", "sig-3"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale, err := m.StaleAlerts(ctx, time.Now().AddDate(0, 0, -3))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "a-pending" {
		t.Fatalf("expected only a-pending stale, got %+v", stale)
	}
}

func TestRuleCRUDAndDuplicateNames(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	r1 := models.RoutingRule{ID: "r1", Name: "vip", Priority: 10, Enabled: true}
	r2 := models.RoutingRule{ID: "r2", Name: "vip", Priority: 5, Enabled: false}

	if err := m.CreateRule(ctx, r1); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if err := m.CreateRule(ctx, r2); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}

	r2.Name = "standard"
	if err := m.CreateRule(ctx, r2); err != nil {
		t.Fatalf("create r2: %v", err)
	}

	enabled, _ := m.ListRules(ctx, true)
	if len(enabled) != 1 || enabled[0].ID != "r1" {
		t.Fatalf("expected only r1 enabled, got %+v", enabled)
	}

	if err := m.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteRule(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

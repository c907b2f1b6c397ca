// Package db defines the persistence boundary of the routing pipeline
// and its Postgres and in-memory implementations.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/propintel/backend/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrNoCapacity      = errors.New("agent has no available capacity")
	ErrDuplicateName   = errors.New("name already exists")
)

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	Status    models.AlertStatus
	AgentID   string
	SubjectID string
	Limit     int
	Offset    int
}

// AssignParams drives the single assignment transaction. The store must
// re-validate the alert version and the agent's active count against its
// capacity inside one critical section.
type AssignParams struct {
	AlertID         string
	AgentID         string
	ExpectedVersion int
	Strategy        string
	Reason          string
	// Force skips the capacity ceiling (explicit manual override).
	Force bool
	// Reassign keeps the alert status as-is instead of moving
	// PENDING -> DELIVERED.
	Reassign bool
	At       time.Time
}

type SignalStore interface {
	// InsertSignals is idempotent per signal id (at-least-once delivery).
	InsertSignals(ctx context.Context, signals []models.Signal) (int64, error)
	SubjectsWithUnprocessedSignals(ctx context.Context) ([]string, error)
	UnprocessedSignals(ctx context.Context, subjectID string) ([]models.Signal, error)
}

type AlertStore interface {
	// CreateAlerts claims the given signals (processed=false -> true) and
	// inserts the alerts in one transaction. When none of the signals is
	// still unprocessed the call is a no-op and returns false: the
	// subject was already scored by a concurrent run.
	CreateAlerts(ctx context.Context, alerts []models.Alert, signalIDs []string) (bool, error)
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	// UpdateAlert persists the alert iff the stored version equals
	// expectedVersion, then bumps the version. ErrVersionConflict otherwise.
	UpdateAlert(ctx context.Context, alert models.Alert, expectedVersion int) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)
	// StaleAlerts returns PENDING/DELIVERED alerts created before cutoff.
	StaleAlerts(ctx context.Context, cutoff time.Time) ([]models.Alert, error)
	// ActiveAlertCounts recomputes per-agent active alert counts from the
	// alert rows (source of truth for the workload cache).
	ActiveAlertCounts(ctx context.Context) (map[string]int, error)
}

type AgentStore interface {
	UpsertAgents(ctx context.Context, agents []models.AgentProfile) (int64, error)
	GetAgent(ctx context.Context, id string) (models.AgentProfile, error)
	ListAgents(ctx context.Context) ([]models.AgentProfile, error)
}

type RuleStore interface {
	CreateRule(ctx context.Context, rule models.RoutingRule) error
	UpdateRule(ctx context.Context, rule models.RoutingRule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (models.RoutingRule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]models.RoutingRule, error)
}

type AssignmentStore interface {
	// AssignAlert is the serialized critical section of the pipeline: it
	// locks the agent, recounts its active alerts against capacity,
	// appends the audit row and writes the alert in one transaction.
	AssignAlert(ctx context.Context, p AssignParams) (models.Alert, models.AlertAssignment, error)
	ListAssignments(ctx context.Context, alertID string) ([]models.AlertAssignment, error)
	// CompleteLatestAssignment stamps completed_at on the newest
	// assignment row for the alert, if any.
	CompleteLatestAssignment(ctx context.Context, alertID string, at time.Time) error
}

type Store interface {
	SignalStore
	AlertStore
	AgentStore
	RuleStore
	AssignmentStore
	Ping(ctx context.Context) error
}

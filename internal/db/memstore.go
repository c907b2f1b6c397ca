package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propintel/backend/internal/models"
)

// Mem holds the pipeline state in memory. Suitable for dev mode and
// deterministic service tests; AssignAlert serializes on the store mutex
// the same way the Postgres implementation serializes on the agent row.
type Mem struct {
	mu          sync.RWMutex
	signals     map[string]*models.Signal
	alerts      map[string]*models.Alert
	agents      map[string]*models.AgentProfile
	rules       map[string]*models.RoutingRule
	assignments map[string][]models.AlertAssignment // alert id -> audit trail
}

func NewMem() *Mem {
	return &Mem{
		signals:     make(map[string]*models.Signal),
		alerts:      make(map[string]*models.Alert),
		agents:      make(map[string]*models.AgentProfile),
		rules:       make(map[string]*models.RoutingRule),
		assignments: make(map[string][]models.AlertAssignment),
	}
}

func (m *Mem) Ping(context.Context) error { return nil }

func (m *Mem) InsertSignals(_ context.Context, signals []models.Signal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for _, s := range signals {
		if _, exists := m.signals[s.ID]; exists {
			continue
		}
		cp := s
		m.signals[s.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *Mem) SubjectsWithUnprocessedSignals(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, s := range m.signals {
		if !s.Processed && !seen[s.SubjectID] {
			seen[s.SubjectID] = true
			out = append(out, s.SubjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mem) UnprocessedSignals(_ context.Context, subjectID string) ([]models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Signal
	for _, s := range m.signals {
		if s.SubjectID == subjectID && !s.Processed {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) CreateAlerts(_ context.Context, alerts []models.Alert, signalIDs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := 0
	for _, id := range signalIDs {
		if s, ok := m.signals[id]; ok && !s.Processed {
			claimed++
		}
	}
	if claimed == 0 {
		// another run already consumed these signals
		return false, nil
	}
	for _, id := range signalIDs {
		if s, ok := m.signals[id]; ok {
			s.Processed = true
		}
	}
	for _, a := range alerts {
		cp := a
		m.alerts[a.ID] = &cp
	}
	return true, nil
}

func (m *Mem) GetAlert(_ context.Context, id string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, ErrNotFound
	}
	return *a, nil
}

func (m *Mem) UpdateAlert(_ context.Context, alert models.Alert, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.alerts[alert.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := alert
	cp.Version = expectedVersion + 1
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *Mem) ListAlerts(_ context.Context, f AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.AgentID != "" && (a.AssignedAgentID == nil || *a.AssignedAgentID != f.AgentID) {
			continue
		}
		if f.SubjectID != "" && a.SubjectID != f.SubjectID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) StaleAlerts(_ context.Context, cutoff time.Time) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if (a.Status == models.StatusPending || a.Status == models.StatusDelivered) && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ActiveAlertCounts(context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[string]int{}
	for _, a := range m.alerts {
		if a.AssignedAgentID != nil && a.Status.Active() {
			counts[*a.AssignedAgentID]++
		}
	}
	return counts, nil
}

func (m *Mem) UpsertAgents(_ context.Context, agents []models.AgentProfile) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		cp := a
		m.agents[a.ID] = &cp
	}
	return int64(len(agents)), nil
}

func (m *Mem) GetAgent(_ context.Context, id string) (models.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return models.AgentProfile{}, ErrNotFound
	}
	return *a, nil
}

func (m *Mem) ListAgents(context.Context) ([]models.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentProfile, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) CreateRule(_ context.Context, rule models.RoutingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Name == rule.Name {
			return ErrDuplicateName
		}
	}
	cp := rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *Mem) UpdateRule(_ context.Context, rule models.RoutingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	for _, r := range m.rules {
		if r.Name == rule.Name && r.ID != rule.ID {
			return ErrDuplicateName
		}
	}
	cp := rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *Mem) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Mem) GetRule(_ context.Context, id string) (models.RoutingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return models.RoutingRule{}, ErrNotFound
	}
	return *r, nil
}

func (m *Mem) ListRules(_ context.Context, enabledOnly bool) ([]models.RoutingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RoutingRule
	for _, r := range m.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Mem) AssignAlert(_ context.Context, p AssignParams) (models.Alert, models.AlertAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[p.AlertID]
	if !ok {
		return models.Alert{}, models.AlertAssignment{}, ErrNotFound
	}
	if stored.Version != p.ExpectedVersion {
		return models.Alert{}, models.AlertAssignment{}, ErrVersionConflict
	}
	agent, ok := m.agents[p.AgentID]
	if !ok {
		return models.Alert{}, models.AlertAssignment{}, ErrNotFound
	}
	if stored.Status.Terminal() {
		return models.Alert{}, models.AlertAssignment{}, &models.InvalidTransitionError{
			AlertID: stored.ID, From: stored.Status, To: models.StatusDelivered,
		}
	}

	if !p.Force {
		active := 0
		for _, a := range m.alerts {
			if a.AssignedAgentID != nil && *a.AssignedAgentID == p.AgentID && a.Status.Active() && a.ID != stored.ID {
				active++
			}
		}
		if active >= agent.MaxConcurrentAlerts {
			return models.Alert{}, models.AlertAssignment{}, ErrNoCapacity
		}
	}

	cp := *stored
	cp.AssignedAgentID = &p.AgentID
	cp.Strategy = p.Strategy
	if !p.Reassign && cp.Status == models.StatusPending {
		if err := cp.Transition(models.StatusDelivered, p.At); err != nil {
			return models.Alert{}, models.AlertAssignment{}, err
		}
	}
	cp.Version++
	m.alerts[cp.ID] = &cp

	// close the previous assignment before appending the new one
	if rows := m.assignments[cp.ID]; len(rows) > 0 && rows[len(rows)-1].CompletedAt == nil {
		at := p.At
		rows[len(rows)-1].CompletedAt = &at
	}

	assignment := models.AlertAssignment{
		ID:         uuid.NewString(),
		AlertID:    cp.ID,
		AssignedTo: p.AgentID,
		Reason:     p.Reason,
		Strategy:   p.Strategy,
		Status:     cp.Status,
		AssignedAt: p.At,
	}
	m.assignments[cp.ID] = append(m.assignments[cp.ID], assignment)
	return cp, assignment, nil
}

func (m *Mem) ListAssignments(_ context.Context, alertID string) ([]models.AlertAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.assignments[alertID]
	out := make([]models.AlertAssignment, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Mem) CompleteLatestAssignment(_ context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.assignments[alertID]
	if len(rows) == 0 {
		return nil
	}
	// completion is write-once; a finalized row keeps its first timestamp
	if rows[len(rows)-1].CompletedAt == nil {
		rows[len(rows)-1].CompletedAt = &at
	}
	return nil
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propintel/backend/internal/models"
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) InsertSignals(ctx context.Context, signals []models.Signal) (int64, error) {
	var inserted int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, sig := range signals {
			tag, err := tx.Exec(ctx, `
				INSERT INTO signals (id, subject_id, type, strength, confidence, window_start, window_end, processed, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (id) DO NOTHING
			`, sig.ID, sig.SubjectID, sig.Type, sig.Strength, sig.Confidence, sig.WindowStart, sig.WindowEnd, sig.Processed, sig.CreatedAt)
			if err != nil {
				return err
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	return inserted, err
}

func (s *Postgres) SubjectsWithUnprocessedSignals(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT subject_id FROM signals WHERE processed = false ORDER BY subject_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) UnprocessedSignals(ctx context.Context, subjectID string) ([]models.Signal, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, subject_id, type, strength, confidence, window_start, window_end, processed, created_at
		FROM signals WHERE subject_id = $1 AND processed = false ORDER BY id
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		var sig models.Signal
		if err := rows.Scan(&sig.ID, &sig.SubjectID, &sig.Type, &sig.Strength, &sig.Confidence, &sig.WindowStart, &sig.WindowEnd, &sig.Processed, &sig.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateAlerts(ctx context.Context, alerts []models.Alert, signalIDs []string) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE signals SET processed = true WHERE id = ANY($1) AND processed = false`, signalIDs)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// signals already consumed by a concurrent run
			return nil
		}
		for _, a := range alerts {
			metadata, _ := json.Marshal(a.Metadata)
			_, err := tx.Exec(ctx, `
				INSERT INTO alerts (id, subject_id, type, confidence, priority, status, assigned_agent_id, strategy,
					signal_ids, metadata, escalation_attempts, version, created_at, assigned_at, acknowledged_at, converted_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			`, a.ID, a.SubjectID, a.Type, a.Confidence, a.Priority, a.Status, a.AssignedAgentID, a.Strategy,
				a.SignalIDs, metadata, a.EscalationAttempts, a.Version, a.CreatedAt, a.AssignedAt, a.AcknowledgedAt, a.ConvertedAt)
			if err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	return created, err
}

const alertColumns = `id, subject_id, type, confidence, priority, status, assigned_agent_id, strategy,
	signal_ids, metadata, escalation_attempts, version, created_at, assigned_at, acknowledged_at, converted_at`

func scanAlert(row pgx.Row) (models.Alert, error) {
	var a models.Alert
	var metadata []byte
	if err := row.Scan(&a.ID, &a.SubjectID, &a.Type, &a.Confidence, &a.Priority, &a.Status, &a.AssignedAgentID, &a.Strategy,
		&a.SignalIDs, &metadata, &a.EscalationAttempts, &a.Version, &a.CreatedAt, &a.AssignedAt, &a.AcknowledgedAt, &a.ConvertedAt); err != nil {
		return models.Alert{}, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &a.Metadata)
	}
	return a, nil
}

func (s *Postgres) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	return a, err
}

func (s *Postgres) UpdateAlert(ctx context.Context, a models.Alert, expectedVersion int) error {
	metadata, _ := json.Marshal(a.Metadata)
	tag, err := s.Pool.Exec(ctx, `
		UPDATE alerts SET status = $1, assigned_agent_id = $2, strategy = $3, priority = $4, metadata = $5,
			escalation_attempts = $6, assigned_at = $7, acknowledged_at = $8, converted_at = $9, version = version + 1
		WHERE id = $10 AND version = $11
	`, a.Status, a.AssignedAgentID, a.Strategy, a.Priority, metadata,
		a.EscalationAttempts, a.AssignedAt, a.AcknowledgedAt, a.ConvertedAt, a.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetAlert(ctx, a.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	var wheres []string
	if f.Status != "" {
		args = append(args, f.Status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		wheres = append(wheres, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		wheres = append(wheres, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY created_at ASC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func (s *Postgres) StaleAlerts(ctx context.Context, cutoff time.Time) ([]models.Alert, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('PENDING','DELIVERED') AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]models.Alert, error) {
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) ActiveAlertCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT assigned_agent_id, COUNT(*) FROM alerts
		WHERE assigned_agent_id IS NOT NULL AND status IN ('PENDING','DELIVERED','ACKNOWLEDGED')
		GROUP BY assigned_agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Postgres) UpsertAgents(ctx context.Context, agents []models.AgentProfile) (int64, error) {
	var upserted int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, a := range agents {
			tag, err := tx.Exec(ctx, `
				INSERT INTO agents (id, name, territories, skills, specializations, max_concurrent_alerts, available, auto_assign, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					territories = EXCLUDED.territories,
					skills = EXCLUDED.skills,
					specializations = EXCLUDED.specializations,
					max_concurrent_alerts = EXCLUDED.max_concurrent_alerts,
					available = EXCLUDED.available,
					auto_assign = EXCLUDED.auto_assign,
					updated_at = EXCLUDED.updated_at
			`, a.ID, a.Name, a.Territories, a.Skills, a.Specializations, a.MaxConcurrentAlerts, a.Available, a.AutoAssign, a.UpdatedAt)
			if err != nil {
				return err
			}
			upserted += tag.RowsAffected()
		}
		return nil
	})
	return upserted, err
}

const agentColumns = `id, name, territories, skills, specializations, max_concurrent_alerts, available, auto_assign, updated_at`

func scanAgent(row pgx.Row) (models.AgentProfile, error) {
	var a models.AgentProfile
	err := row.Scan(&a.ID, &a.Name, &a.Territories, &a.Skills, &a.Specializations, &a.MaxConcurrentAlerts, &a.Available, &a.AutoAssign, &a.UpdatedAt)
	return a, err
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (models.AgentProfile, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentProfile{}, ErrNotFound
	}
	return a, err
}

func (s *Postgres) ListAgents(ctx context.Context) ([]models.AgentProfile, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateRule(ctx context.Context, r models.RoutingRule) error {
	conditions, _ := json.Marshal(r.Conditions)
	actions, _ := json.Marshal(r.Actions)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO routing_rules (id, name, priority, enabled, conditions, actions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.Name, r.Priority, r.Enabled, conditions, actions, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	return err
}

func (s *Postgres) UpdateRule(ctx context.Context, r models.RoutingRule) error {
	conditions, _ := json.Marshal(r.Conditions)
	actions, _ := json.Marshal(r.Actions)
	tag, err := s.Pool.Exec(ctx, `
		UPDATE routing_rules SET name = $1, priority = $2, enabled = $3, conditions = $4, actions = $5, updated_at = $6
		WHERE id = $7
	`, r.Name, r.Priority, r.Enabled, conditions, actions, r.UpdatedAt, r.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const ruleColumns = `id, name, priority, enabled, conditions, actions, created_at, updated_at`

func scanRule(row pgx.Row) (models.RoutingRule, error) {
	var r models.RoutingRule
	var conditions, actions []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Priority, &r.Enabled, &conditions, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.RoutingRule{}, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return models.RoutingRule{}, err
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return models.RoutingRule{}, err
	}
	return r, nil
}

func (s *Postgres) GetRule(ctx context.Context, id string) (models.RoutingRule, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM routing_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoutingRule{}, ErrNotFound
	}
	return r, err
}

func (s *Postgres) ListRules(ctx context.Context, enabledOnly bool) ([]models.RoutingRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM routing_rules`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignAlert runs the whole assignment as one transaction: the agent row
// is locked FOR UPDATE so the active recount and the write are serialized
// against concurrent assignments to the same agent.
func (s *Postgres) AssignAlert(ctx context.Context, p AssignParams) (models.Alert, models.AlertAssignment, error) {
	var alert models.Alert
	var assignment models.AlertAssignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, p.AlertID)
		stored, err := scanAlert(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if stored.Version != p.ExpectedVersion {
			return ErrVersionConflict
		}
		if stored.Status.Terminal() {
			return &models.InvalidTransitionError{AlertID: stored.ID, From: stored.Status, To: models.StatusDelivered}
		}

		agentRow := tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, p.AgentID)
		agent, err := scanAgent(agentRow)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if !p.Force {
			var active int
			err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM alerts
				WHERE assigned_agent_id = $1 AND status IN ('PENDING','DELIVERED','ACKNOWLEDGED') AND id <> $2
			`, p.AgentID, stored.ID).Scan(&active)
			if err != nil {
				return err
			}
			if active >= agent.MaxConcurrentAlerts {
				return ErrNoCapacity
			}
		}

		stored.AssignedAgentID = &p.AgentID
		stored.Strategy = p.Strategy
		if !p.Reassign && stored.Status == models.StatusPending {
			if err := stored.Transition(models.StatusDelivered, p.At); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE alerts SET assigned_agent_id = $1, strategy = $2, status = $3, assigned_at = $4, version = version + 1
			WHERE id = $5
		`, stored.AssignedAgentID, stored.Strategy, stored.Status, stored.AssignedAt, stored.ID)
		if err != nil {
			return err
		}
		stored.Version++

		// close the previous assignment before appending the new one
		_, err = tx.Exec(ctx, `
			UPDATE alert_assignments SET completed_at = $1
			WHERE alert_id = $2 AND completed_at IS NULL
		`, p.At, stored.ID)
		if err != nil {
			return err
		}

		assignment = models.AlertAssignment{
			AlertID:    stored.ID,
			AssignedTo: p.AgentID,
			Reason:     p.Reason,
			Strategy:   p.Strategy,
			Status:     stored.Status,
			AssignedAt: p.At,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO alert_assignments (alert_id, assigned_to, reason, strategy, status, assigned_at)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
		`, assignment.AlertID, assignment.AssignedTo, assignment.Reason, assignment.Strategy, assignment.Status, assignment.AssignedAt).Scan(&assignment.ID)
		if err != nil {
			return err
		}
		alert = stored
		return nil
	})
	return alert, assignment, err
}

func (s *Postgres) ListAssignments(ctx context.Context, alertID string) ([]models.AlertAssignment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, alert_id, assigned_to, reason, strategy, status, assigned_at, completed_at
		FROM alert_assignments WHERE alert_id = $1 ORDER BY assigned_at ASC
	`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AlertAssignment
	for rows.Next() {
		var a models.AlertAssignment
		if err := rows.Scan(&a.ID, &a.AlertID, &a.AssignedTo, &a.Reason, &a.Strategy, &a.Status, &a.AssignedAt, &a.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CompleteLatestAssignment(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE alert_assignments SET completed_at = $1
		WHERE id = (SELECT id FROM alert_assignments WHERE alert_id = $2 ORDER BY assigned_at DESC LIMIT 1)
			AND completed_at IS NULL
	`, at, alertID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

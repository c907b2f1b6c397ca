package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/metrics"
	"github.com/propintel/backend/internal/models"
)

type SweepConfig struct {
	StaleAgeDays          int
	MaxEscalationAttempts int
}

type SweepSummary struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// Sweeper periodically finds alerts stuck in PENDING or DELIVERED,
// bumps their priority one band and routes them again. An alert that
// exhausts its escalation attempts is expired. ACKNOWLEDGED alerts are
// the agent's responsibility and are never touched.
type Sweeper struct {
	store   db.Store
	orch    *Orchestrator
	cfg     SweepConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSweeper(store db.Store, orch *Orchestrator, cfg SweepConfig, logger zerolog.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.StaleAgeDays == 0 {
		cfg.StaleAgeDays = 3
	}
	if cfg.MaxEscalationAttempts == 0 {
		cfg.MaxEscalationAttempts = 3
	}
	return &Sweeper{
		store:   store,
		orch:    orch,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// HandleStaleAlerts runs one sweep. A positive maxAgeDays overrides the
// configured staleness cutoff for this run only. Per-alert failures are
// counted and logged; they never abort the sweep.
func (s *Sweeper) HandleStaleAlerts(ctx context.Context, maxAgeDays int) (SweepSummary, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = s.cfg.StaleAgeDays
	}
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	stale, err := s.store.StaleAlerts(ctx, cutoff)
	if err != nil {
		return SweepSummary{}, err
	}

	summary := SweepSummary{Scanned: len(stale)}
	for _, alert := range stale {
		if ctx.Err() != nil {
			break
		}
		switch outcome := s.sweepOne(ctx, alert); outcome {
		case "escalated":
			summary.Escalated++
		case "expired":
			summary.Expired++
		default:
			summary.Failed++
		}
	}

	s.metrics.ObserveSweep(summary.Expired)
	s.logger.Info().
		Int("scanned", summary.Scanned).
		Int("escalated", summary.Escalated).
		Int("expired", summary.Expired).
		Int("failed", summary.Failed).
		Msg("stale alert sweep complete")
	return summary, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, alert models.Alert) string {
	if alert.EscalationAttempts >= s.cfg.MaxEscalationAttempts {
		if _, err := s.orch.Expire(ctx, alert.ID); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("expiring stale alert failed")
			return "failed"
		}
		return "expired"
	}

	bumped := alert
	bumped.Priority = alert.Priority.Bump()
	bumped.EscalationAttempts = alert.EscalationAttempts + 1
	err := s.store.UpdateAlert(ctx, bumped, alert.Version)
	if errors.Is(err, db.ErrVersionConflict) {
		// someone else acted on the alert since the scan; the next
		// sweep re-evaluates it
		return "escalated"
	}
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("escalating stale alert failed")
		return "failed"
	}

	res := s.orch.Route(ctx, alert.ID, map[string]any{"escalation": true})
	if res.Error != "" {
		s.logger.Warn().
			Str("alert_id", alert.ID).
			Str("error", res.Error).
			Int("attempts", bumped.EscalationAttempts).
			Msg("stale alert could not be rerouted")
		if bumped.EscalationAttempts >= s.cfg.MaxEscalationAttempts {
			if _, err := s.orch.Expire(ctx, alert.ID); err == nil {
				return "expired"
			}
		}
		return "failed"
	}

	s.logger.Info().
		Str("alert_id", alert.ID).
		Str("agent_id", res.AgentID).
		Str("priority", string(bumped.Priority)).
		Msg("stale alert escalated")
	return "escalated"
}

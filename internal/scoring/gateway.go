package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/propintel/backend/internal/metrics"
	"github.com/propintel/backend/internal/models"
)

// Store is the persistence slice the gateway needs.
type Store interface {
	SubjectsWithUnprocessedSignals(ctx context.Context) ([]string, error)
	UnprocessedSignals(ctx context.Context, subjectID string) ([]models.Signal, error)
	CreateAlerts(ctx context.Context, alerts []models.Alert, signalIDs []string) (bool, error)
}

// PriorityBands holds the confidence cut points per priority. They are
// configuration, not law: operators tune them without a deploy.
type PriorityBands struct {
	Critical float64
	High     float64
	Medium   float64
}

func (b PriorityBands) For(confidence float64) models.Priority {
	switch {
	case confidence >= b.Critical:
		return models.PriorityCritical
	case confidence >= b.High:
		return models.PriorityHigh
	case confidence >= b.Medium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

type Config struct {
	ConfidenceThreshold float64
	Bands               PriorityBands
	MaxRetries          uint64
	RetryInitialWait    time.Duration
}

// Gateway scores subjects and creates alerts. Signals are consumed
// exactly once: they flip to processed only in the same transaction
// that durably creates the subject's alerts.
type Gateway struct {
	store   Store
	scorer  Scorer
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewGateway(store Store, scorer Scorer, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Gateway {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInitialWait == 0 {
		cfg.RetryInitialWait = 200 * time.Millisecond
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "scorer",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &Gateway{
		store:   store,
		scorer:  scorer,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

type SubjectResult struct {
	SubjectID     string         `json:"subject_id"`
	AlertsCreated int            `json:"alerts_created"`
	Alerts        []models.Alert `json:"alerts,omitempty"`
	Skipped       bool           `json:"skipped"`
	Reason        string         `json:"reason,omitempty"`
}

// ScoreSubject scores one subject's unprocessed signals across every
// alert type. A scoring failure leaves the signals unprocessed so the
// next run retries them; a concurrent run that already consumed the
// signals makes this call a no-op.
func (g *Gateway) ScoreSubject(ctx context.Context, subjectID string) (SubjectResult, error) {
	result := SubjectResult{SubjectID: subjectID}

	signals, err := g.store.UnprocessedSignals(ctx, subjectID)
	if err != nil {
		return result, err
	}
	if len(signals) == 0 {
		result.Skipped = true
		result.Reason = "no unprocessed signals"
		return result, nil
	}

	snapshot := BuildSnapshot(signals)
	signalIDs := make([]string, len(signals))
	for i, s := range signals {
		signalIDs[i] = s.ID
	}

	var alerts []models.Alert
	for _, alertType := range models.AlertTypes {
		pred, err := g.predict(ctx, ScoreRequest{
			SubjectID: subjectID,
			AlertType: alertType,
			Features:  snapshot,
		})
		if err != nil {
			g.metrics.ObserveScoring("deferred", 0)
			return result, &ScoringUnavailableError{SubjectID: subjectID, Err: err}
		}
		if pred.Confidence < g.cfg.ConfidenceThreshold {
			// sub-threshold predictions are dropped silently
			continue
		}
		alerts = append(alerts, models.Alert{
			ID:         uuid.NewString(),
			SubjectID:  subjectID,
			Type:       alertType,
			Confidence: pred.Confidence,
			Priority:   g.cfg.Bands.For(pred.Confidence),
			Status:     models.StatusPending,
			SignalIDs:  signalIDs,
			Metadata: map[string]any{
				"model_version":    pred.ModelVersion,
				"calibrated_score": pred.CalibratedScore,
				"signal_count":     len(signals),
			},
			CreatedAt: g.now(),
		})
	}

	created, err := g.store.CreateAlerts(ctx, alerts, signalIDs)
	if err != nil {
		return result, err
	}
	if !created {
		result.Skipped = true
		result.Reason = "signals already processed"
		g.metrics.ObserveScoring("skipped", 0)
		return result, nil
	}

	result.AlertsCreated = len(alerts)
	result.Alerts = alerts
	g.metrics.ObserveScoring("scored", len(alerts))
	g.logger.Info().
		Str("subject_id", subjectID).
		Int("signals", len(signals)).
		Int("alerts_created", len(alerts)).
		Msg("subject scored")
	return result, nil
}

func (g *Gateway) predict(ctx context.Context, req ScoreRequest) (Prediction, error) {
	var pred Prediction
	op := func() error {
		out, err := g.breaker.Execute(func() (any, error) {
			return g.scorer.Score(ctx, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) {
			// breaker is open, retrying within this run is pointless
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		pred = out.(Prediction)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryInitialWait
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, g.cfg.MaxRetries), ctx))
	return pred, err
}

type BatchSummary struct {
	Subjects      int            `json:"subjects"`
	Scored        int            `json:"scored"`
	AlertsCreated int            `json:"alerts_created"`
	Skipped       int            `json:"skipped"`
	Deferred      int            `json:"deferred"`
	DeferReasons  map[string]int `json:"defer_reasons,omitempty"`
	ElapsedMS     int64          `json:"elapsed_ms"`
}

// ScoreBatch walks every subject with unprocessed signals. The budget is
// a hard stop on picking up new subjects; in-flight subject work always
// completes. Per-subject failures never abort the batch.
func (g *Gateway) ScoreBatch(ctx context.Context, budget time.Duration) (BatchSummary, error) {
	start := g.now()
	summary := BatchSummary{DeferReasons: map[string]int{}}

	subjects, err := g.store.SubjectsWithUnprocessedSignals(ctx)
	if err != nil {
		return summary, err
	}
	summary.Subjects = len(subjects)

	var deadline time.Time
	if budget > 0 {
		deadline = start.Add(budget)
	}

	for _, subjectID := range subjects {
		if ctx.Err() != nil {
			summary.Deferred++
			summary.DeferReasons["canceled"]++
			continue
		}
		if !deadline.IsZero() && g.now().After(deadline) {
			remaining := summary.Subjects - summary.Scored - summary.Skipped - summary.Deferred
			summary.Deferred += remaining
			summary.DeferReasons["time budget exhausted"] += remaining
			g.logger.Warn().Dur("budget", budget).Msg("batch scoring stopped on time budget")
			break
		}

		result, err := g.ScoreSubject(ctx, subjectID)
		if err != nil {
			summary.Deferred++
			var unavailable *ScoringUnavailableError
			if errors.As(err, &unavailable) {
				summary.DeferReasons["scoring unavailable"]++
			} else {
				summary.DeferReasons["store error"]++
			}
			g.logger.Error().Err(err).Str("subject_id", subjectID).Msg("subject deferred")
			continue
		}
		if result.Skipped {
			summary.Skipped++
			continue
		}
		summary.Scored++
		summary.AlertsCreated += result.AlertsCreated
	}

	summary.ElapsedMS = g.now().Sub(start).Milliseconds()
	g.logger.Info().
		Int("subjects", summary.Subjects).
		Int("scored", summary.Scored).
		Int("alerts_created", summary.AlertsCreated).
		Int("deferred", summary.Deferred).
		Msg("batch scoring complete")
	return summary, nil
}

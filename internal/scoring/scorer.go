// Package scoring turns unprocessed behavioral signals into alerts by
// way of an external intent-scoring model.
package scoring

import (
	"context"
	"fmt"

	"github.com/propintel/backend/internal/models"
)

// ModelType maps an alert type to the model identifier the scoring
// service trains per intent.
func ModelType(t models.AlertType) string {
	switch t {
	case models.AlertIntentToSell:
		return "sell"
	case models.AlertIntentToBuy:
		return "buy"
	case models.AlertRefinance:
		return "refinance"
	default:
		return "investment"
	}
}

// FeatureSnapshot aggregates a subject's unprocessed signals into the
// feature view the model consumes.
type FeatureSnapshot struct {
	SignalStrengths   map[models.SignalType]float64 `json:"signal_strengths"`
	SignalConfidences map[models.SignalType]float64 `json:"signal_confidences"`
	CategoryCounts    map[models.SignalCategory]int `json:"category_counts"`
	TotalStrength     float64                       `json:"total_strength"`
	AvgConfidence     float64                       `json:"avg_confidence"`
	SignalCount       int                           `json:"signal_count"`
}

func BuildSnapshot(signals []models.Signal) FeatureSnapshot {
	snap := FeatureSnapshot{
		SignalStrengths:   make(map[models.SignalType]float64, len(signals)),
		SignalConfidences: make(map[models.SignalType]float64, len(signals)),
		CategoryCounts:    make(map[models.SignalCategory]int),
		SignalCount:       len(signals),
	}
	var confidenceSum float64
	for _, s := range signals {
		snap.SignalStrengths[s.Type] = s.Strength
		snap.SignalConfidences[s.Type] = s.Confidence
		snap.CategoryCounts[s.Type.Category()]++
		snap.TotalStrength += s.Strength
		confidenceSum += s.Confidence
	}
	if len(signals) > 0 {
		snap.AvgConfidence = confidenceSum / float64(len(signals))
	}
	return snap
}

type ScoreRequest struct {
	SubjectID string
	AlertType models.AlertType
	Features  FeatureSnapshot
}

type Prediction struct {
	Prediction      int                `json:"prediction"`
	Confidence      float64            `json:"confidence"`
	CalibratedScore float64            `json:"calibrated_score"`
	TopFeatures     map[string]float64 `json:"top_features"`
	ModelVersion    string             `json:"model_version"`
}

// Scorer is the contract of the external scoring function. It may be
// unavailable; callers degrade to deferring the subject, never crash.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (Prediction, error)
}

// ScoringUnavailableError marks a transient scoring failure after
// retries were exhausted. The subject's signals stay unprocessed.
type ScoringUnavailableError struct {
	SubjectID string
	Err       error
}

func (e *ScoringUnavailableError) Error() string {
	return fmt.Sprintf("scoring unavailable for subject %s: %v", e.SubjectID, e.Err)
}

func (e *ScoringUnavailableError) Unwrap() error { return e.Err }

package scoring

import (
	"context"

	"github.com/propintel/backend/internal/utils"
)

// MockScorer produces deterministic hash-based predictions for dev mode.
// With an empty ModelVersion it mimics the "model not trained yet"
// fallback of the real service: a flat low-confidence default.
type MockScorer struct {
	ModelVersion string
}

func (m MockScorer) Score(_ context.Context, req ScoreRequest) (Prediction, error) {
	if m.ModelVersion == "" {
		return Prediction{
			Prediction:      0,
			Confidence:      0.3,
			CalibratedScore: 0.3,
			TopFeatures:     map[string]float64{},
			ModelVersion:    "default",
		}, nil
	}

	h := utils.HashStringToUint64(req.SubjectID + ":" + ModelType(req.AlertType))

	raw := 0.30 + float64(h%65)/100.0
	// strong signal evidence nudges the score up
	if req.Features.TotalStrength > 1.5 {
		raw += 0.10
	}
	if req.Features.AvgConfidence > 0.7 {
		raw += 0.05
	}
	if raw > 1 {
		raw = 1
	}

	prediction := 0
	if raw >= 0.5 {
		prediction = 1
	}

	top := map[string]float64{}
	for t, strength := range req.Features.SignalStrengths {
		if strength > 0 {
			top[string(t)] = strength
		}
	}

	return Prediction{
		Prediction:      prediction,
		Confidence:      raw,
		CalibratedScore: Calibrate(raw),
		TopFeatures:     top,
		ModelVersion:    m.ModelVersion,
	}, nil
}

// Calibrate damps overconfident raw probabilities toward observed
// conversion rates.
func Calibrate(raw float64) float64 {
	switch {
	case raw > 0.9:
		return 0.85 + (raw-0.9)*0.5
	case raw < 0.1:
		return raw * 0.5
	default:
		return raw
	}
}

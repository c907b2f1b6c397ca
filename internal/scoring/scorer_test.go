package scoring

import (
	"context"
	"testing"

	"github.com/propintel/backend/internal/models"
)

func TestBuildSnapshot(t *testing.T) {
	snap := BuildSnapshot([]models.Signal{
		{Type: models.SignalDocumentAccessSpike, Strength: 0.8, Confidence: 0.9},
		{Type: models.SignalCalculatorUsage, Strength: 0.4, Confidence: 0.5},
		{Type: models.SignalFrequentValueChecks, Strength: 0.6, Confidence: 0.7},
	})
	if snap.SignalCount != 3 {
		t.Fatalf("signal count: %d", snap.SignalCount)
	}
	if snap.TotalStrength != 1.8 {
		t.Fatalf("total strength: %f", snap.TotalStrength)
	}
	if snap.AvgConfidence != 0.7 {
		t.Fatalf("avg confidence: %f", snap.AvgConfidence)
	}
	if snap.CategoryCounts[models.CategoryDocumentActivity] != 1 || snap.CategoryCounts[models.CategoryPlatformBehavior] != 2 {
		t.Fatalf("category counts: %+v", snap.CategoryCounts)
	}
}

func TestCalibrateCurve(t *testing.T) {
	cases := []struct{ raw, want float64 }{
		{0.95, 0.875},
		{0.9, 0.9},
		{0.5, 0.5},
		{0.1, 0.1},
		{0.05, 0.025},
	}
	for _, c := range cases {
		if got := Calibrate(c.raw); got != c.want {
			t.Fatalf("calibrate(%f): got %f, want %f", c.raw, got, c.want)
		}
	}
}

func TestMockScorerDeterministic(t *testing.T) {
	m := MockScorer{ModelVersion: "mock-v1"}
	req := ScoreRequest{SubjectID: "subj-1", AlertType: models.AlertIntentToSell}

	first, err := m.Score(context.Background(), req)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for i := 0; i < 10; i++ {
		p, _ := m.Score(context.Background(), req)
		if p.Confidence != first.Confidence {
			t.Fatalf("mock scorer not deterministic: %f vs %f", p.Confidence, first.Confidence)
		}
	}
	if first.Confidence < 0.30 || first.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", first.Confidence)
	}
}

func TestMockScorerUntrainedFallback(t *testing.T) {
	m := MockScorer{}
	p, err := m.Score(context.Background(), ScoreRequest{SubjectID: "s1", AlertType: models.AlertRefinance})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if p.Confidence != 0.3 || p.ModelVersion != "default" {
		t.Fatalf("expected untrained fallback, got %+v", p)
	}
}

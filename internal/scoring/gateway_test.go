package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/models"
)

type stubScorer struct {
	byModel map[string]float64
	failFor string
	calls   int
}

func (s *stubScorer) Score(_ context.Context, req ScoreRequest) (Prediction, error) {
	s.calls++
	if s.failFor != "" && req.SubjectID == s.failFor {
		return Prediction{}, errors.New("connection refused")
	}
	conf := s.byModel[ModelType(req.AlertType)]
	return Prediction{
		Prediction:      1,
		Confidence:      conf,
		CalibratedScore: Calibrate(conf),
		ModelVersion:    "test-v1",
	}, nil
}

func testGateway(store Store, scorer Scorer) *Gateway {
	return NewGateway(store, scorer, Config{
		ConfidenceThreshold: 0.5,
		Bands:               PriorityBands{Critical: 0.85, High: 0.70, Medium: 0.55},
		MaxRetries:          1,
		RetryInitialWait:    time.Millisecond,
	}, zerolog.Nop(), nil)
}

func seed(t *testing.T, store *db.Mem, subjectID string, ids ...string) {
	t.Helper()
	signals := make([]models.Signal, len(ids))
	for i, id := range ids {
		signals[i] = models.Signal{
			ID:         id,
			SubjectID:  subjectID,
			Type:       models.SignalFrequentValueChecks,
			Strength:   0.8,
			Confidence: 0.9,
		}
	}
	if _, err := store.InsertSignals(context.Background(), signals); err != nil {
		t.Fatalf("seed signals: %v", err)
	}
}

func TestScoreSubjectBandsAndThreshold(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "s1", "sig-1", "sig-2")
	scorer := &stubScorer{byModel: map[string]float64{
		"sell":       0.90,
		"buy":        0.75,
		"refinance":  0.60,
		"investment": 0.40, // below threshold, dropped
	}}
	g := testGateway(store, scorer)

	result, err := g.ScoreSubject(context.Background(), "s1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if result.AlertsCreated != 3 {
		t.Fatalf("expected 3 alerts, got %d", result.AlertsCreated)
	}

	want := map[models.AlertType]models.Priority{
		models.AlertIntentToSell: models.PriorityCritical,
		models.AlertIntentToBuy:  models.PriorityHigh,
		models.AlertRefinance:    models.PriorityMedium,
	}
	for _, a := range result.Alerts {
		if a.Type == models.AlertInvestment {
			t.Fatalf("sub-threshold alert created: %+v", a)
		}
		if a.Priority != want[a.Type] {
			t.Fatalf("%s: expected priority %s, got %s", a.Type, want[a.Type], a.Priority)
		}
		if a.Status != models.StatusPending {
			t.Fatalf("new alert should be PENDING, got %s", a.Status)
		}
		if a.Metadata["model_version"] != "test-v1" {
			t.Fatalf("model version missing from metadata: %+v", a.Metadata)
		}
		if len(a.SignalIDs) != 2 {
			t.Fatalf("expected signal ids recorded, got %v", a.SignalIDs)
		}
	}
}

func TestScoreSubjectIsIdempotent(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "s1", "sig-1")
	g := testGateway(store, &stubScorer{byModel: map[string]float64{"sell": 0.9}})

	if _, err := g.ScoreSubject(context.Background(), "s1"); err != nil {
		t.Fatalf("first score: %v", err)
	}
	second, err := g.ScoreSubject(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second score: %v", err)
	}
	if !second.Skipped || second.AlertsCreated != 0 {
		t.Fatalf("expected second run skipped, got %+v", second)
	}
}

func TestScoreSubjectAllBelowThresholdStillConsumesSignals(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "s1", "sig-1")
	g := testGateway(store, &stubScorer{byModel: map[string]float64{}})

	result, err := g.ScoreSubject(context.Background(), "s1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if result.Skipped || result.AlertsCreated != 0 {
		t.Fatalf("expected zero alerts without skip, got %+v", result)
	}

	subjects, _ := store.SubjectsWithUnprocessedSignals(context.Background())
	if len(subjects) != 0 {
		t.Fatalf("signals should be consumed even when no alert clears the bar, got %v", subjects)
	}
}

func TestScoreSubjectFailureLeavesSignalsUnprocessed(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "s1", "sig-1")
	g := testGateway(store, &stubScorer{failFor: "s1"})

	_, err := g.ScoreSubject(context.Background(), "s1")
	var unavailable *ScoringUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ScoringUnavailableError, got %v", err)
	}

	subjects, _ := store.SubjectsWithUnprocessedSignals(context.Background())
	if len(subjects) != 1 || subjects[0] != "s1" {
		t.Fatalf("failed subject should stay unprocessed, got %v", subjects)
	}
}

func TestScoreBatchIsolatesFailures(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "bad", "sig-1")
	seed(t, store, "good", "sig-2")
	g := testGateway(store, &stubScorer{
		byModel: map[string]float64{"sell": 0.9},
		failFor: "bad",
	})

	summary, err := g.ScoreBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if summary.Subjects != 2 || summary.Scored != 1 || summary.Deferred != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.DeferReasons["scoring unavailable"] != 1 {
		t.Fatalf("expected defer reason recorded, got %v", summary.DeferReasons)
	}

	subjects, _ := store.SubjectsWithUnprocessedSignals(context.Background())
	if len(subjects) != 1 || subjects[0] != "bad" {
		t.Fatalf("only the failed subject should remain, got %v", subjects)
	}
}

func TestScoreBatchStopsOnTimeBudget(t *testing.T) {
	store := db.NewMem()
	seed(t, store, "s1", "sig-1")
	seed(t, store, "s2", "sig-2")
	g := testGateway(store, &stubScorer{byModel: map[string]float64{"sell": 0.9}})

	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time {
		clock = clock.Add(4 * time.Second)
		return clock
	}

	summary, err := g.ScoreBatch(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if summary.Scored != 1 {
		t.Fatalf("expected one subject scored before the budget ran out, got %+v", summary)
	}
	if summary.DeferReasons["time budget exhausted"] != 1 {
		t.Fatalf("expected budget defer reason, got %v", summary.DeferReasons)
	}
}

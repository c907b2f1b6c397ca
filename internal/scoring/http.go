package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// HTTPScorer calls the model service over HTTP.
type HTTPScorer struct {
	BaseURL string
	Client  *http.Client
}

type scoreRequestBody struct {
	SubjectID string          `json:"subject_id"`
	ModelType string          `json:"model_type"`
	Features  FeatureSnapshot `json:"features"`
}

type scoreResponseBody struct {
	SubjectID       string             `json:"subject_id"`
	ModelType       string             `json:"model_type"`
	Prediction      int                `json:"prediction"`
	Confidence      float64            `json:"confidence"`
	CalibratedScore float64            `json:"calibrated_score"`
	TopFeatures     map[string]float64 `json:"top_features"`
	ModelVersion    string             `json:"model_version"`
	Error           string             `json:"error,omitempty"`
}

func (h HTTPScorer) Score(ctx context.Context, req ScoreRequest) (Prediction, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 15 * time.Second}
	}

	payload := scoreRequestBody{
		SubjectID: req.SubjectID,
		ModelType: ModelType(req.AlertType),
		Features:  req.Features,
	}
	b, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/score", bytes.NewBuffer(b))
	if err != nil {
		return Prediction{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Prediction{}, errors.New("scoring service error")
	}

	var r scoreResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Prediction{}, err
	}
	if r.Error != "" {
		return Prediction{}, errors.New(r.Error)
	}

	return Prediction{
		Prediction:      r.Prediction,
		Confidence:      r.Confidence,
		CalibratedScore: r.CalibratedScore,
		TopFeatures:     r.TopFeatures,
		ModelVersion:    r.ModelVersion,
	}, nil
}

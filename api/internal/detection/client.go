// Package detection submits a task's photo batch to the remote detection
// models and normalizes their two response shapes into one result type.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"farm-bot/api/internal/photo"
)

var ErrSubmissionFailed = errors.New("detection: submission failed")

// Backend sends one submission to the given model and returns the raw
// response body.
type Backend interface {
	Detect(ctx context.Context, model Model, req SubmitRequest) ([]byte, error)
}

type Client struct {
	backend  Backend
	selector Selector
}

func NewClient(backend Backend, selector Selector) *Client {
	return &Client{backend: backend, selector: selector}
}

// Model returns the model a task of the given type is submitted to.
func (c *Client) Model(typeLabel string) Model { return c.selector.Select(typeLabel) }

// Submit sends the batch and returns the normalized predictions. An empty
// slice with a nil error means the model found nothing to report.
func (c *Client) Submit(ctx context.Context, taskID int64, typeLabel string, images photo.Batch) ([]PredictionResult, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrSubmissionFailed)
	}
	if len(images) > photo.MaxPerTask {
		return nil, fmt.Errorf("%w: %d images exceeds the limit of %d", ErrSubmissionFailed, len(images), photo.MaxPerTask)
	}

	model := c.selector.Select(typeLabel)
	req := SubmitRequest{TaskID: taskID, Images: make([]ImagePayload, len(images))}
	for i, img := range images {
		req.Images[i] = ImagePayload{ImageEncoded: img}
	}

	body, err := c.backend.Detect(ctx, model, req)
	if err != nil {
		if errors.Is(err, ErrSubmissionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	results, err := DecodeResponse(model, body)
	if err != nil {
		return nil, err
	}
	slog.Info("detection submitted", "task_id", taskID, "model", model, "images", len(images), "results", len(results))
	return results, nil
}

// DecodeResponse parses body in the shape of the given model: a flat list for
// disease/deficiency, data.details for maturity.
func DecodeResponse(model Model, body []byte) ([]PredictionResult, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrSubmissionFailed, err)
	}
	if env.failed() {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionFailed, serverMessage(env))
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []PredictionResult{}, nil
	}

	switch model {
	case ModelMaturity:
		var md maturityData
		if err := json.Unmarshal(data, &md); err != nil {
			return nil, fmt.Errorf("%w: unexpected maturity response: %v", ErrSubmissionFailed, err)
		}
		out := make([]PredictionResult, 0, len(md.Details))
		for _, d := range md.Details {
			out = append(out, PredictionResult{
				ImageOrdinal:   d.ImageIndex,
				PredictionID:   string(d.PredictionID),
				Label:          d.Label,
				Recommendation: d.Recommendation,
				ModelUsed:      string(ModelMaturity),
			})
		}
		return out, nil
	default:
		var items []diseaseItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: unexpected disease response: %v", ErrSubmissionFailed, err)
		}
		out := make([]PredictionResult, 0, len(items))
		for _, d := range items {
			out = append(out, PredictionResult{
				ImageOrdinal:   d.ImageIndex,
				PredictionID:   string(d.PredictionID),
				Label:          d.Label,
				Recommendation: d.Recommendation,
				Confidence:     d.Confidence,
				ModelUsed:      d.ModelUsed,
			})
		}
		return out, nil
	}
}

func serverMessage(env Envelope) string {
	if m := strings.TrimSpace(env.Message); m != "" {
		return m
	}
	return "server reported status " + string(env.Status)
}

// FinalizeRequestFor builds the commit/rollback request for a submission.
func FinalizeRequestFor(taskID int64, results []PredictionResult) FinalizeRequest {
	ids := make([]ID, 0, len(results))
	for _, r := range results {
		if r.PredictionID != "" {
			ids = append(ids, ID(r.PredictionID))
		}
	}
	return FinalizeRequest{TaskID: taskID, PredictionIDs: ids}
}

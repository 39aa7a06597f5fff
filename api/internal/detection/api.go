package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"farm-bot/api/internal/farm"
)

// API is the farm API backend for detection and finalization.
type API struct {
	http  *resty.Client
	creds farm.Credentials
}

func NewAPI(http *resty.Client, creds farm.Credentials) *API {
	return &API{http: http, creds: creds}
}

func (a *API) Detect(ctx context.Context, model Model, req SubmitRequest) ([]byte, error) {
	res, err := a.post(ctx, "/api/v1/detection/{model}", model, req)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		slog.Error("detection service returned error", "model", model, "status_code", res.StatusCode(), "body", truncate(res.String(), 512))
		return nil, fmt.Errorf("%w: %s", ErrSubmissionFailed, responseMessage(res))
	}
	return res.Body(), nil
}

func (a *API) Accept(ctx context.Context, model Model, req FinalizeRequest) error {
	return a.finalize(ctx, "accept", model, req)
}

func (a *API) Discard(ctx context.Context, model Model, req FinalizeRequest) error {
	return a.finalize(ctx, "discard", model, req)
}

func (a *API) finalize(ctx context.Context, action string, model Model, req FinalizeRequest) error {
	res, err := a.post(ctx, "/api/v1/detection/{model}/"+action, model, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		slog.Error("finalization returned error", "action", action, "model", model, "status_code", res.StatusCode(), "body", truncate(res.String(), 512))
		return fmt.Errorf("detection %s: %s", action, responseMessage(res))
	}
	var env Envelope
	if err := json.Unmarshal(res.Body(), &env); err == nil && env.failed() {
		return fmt.Errorf("detection %s: %s", action, serverMessage(env))
	}
	return nil
}

func (a *API) post(ctx context.Context, path string, model Model, body any) (*resty.Response, error) {
	token, err := a.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	res, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetPathParam("model", string(model)).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("detection: request %s: %w", model, err)
	}
	return res, nil
}

// responseMessage prefers the message field of a JSON error envelope.
func responseMessage(res *resty.Response) string {
	var env Envelope
	if err := json.Unmarshal(res.Body(), &env); err == nil && env.Message != "" {
		return env.Message
	}
	return fmt.Sprintf("status %d", res.StatusCode())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

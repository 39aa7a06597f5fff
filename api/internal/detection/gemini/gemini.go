// Package gemini is a detection backend that asks a Gemini vision model to
// classify the photos and answer in the same wire shape as the farm API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/util"
)

const DefaultModel = "gemini-2.0-flash"

const retryStep = 300 * time.Millisecond

type Backend struct {
	APIKey string
	Model  string
}

func New(apiKey, model string) *Backend {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Backend{APIKey: strings.TrimSpace(apiKey), Model: model}
}

// Detect returns a farm API style envelope whose data is the model's answer.
func (b *Backend) Detect(ctx context.Context, model detection.Model, req detection.SubmitRequest) ([]byte, error) {
	if b.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	parts, err := requestParts(req)
	if err != nil {
		return nil, err
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(b.APIKey))
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	m := cl.GenerativeModel(b.Model)
	if m == nil {
		return nil, fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt(model))}}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			lastErr = err
			slog.Warn("gemini request failed", "attempt", attempt, "model", model, "error", err)
			if err := backoff(ctx, time.Duration(attempt)*retryStep); err != nil {
				return nil, errors.Join(err, lastErr)
			}
			continue
		}
		txt := firstText(resp)
		if txt == "" {
			return nil, fmt.Errorf("gemini detect: empty response")
		}
		return wrapEnvelope(model, util.StripCodeFences(txt))
	}
	return nil, lastErr
}

// backoff waits d or until ctx is done.
func backoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Accept keeps the predictions. They were produced here and never stored by
// the farm API, so there is nothing to commit remotely.
func (b *Backend) Accept(_ context.Context, model detection.Model, req detection.FinalizeRequest) error {
	slog.Info("gemini predictions accepted locally", "task_id", req.TaskID, "model", model, "predictions", len(req.PredictionIDs))
	return nil
}

// Discard drops the predictions locally.
func (b *Backend) Discard(_ context.Context, model detection.Model, req detection.FinalizeRequest) error {
	slog.Info("gemini predictions discarded locally", "task_id", req.TaskID, "model", model, "predictions", len(req.PredictionIDs))
	return nil
}

func requestParts(req detection.SubmitRequest) ([]genai.Part, error) {
	parts := []genai.Part{
		genai.Text(fmt.Sprintf("Tarea %d. Se adjuntan %d fotos en orden; la primera es la imagen 1. Responde solo JSON.", req.TaskID, len(req.Images))),
	}
	for i, img := range req.Images {
		data, hint, err := util.DecodeBase64MaybeDataURL(img.ImageEncoded)
		if err != nil {
			return nil, fmt.Errorf("gemini detect: image %d: bad base64: %w", i+1, err)
		}
		parts = append(parts,
			genai.Text(fmt.Sprintf("Imagen %d:", i+1)),
			&genai.Blob{MIMEType: util.PickMIME("", hint, data), Data: data},
		)
	}
	return parts, nil
}

func systemPrompt(model detection.Model) string {
	const common = `Eres un agrónomo especialista en café. Analiza cada foto de la plantación por separado.
Para cada imagen devuelve un objeto con:
- "imageIndex": posición de la imagen (1 para la primera),
- "label": diagnóstico breve,
- "recommendation": acción recomendada para el caficultor, en español.
No inventes imágenes; si una foto no se puede evaluar, usa label "No evaluable".
`
	switch model {
	case detection.ModelMaturity:
		return common + `Evalúa el estado de maduración de los frutos (Verde, Pintón, Maduro, Sobremaduro, Seco).
Responde SOLO con JSON: {"details":[{"imageIndex":1,"label":"...","recommendation":"..."}]}`
	default:
		return common + `Detecta enfermedades (roya, broca, ojo de gallo, antracnosis) o deficiencias nutricionales; si la planta está sana usa label "Sano".
Añade "confidence" entre 0 y 1.
Responde SOLO con JSON: [{"imageIndex":1,"label":"...","recommendation":"...","confidence":0.9}]`
	}
}

// wrapEnvelope validates the model output against the expected shape, assigns
// prediction ids and wraps it the way the farm API does.
func wrapEnvelope(model detection.Model, txt string) ([]byte, error) {
	type item struct {
		PredictionID   string   `json:"predictionId"`
		ImageIndex     int      `json:"imageIndex"`
		Label          string   `json:"label"`
		Recommendation string   `json:"recommendation"`
		ModelUsed      string   `json:"modelUsed,omitempty"`
		Confidence     *float64 `json:"confidence,omitempty"`
	}
	var items []item
	raw := []byte(txt)

	switch model {
	case detection.ModelMaturity:
		var d struct {
			Details []item `json:"details"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			// some answers drop the wrapper object
			if err2 := json.Unmarshal(raw, &items); err2 != nil {
				return nil, fmt.Errorf("gemini detect: bad JSON: %w", err)
			}
		} else {
			items = d.Details
		}
	default:
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("gemini detect: bad JSON: %w", err)
		}
	}

	for i := range items {
		items[i].PredictionID = fmt.Sprintf("gemini-%d", i+1)
		if model != detection.ModelMaturity {
			items[i].ModelUsed = "gemini"
		} else {
			items[i].Confidence = nil
		}
	}

	var data any = items
	if model == detection.ModelMaturity {
		data = map[string]any{"details": items}
	}
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(map[string]any{
		"status":  "success",
		"message": "gemini",
		"data":    data,
	})
	return buf.Bytes(), err
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }

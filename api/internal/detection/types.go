package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Model is the remote detection model a submission is routed to.
type Model string

const (
	ModelDisease  Model = "disease-deficiency"
	ModelMaturity Model = "maturity"
)

// ParseModel accepts the names used in configuration files.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disease", "deficiency", "disease-deficiency", "salud":
		return ModelDisease, nil
	case "maturity", "maduracion", "maduración":
		return ModelMaturity, nil
	default:
		return "", fmt.Errorf("detection: unknown model %q", s)
	}
}

// ImagePayload is one encoded image of a submission.
type ImagePayload struct {
	ImageEncoded string `json:"imageEncoded"`
}

// SubmitRequest is the body of a detection submission. Images keep the
// order in which they were attached to the task.
type SubmitRequest struct {
	TaskID int64          `json:"taskId"`
	Images []ImagePayload `json:"images"`
}

// Envelope is the generic response wrapper of the farm API.
type Envelope struct {
	Status  ID              `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) failed() bool {
	switch strings.ToLower(string(e.Status)) {
	case "error", "fail", "failed", "false":
		return true
	}
	return false
}

// diseaseItem is one entry of the flat disease/deficiency response.
type diseaseItem struct {
	PredictionID   ID       `json:"predictionId"`
	ImageIndex     int      `json:"imageIndex"`
	Label          string   `json:"label"`
	Recommendation string   `json:"recommendation"`
	ModelUsed      string   `json:"modelUsed"`
	Confidence     *float64 `json:"confidence"`
}

// maturityData is the nested maturity response data.
type maturityData struct {
	Details []maturityItem `json:"details"`
}

type maturityItem struct {
	PredictionID   ID     `json:"predictionId"`
	ImageIndex     int    `json:"imageIndex"`
	Label          string `json:"label"`
	Recommendation string `json:"recommendation"`
}

// PredictionResult is one normalized detection outcome. ImageOrdinal is the
// 1-based position of the image in the submitted batch.
type PredictionResult struct {
	ImageOrdinal   int
	PredictionID   string
	Label          string
	Recommendation string
	Confidence     *float64
	ModelUsed      string
}

// FinalizeRequest commits or rolls back the predictions of one submission.
type FinalizeRequest struct {
	TaskID        int64 `json:"taskId"`
	PredictionIDs []ID  `json:"predictionIds"`
}

// ID is an identifier the server may send either as a JSON number or string.
// It is written back the way it looks: digits as a number, anything else as a
// string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var v bool
		if err2 := json.Unmarshal(b, &v); err2 == nil {
			*id = ID(strconv.FormatBool(v))
			return nil
		}
		return fmt.Errorf("detection: id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return []byte(s), nil
		}
	}
	return json.Marshal(s)
}

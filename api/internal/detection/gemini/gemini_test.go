package gemini

import (
	"context"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farm-bot/api/internal/detection"
)

func TestWrapEnvelopeDisease(t *testing.T) {
	body, err := wrapEnvelope(detection.ModelDisease, `[{"imageIndex":1,"label":"Roya","recommendation":"Fungicida","confidence":0.8},{"imageIndex":2,"label":"Sano","recommendation":""}]`)
	require.NoError(t, err)

	res, err := detection.DecodeResponse(detection.ModelDisease, body)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "gemini-1", res[0].PredictionID)
	assert.Equal(t, "Roya", res[0].Label)
	assert.Equal(t, "gemini", res[1].ModelUsed)
	assert.Equal(t, 2, res[1].ImageOrdinal)
}

func TestWrapEnvelopeMaturity(t *testing.T) {
	for _, txt := range []string{
		`{"details":[{"imageIndex":1,"label":"Maduro","recommendation":"Cosechar"}]}`,
		`[{"imageIndex":1,"label":"Maduro","recommendation":"Cosechar"}]`,
	} {
		body, err := wrapEnvelope(detection.ModelMaturity, txt)
		require.NoError(t, err)
		res, err := detection.DecodeResponse(detection.ModelMaturity, body)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "Maduro", res[0].Label)
	}
}

func TestWrapEnvelopeRejectsProse(t *testing.T) {
	_, err := wrapEnvelope(detection.ModelDisease, "La planta tiene roya.")
	assert.ErrorContains(t, err, "bad JSON")
}

func TestRequestPartsKeepOrder(t *testing.T) {
	parts, err := requestParts(detection.SubmitRequest{TaskID: 3, Images: []detection.ImagePayload{
		{ImageEncoded: "/9j/AA=="}, {ImageEncoded: "iVBORw0KGgo="},
	}})
	require.NoError(t, err)
	require.Len(t, parts, 5)
	first, ok := parts[2].(*genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", first.MIMEType)
	assert.Equal(t, genai.Text("Imagen 2:"), parts[3])

	_, err = requestParts(detection.SubmitRequest{Images: []detection.ImagePayload{{ImageEncoded: "%%%"}}})
	assert.ErrorContains(t, err, "image 1")
}

func TestSystemPromptMatchesShape(t *testing.T) {
	assert.Contains(t, systemPrompt(detection.ModelMaturity), `"details"`)
	assert.Contains(t, systemPrompt(detection.ModelDisease), `"confidence"`)
}

func TestDetectNeedsKey(t *testing.T) {
	_, err := New("", "").Detect(context.Background(), detection.ModelDisease, detection.SubmitRequest{})
	assert.ErrorContains(t, err, "GEMINI_API_KEY")
	assert.Equal(t, DefaultModel, New("k", " ").Model)
}

func TestBackoffReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := backoff(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, backoff(context.Background(), time.Millisecond))
}

func TestFinalizeStaysLocal(t *testing.T) {
	b := New("key", "")
	req := detection.FinalizeRequest{TaskID: 7, PredictionIDs: []detection.ID{"gemini-1"}}
	assert.NoError(t, b.Accept(context.Background(), detection.ModelDisease, req))
	assert.NoError(t, b.Discard(context.Background(), detection.ModelMaturity, req))
}

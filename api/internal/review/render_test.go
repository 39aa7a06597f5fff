package review_test

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
)

func solid(t *testing.T, c color.Gray) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = c.Y
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func grey(t *testing.T, data []byte) uint8 {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, _, _, _ := img.At(4, 4).RGBA()
	return uint8(r >> 8)
}

func near(t *testing.T, want, got uint8) {
	t.Helper()
	assert.InDelta(t, float64(want), float64(got), 6)
}

func TestRenderPairsCardsByOrdinal(t *testing.T) {
	batch := photo.Batch{solid(t, color.Gray{Y: 20}), solid(t, color.Gray{Y: 120}), solid(t, color.Gray{Y: 230})}
	results := []detection.PredictionResult{
		{ImageOrdinal: 1, Label: "Roya"},
		{ImageOrdinal: 2, Label: "Sano"},
		{ImageOrdinal: 3, Label: "Broca"},
	}

	v := review.NewRenderer(photo.JPEG{}).Render(batch, results)
	require.Len(t, v.Cards, 3)
	assert.Empty(t, v.Grid)
	assert.Zero(t, v.Dropped)

	want := []uint8{20, 120, 230}
	for i, c := range v.Cards {
		assert.Equal(t, results[i].Label, c.Result.Label)
		assert.Equal(t, i, c.Image.Index)
		near(t, want[i], grey(t, c.Image.Data))
	}
}

func TestRenderOutOfOrderResults(t *testing.T) {
	batch := photo.Batch{solid(t, color.Gray{Y: 20}), solid(t, color.Gray{Y: 230})}
	v := review.NewRenderer(nil).Render(batch, []detection.PredictionResult{
		{ImageOrdinal: 2, Label: "Maduro"},
		{ImageOrdinal: 1, Label: "Verde"},
	})
	require.Len(t, v.Cards, 2)
	assert.Equal(t, 1, v.Cards[0].Image.Index)
	near(t, 230, grey(t, v.Cards[0].Image.Data))
}

func TestRenderEmptyResultsFallsBackToGrid(t *testing.T) {
	batch := photo.Batch{solid(t, color.Gray{Y: 50}), solid(t, color.Gray{Y: 60})}
	v := review.NewRenderer(photo.JPEG{}).Render(batch, nil)
	assert.Empty(t, v.Cards)
	require.Len(t, v.Grid, 2)
	for i, img := range v.Grid {
		assert.Equal(t, i, img.Index)
		assert.False(t, img.Placeholder)
	}
}

func TestRenderDropsMalformedOrdinals(t *testing.T) {
	batch := photo.Batch{solid(t, color.Gray{Y: 50})}
	v := review.NewRenderer(photo.JPEG{}).Render(batch, []detection.PredictionResult{
		{ImageOrdinal: 0, Label: "cero"},
		{ImageOrdinal: 1, Label: "Sano"},
		{ImageOrdinal: 2, Label: "fuera"},
		{ImageOrdinal: -4, Label: "negativo"},
	})
	require.Len(t, v.Cards, 1)
	assert.Equal(t, "Sano", v.Cards[0].Result.Label)
	assert.Equal(t, 3, v.Dropped)
}

func TestRenderDecodeFailureIsIsolated(t *testing.T) {
	batch := photo.Batch{
		solid(t, color.Gray{Y: 20}),
		base64.StdEncoding.EncodeToString([]byte("no es una imagen")),
		"%%%",
		solid(t, color.Gray{Y: 230}),
	}
	v := review.NewRenderer(photo.JPEG{}).Render(batch, []detection.PredictionResult{
		{ImageOrdinal: 1}, {ImageOrdinal: 2}, {ImageOrdinal: 3}, {ImageOrdinal: 4},
	})
	require.Len(t, v.Cards, 4)
	assert.False(t, v.Cards[0].Image.Placeholder)
	assert.True(t, v.Cards[1].Image.Placeholder)
	assert.Error(t, v.Cards[1].Image.Err)
	assert.True(t, v.Cards[2].Image.Placeholder)
	assert.False(t, v.Cards[3].Image.Placeholder)
	near(t, 20, grey(t, v.Cards[0].Image.Data))
	near(t, 230, grey(t, v.Cards[3].Image.Data))
	assert.Equal(t, review.Placeholder(), v.Cards[1].Image.Data)
}

func TestSessionFinalizeRequestAndClear(t *testing.T) {
	s := &review.Session{TaskID: 7, Batch: photo.Batch{"QQ=="}, Results: []detection.PredictionResult{
		{PredictionID: "1"}, {PredictionID: "2"},
	}}
	req := s.FinalizeRequest()
	assert.Equal(t, int64(7), req.TaskID)
	assert.Equal(t, []detection.ID{"1", "2"}, req.PredictionIDs)

	assert.False(t, s.Cleared())
	s.Clear()
	assert.True(t, s.Cleared())
	assert.Nil(t, s.Batch)
	assert.Nil(t, s.Results)
}

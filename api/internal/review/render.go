package review

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/photo"
)

// Image is one decoded batch entry ready to display. Index is 0-based.
type Image struct {
	Index       int
	Data        []byte
	Placeholder bool
	Err         error
}

// Card pairs one prediction with the image it refers to.
type Card struct {
	Result detection.PredictionResult
	Image  Image
}

// View is either a list of cards or, when the service returned nothing, a
// plain grid of the submitted images.
type View struct {
	Cards   []Card
	Grid    []Image
	Dropped int
}

type Renderer struct {
	codec photo.Codec
}

func NewRenderer(codec photo.Codec) *Renderer {
	if codec == nil {
		codec = photo.JPEG{}
	}
	return &Renderer{codec: codec}
}

// Render decodes every entry on its own so one bad image only costs its own
// slot.
func (r *Renderer) Render(batch photo.Batch, results []detection.PredictionResult) View {
	images := make([]Image, len(batch))
	for i, entry := range batch {
		images[i] = r.decode(i, entry)
	}

	if len(results) == 0 {
		return View{Grid: images}
	}

	var v View
	for _, res := range results {
		k := res.ImageOrdinal
		if k < 1 || k > len(images) {
			slog.Warn("dropping prediction for unknown image", "ordinal", k, "batch", len(images), "prediction_id", res.PredictionID)
			v.Dropped++
			continue
		}
		v.Cards = append(v.Cards, Card{Result: res, Image: images[k-1]})
	}
	return v
}

func (r *Renderer) decode(i int, entry string) Image {
	img, err := photo.DecodeEntry(r.codec, entry)
	if err != nil {
		slog.Warn("unable to decode submitted image", "index", i, "error", err)
		return Image{Index: i, Data: Placeholder(), Placeholder: true, Err: err}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return Image{Index: i, Data: Placeholder(), Placeholder: true, Err: err}
	}
	return Image{Index: i, Data: buf.Bytes()}
}

var (
	placeholderOnce sync.Once
	placeholderJPEG []byte
)

// Placeholder is a small grey JPEG shown in place of an unreadable image.
func Placeholder() []byte {
	placeholderOnce.Do(func() {
		img := image.NewGray(image.Rect(0, 0, 64, 64))
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				c := uint8(0xC8)
				if x == y || x == 63-y {
					c = 0x80
				}
				img.SetGray(x, y, color.Gray{Y: c})
			}
		}
		var buf bytes.Buffer
		_ = jpeg.Encode(&buf, img, nil)
		placeholderJPEG = buf.Bytes()
	})
	return placeholderJPEG
}

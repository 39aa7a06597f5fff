package photo

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	"farm-bot/api/internal/util"
)

// Batch is the submission-ready form of a task's pending photos: one base64
// payload per photo, in insertion order.
type Batch []string

// Codec turns raw acquired bytes into the compact representation sent to the
// detection service, and back into an image for display.
type Codec interface {
	Encode(raw []byte) ([]byte, error)
	Decode(data []byte) (image.Image, error)
}

// JPEG re-encodes photos as JPEG, scaling them down when they exceed MaxPixels.
// Bytes it cannot decode are passed through unchanged.
type JPEG struct {
	Quality   int
	MaxPixels int
}

func (c JPEG) Encode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("photo: empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw, nil
	}

	b := img.Bounds()
	if total := b.Dx() * b.Dy(); c.MaxPixels > 0 && total > c.MaxPixels {
		scale := math.Sqrt(float64(c.MaxPixels) / float64(total))
		newW := max(int(float64(b.Dx())*scale+0.5), 1)
		newH := max(int(float64(b.Dy())*scale+0.5), 1)
		img = scaleDownNN(img, newW, newH)
	}

	q := c.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (JPEG) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func scaleDownNN(src image.Image, newW, newH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	sb := src.Bounds()
	srcW := sb.Dx()
	srcH := sb.Dy()
	for y := 0; y < newH; y++ {
		sy := sb.Min.Y + (y*srcH)/newH
		for x := 0; x < newW; x++ {
			sx := sb.Min.X + (x*srcW)/newW
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// EncodeBatch reads and encodes photos in order; batch[i] always encodes
// photos[i].
func EncodeBatch(c Codec, photos []Pending) (Batch, error) {
	out := make(Batch, 0, len(photos))
	for _, p := range photos {
		raw, err := p.Handle.Bytes()
		if err != nil {
			return nil, fmt.Errorf("photo %d: read: %w", p.Ordinal+1, err)
		}
		enc, err := c.Encode(raw)
		if err != nil {
			return nil, fmt.Errorf("photo %d: encode: %w", p.Ordinal+1, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(enc))
	}
	return out, nil
}

// DecodeEntry turns one batch entry back into an image.
func DecodeEntry(c Codec, entry string) (image.Image, error) {
	raw, _, err := util.DecodeBase64MaybeDataURL(entry)
	if err != nil {
		return nil, fmt.Errorf("photo: bad base64: %w", err)
	}
	return c.Decode(raw)
}

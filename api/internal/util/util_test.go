package util

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffMimeHTTP(t *testing.T) {
	assert.Equal(t, "image/jpeg", SniffMimeHTTP([]byte{0xFF, 0xD8, 0xFF}))
	assert.Equal(t, "image/png", SniffMimeHTTP([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}))
	assert.Equal(t, "application/octet-stream", SniffMimeHTTP([]byte("hola")))
}

func TestDecodeBase64MaybeDataURL(t *testing.T) {
	raw := []byte{0xFF, 0xD8, 0x01, 0x02}
	enc := base64.StdEncoding.EncodeToString(raw)

	b, mime, err := DecodeBase64MaybeDataURL(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, b)
	assert.Empty(t, mime)

	b, mime, err = DecodeBase64MaybeDataURL("data:image/jpeg;base64," + enc)
	require.NoError(t, err)
	assert.Equal(t, raw, b)
	assert.Equal(t, "image/jpeg", mime)

	_, _, err = DecodeBase64MaybeDataURL("%%% not base64 %%%")
	assert.Error(t, err)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFences(`{"a":1}`))
}

func TestPickMIME(t *testing.T) {
	assert.Equal(t, "image/webp", PickMIME(" image/webp ", "image/png", nil))
	assert.Equal(t, "image/png", PickMIME("", "image/png", []byte{0xFF, 0xD8}))
	assert.Equal(t, "image/jpeg", PickMIME("", "", []byte{0xFF, 0xD8, 0xFF}))
	assert.Equal(t, "text/plain; charset=utf-8", PickMIME("", "", []byte("hola")))
	assert.Equal(t, "image/jpeg", PickMIME("", "", nil))
}

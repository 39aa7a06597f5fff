// Package handoff carries the finalized photo batch of a task from the capture
// screen to the review screen.
package handoff

import (
	"errors"
	"sync"

	"farm-bot/api/internal/photo"
)

var (
	ErrAlreadyPublished = errors.New("handoff: a batch is already published")
	ErrNotPublished     = errors.New("handoff: nothing published")
)

type Payload struct {
	TaskID    int64
	TaskName  string
	TypeLabel string
	Images    photo.Batch
}

// Handoff holds at most one payload between Publish and Clear.
type Handoff struct {
	mu      sync.Mutex
	payload *Payload
}

// Publish sets the shared state before the review screen is shown.
func (h *Handoff) Publish(taskID int64, taskName, typeLabel string, images photo.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.payload != nil {
		return ErrAlreadyPublished
	}
	h.payload = &Payload{
		TaskID:    taskID,
		TaskName:  taskName,
		TypeLabel: typeLabel,
		Images:    append(photo.Batch(nil), images...),
	}
	return nil
}

// Consume reads the published payload. It does not clear it.
func (h *Handoff) Consume() (Payload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.payload == nil {
		return Payload{}, ErrNotPublished
	}
	p := *h.payload
	p.Images = append(photo.Batch(nil), h.payload.Images...)
	return p, nil
}

// Clear ends the flow. Only the first call after a Publish succeeds.
func (h *Handoff) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.payload == nil {
		return ErrNotPublished
	}
	h.payload = nil
	return nil
}

func (h *Handoff) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payload != nil
}

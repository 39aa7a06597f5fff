// Package acquire feeds a task's photo store from the two acquisition
// sources: a single camera capture and a bulk import of already selected
// images.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"farm-bot/api/internal/photo"
)

var (
	ErrPermissionDenied  = errors.New("acquire: camera permission denied")
	ErrAcquisitionFailed = errors.New("acquire: no image acquired")
	// ErrStaleTicket is returned for a capture that completed after it was
	// abandoned; the result is dropped.
	ErrStaleTicket = errors.New("acquire: capture is no longer active")
)

// Ticket correlates a started capture with its completion. The caller holds it
// and hands it back; nothing about the in-flight capture lives anywhere else.
type Ticket struct {
	ID        uuid.UUID
	TaskID    int64
	StartedAt time.Time
}

// Target is the scoped temporary storage a camera writes one image into.
type Target struct {
	Path string
}

// Camera is the external capture capability. Capture blocks until the image
// has been written to target or the user gave up.
type Camera interface {
	Capture(ctx context.Context, target Target) error
}

// Poster runs f on the owner's sequential context.
type Poster func(f func())

type Controller struct {
	photos *photo.Store
	dir    string

	mu     sync.Mutex
	active map[uuid.UUID]inflight
}

type inflight struct {
	ticket Ticket
	target Target
}

// New returns a controller writing captures to dir (os.TempDir when empty).
func New(photos *photo.Store, dir string) *Controller {
	return &Controller{photos: photos, dir: dir, active: make(map[uuid.UUID]inflight)}
}

func (c *Controller) Photos() *photo.Store { return c.photos }

// NewTarget allocates an empty temp file for one image of the task.
func (c *Controller) NewTarget(taskID int64) (Target, error) {
	f, err := os.CreateTemp(c.dir, fmt.Sprintf("task-%d-*.img", taskID))
	if err != nil {
		return Target{}, fmt.Errorf("acquire: allocate target: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return Target{}, fmt.Errorf("acquire: allocate target: %w", err)
	}
	return Target{Path: path}, nil
}

// StartCapture checks capacity and records a new in-flight capture.
func (c *Controller) StartCapture(taskID int64) (Ticket, Target, error) {
	if c.photos.Remaining(taskID) <= 0 {
		return Ticket{}, Target{}, photo.ErrCapacityExceeded
	}
	target, err := c.NewTarget(taskID)
	if err != nil {
		return Ticket{}, Target{}, err
	}
	t := Ticket{ID: uuid.New(), TaskID: taskID, StartedAt: time.Now()}

	c.mu.Lock()
	c.active[t.ID] = inflight{ticket: t, target: target}
	c.mu.Unlock()
	return t, target, nil
}

// CompleteCapture applies the camera outcome for t. Capacity is checked again
// here because imports may have filled the task while the camera was open.
func (c *Controller) CompleteCapture(t Ticket, camErr error) (photo.Pending, error) {
	c.mu.Lock()
	cur, ok := c.active[t.ID]
	delete(c.active, t.ID)
	c.mu.Unlock()
	if !ok {
		return photo.Pending{}, ErrStaleTicket
	}

	h := photo.File{Path: cur.target.Path, Temp: true}
	if camErr != nil {
		release(h)
		if errors.Is(camErr, ErrPermissionDenied) {
			return photo.Pending{}, camErr
		}
		return photo.Pending{}, fmt.Errorf("%w: %v", ErrAcquisitionFailed, camErr)
	}
	if st, err := os.Stat(h.Path); err != nil || st.Size() == 0 {
		release(h)
		return photo.Pending{}, fmt.Errorf("%w: camera returned no data", ErrAcquisitionFailed)
	}

	p, err := c.photos.Add(t.TaskID, h)
	if err != nil {
		release(h)
		return photo.Pending{}, err
	}
	return p, nil
}

// RunCapture starts a capture, runs the camera off the caller's context and
// posts the completion back through post. done runs on the caller's context.
func (c *Controller) RunCapture(ctx context.Context, taskID int64, cam Camera, post Poster, done func(Ticket, photo.Pending, error)) (Ticket, error) {
	t, target, err := c.StartCapture(taskID)
	if err != nil {
		return Ticket{}, err
	}
	go func() {
		camErr := cam.Capture(ctx, target)
		post(func() {
			p, err := c.CompleteCapture(t, camErr)
			done(t, p, err)
		})
	}()
	return t, nil
}

// Abandon forgets every in-flight capture of the task. Their completions will
// be reported as stale.
func (c *Controller) Abandon(taskID int64) int {
	c.mu.Lock()
	var dropped []inflight
	for id, f := range c.active {
		if f.ticket.TaskID == taskID {
			dropped = append(dropped, f)
			delete(c.active, id)
		}
	}
	c.mu.Unlock()

	for _, f := range dropped {
		release(photo.File{Path: f.target.Path, Temp: true})
	}
	return len(dropped)
}

func (c *Controller) InFlight(taskID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.active {
		if f.ticket.TaskID == taskID {
			n++
		}
	}
	return n
}

type ImportResult struct {
	Added        []photo.Pending
	Dropped      int
	LimitReached bool
}

// Import adds items in selection order until the task is full. The rest are
// released and counted as dropped; a partial import is not an error.
func (c *Controller) Import(taskID int64, items []photo.Handle) (ImportResult, error) {
	if len(items) == 0 {
		return ImportResult{}, ErrAcquisitionFailed
	}
	if c.photos.Remaining(taskID) <= 0 {
		for _, h := range items {
			release(h)
		}
		return ImportResult{Dropped: len(items), LimitReached: true}, photo.ErrCapacityExceeded
	}

	var res ImportResult
	for i, h := range items {
		p, err := c.photos.Add(taskID, h)
		if err != nil {
			for _, rest := range items[i:] {
				release(rest)
			}
			res.Dropped = len(items) - i
			res.LimitReached = true
			break
		}
		res.Added = append(res.Added, p)
	}
	return res, nil
}

func release(h photo.Handle) {
	if err := h.Release(); err != nil {
		slog.Warn("unable to release acquired image", "error", err)
	}
}

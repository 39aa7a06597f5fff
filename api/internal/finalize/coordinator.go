// Package finalize commits or rolls back the predictions of a reviewed
// submission and tears the review state down once the server agreed.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/handoff"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
)

type Action int

const (
	Accept Action = iota + 1
	Discard
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Discard:
		return "discard"
	}
	return "unknown"
}

type State int

const (
	Idle State = iota
	Pending
	Committed
	Discarded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

var (
	ErrBusy               = errors.New("finalize: a request is already in flight")
	ErrFinished           = errors.New("finalize: submission already finalized")
	ErrNotPending         = errors.New("finalize: no request in flight")
	ErrFinalizationFailed = errors.New("finalize: request failed")
)

// Finalizer is the remote commit/rollback capability.
type Finalizer interface {
	Accept(ctx context.Context, model detection.Model, req detection.FinalizeRequest) error
	Discard(ctx context.Context, model detection.Model, req detection.FinalizeRequest) error
}

// Navigator returns the user to the task list, past capture and review.
type Navigator interface {
	ReturnToTasks(taskID int64)
}

// Journal records terminal outcomes of journaled runs. Failures to record are
// logged only.
type Journal interface {
	RecordOutcome(ctx context.Context, runID int64, action string, predictionIDs []detection.ID) error
}

type Coordinator struct {
	session   *review.Session
	handoff   *handoff.Handoff
	photos    *photo.Store
	finalizer Finalizer
	nav       Navigator
	journal   Journal

	mu      sync.Mutex
	state   State
	pending Action
}

// New builds a coordinator for one review session. journal may be nil.
func New(session *review.Session, h *handoff.Handoff, photos *photo.Store, f Finalizer, nav Navigator, journal Journal) *Coordinator {
	return &Coordinator{session: session, handoff: h, photos: photos, finalizer: f, nav: nav, journal: journal}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether Accept and Discard may be offered.
func (c *Coordinator) Enabled() bool { return c.State() == Idle }

// Begin moves Idle to Pending. Anything else is refused and no request may be
// sent.
func (c *Coordinator) Begin(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Pending:
		return ErrBusy
	case Committed, Discarded:
		return ErrFinished
	}
	c.state = Pending
	c.pending = a
	return nil
}

// Complete applies the outcome of the request started by Begin.
func (c *Coordinator) Complete(a Action, reqErr error) error {
	c.mu.Lock()
	if c.state != Pending || c.pending != a {
		c.mu.Unlock()
		return ErrNotPending
	}
	if reqErr != nil {
		c.state = Idle
		c.pending = 0
		c.mu.Unlock()
		slog.Error("finalization failed", "task_id", c.session.TaskID, "action", a, "error", reqErr)
		return fmt.Errorf("%w: %s: %v", ErrFinalizationFailed, a, reqErr)
	}
	if a == Accept {
		c.state = Committed
	} else {
		c.state = Discarded
	}
	c.pending = 0
	c.mu.Unlock()

	taskID := c.session.TaskID
	ids := c.session.FinalizeRequest().PredictionIDs
	if err := c.handoff.Clear(); err != nil {
		slog.Error("handoff clear after finalization", "task_id", taskID, "error", err)
	}
	n := c.photos.Clear(taskID)
	if runID := c.session.RunID; c.journal != nil && c.session.Submitted && runID != 0 {
		if err := c.journal.RecordOutcome(context.Background(), runID, a.String(), ids); err != nil {
			slog.Warn("unable to record finalization outcome", "task_id", taskID, "run_id", runID, "error", err)
		}
	}
	c.session.Clear()
	slog.Info("submission finalized", "task_id", taskID, "action", a, "photos_cleared", n, "predictions", len(ids))
	c.nav.ReturnToTasks(taskID)
	return nil
}

// Run sends the request and completes it on the calling goroutine.
func (c *Coordinator) Run(ctx context.Context, a Action) error {
	if err := c.Begin(a); err != nil {
		return err
	}
	return c.Complete(a, c.send(ctx, a))
}

// Start sends the request off the caller's context and posts Complete back
// through post. done receives Complete's result.
func (c *Coordinator) Start(ctx context.Context, a Action, post func(func()), done func(error)) error {
	if err := c.Begin(a); err != nil {
		return err
	}
	go func() {
		reqErr := c.send(ctx, a)
		post(func() { done(c.Complete(a, reqErr)) })
	}()
	return nil
}

func (c *Coordinator) send(ctx context.Context, a Action) error {
	req := c.session.FinalizeRequest()
	if a == Accept {
		return c.finalizer.Accept(ctx, c.session.Model, req)
	}
	return c.finalizer.Discard(ctx, c.session.Model, req)
}

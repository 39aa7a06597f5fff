// Package review holds the state of a review screen and turns a submitted
// batch plus its predictions into something a surface can show.
package review

import (
	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/photo"
)

// Session is everything the review screen knows about one submission. It is
// filled from the hand-off on arrival and cleared after a terminal outcome.
type Session struct {
	TaskID    int64
	TaskName  string
	TypeLabel string
	Model     detection.Model
	Batch     photo.Batch
	Results   []detection.PredictionResult
	// SubmitErr is the last submission failure, kept so the screen can offer a
	// retry with the same batch.
	SubmitErr error
	Submitted bool
	// RunID is the journal row of the successful submission, 0 when none.
	RunID int64

	cleared bool
}

func (s *Session) FinalizeRequest() detection.FinalizeRequest {
	return detection.FinalizeRequestFor(s.TaskID, s.Results)
}

// Clear drops the batch and results.
func (s *Session) Clear() {
	s.Batch = nil
	s.Results = nil
	s.SubmitErr = nil
	s.cleared = true
}

func (s *Session) Cleared() bool { return s.cleared }

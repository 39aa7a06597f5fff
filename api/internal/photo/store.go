package photo

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// MaxPerTask is the number of photos a single cultural-work task may hold
// before submission.
const MaxPerTask = 10

var ErrCapacityExceeded = errors.New("photo: task photo limit reached")

// Handle is an opaque reference to the raw bytes of one acquired image.
type Handle interface {
	Bytes() ([]byte, error)
	Release() error
}

// File is a handle backed by a file on disk. Temp files are removed on Release;
// user files are left alone.
type File struct {
	Path string
	Temp bool
}

func (f File) Bytes() ([]byte, error) { return os.ReadFile(f.Path) }

func (f File) Release() error {
	if !f.Temp || f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Memory is an in-memory handle.
type Memory []byte

func (m Memory) Bytes() ([]byte, error) { return []byte(m), nil }
func (Memory) Release() error           { return nil }

// Pending is one acquired, not yet submitted photo of a task.
type Pending struct {
	TaskID  int64
	Handle  Handle
	Ordinal int // 0-based insertion position
}

// Store keeps the pending photos of every task in insertion order.
type Store struct {
	mu    sync.Mutex
	limit int
	tasks map[int64][]Pending
}

func NewStore() *Store {
	return &Store{limit: MaxPerTask, tasks: make(map[int64][]Pending)}
}

// Add appends h to the task. The capacity check and the append happen under
// one lock, so two callers can never both take the last slot.
func (s *Store) Add(taskID int64, h Handle) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.tasks[taskID]
	if len(cur) >= s.limit {
		return Pending{}, ErrCapacityExceeded
	}
	p := Pending{TaskID: taskID, Handle: h, Ordinal: len(cur)}
	s.tasks[taskID] = append(cur, p)
	return p, nil
}

func (s *Store) Count(taskID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[taskID])
}

func (s *Store) Remaining(taskID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - len(s.tasks[taskID])
}

// Snapshot returns a copy of the task's photos in insertion order.
func (s *Store) Snapshot(taskID int64) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pending(nil), s.tasks[taskID]...)
}

// Clear drops every photo of the task and releases their handles.
func (s *Store) Clear(taskID int64) int {
	s.mu.Lock()
	cur := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()

	for _, p := range cur {
		if err := p.Handle.Release(); err != nil {
			slog.Warn("unable to release photo", "task_id", taskID, "ordinal", p.Ordinal, "error", err)
		}
	}
	return len(cur)
}

package acquire_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farm-bot/api/internal/acquire"
	"farm-bot/api/internal/photo"
)

type fakeCamera struct {
	data []byte
	err  error
}

func (c fakeCamera) Capture(ctx context.Context, target acquire.Target) error {
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(target.Path, c.data, 0o600)
}

const timeout = 2 * time.Second

func syncPost(f func()) { f() }

func handles(n int) []photo.Handle {
	out := make([]photo.Handle, n)
	for i := range out {
		out[i] = photo.Memory{byte(i)}
	}
	return out
}

func TestImportAddsMinOfBatchAndRemaining(t *testing.T) {
	for _, current := range []int{0, 3, 9, 10} {
		for _, batch := range []int{1, 5, 7, 10, 12} {
			t.Run(fmt.Sprintf("c=%d,b=%d", current, batch), func(t *testing.T) {
				store := photo.NewStore()
				for i := 0; i < current; i++ {
					_, err := store.Add(1, photo.Memory{0xAA})
					require.NoError(t, err)
				}
				ctrl := acquire.New(store, t.TempDir())

				res, err := ctrl.Import(1, handles(batch))
				free := photo.MaxPerTask - current
				want := min(batch, free)

				if free == 0 {
					assert.ErrorIs(t, err, photo.ErrCapacityExceeded)
				} else {
					assert.NoError(t, err)
				}
				assert.Len(t, res.Added, want)
				assert.Equal(t, batch-want, res.Dropped)
				assert.Equal(t, batch > free, res.LimitReached)
				assert.Equal(t, current+want, store.Count(1))

				snap := store.Snapshot(1)
				for i := 0; i < want; i++ {
					b, _ := snap[current+i].Handle.Bytes()
					assert.Equal(t, []byte{byte(i)}, b, "selection order kept")
				}
			})
		}
	}
}

func TestImportTwelveIntoEmptyStore(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	res, err := ctrl.Import(1, handles(12))
	require.NoError(t, err)
	assert.Len(t, res.Added, 10)
	assert.Equal(t, 2, res.Dropped)
	assert.True(t, res.LimitReached)
	for i, p := range res.Added {
		assert.Equal(t, i, p.Ordinal)
	}
}

func TestImportEmptySelection(t *testing.T) {
	ctrl := acquire.New(photo.NewStore(), t.TempDir())
	_, err := ctrl.Import(1, nil)
	assert.ErrorIs(t, err, acquire.ErrAcquisitionFailed)
}

func TestCaptureSuccess(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	type outcome struct {
		ticket acquire.Ticket
		photo  photo.Pending
		err    error
	}
	done := make(chan outcome, 1)
	ticket, err := ctrl.RunCapture(context.Background(), 4, fakeCamera{data: []byte{1, 2, 3}}, syncPost,
		func(tk acquire.Ticket, p photo.Pending, err error) {
			done <- outcome{tk, p, err}
		})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ticket.TaskID)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(timeout):
		t.Fatal("capture never completed")
	}
	require.NoError(t, got.err)
	assert.Equal(t, ticket.ID, got.ticket.ID)
	assert.Equal(t, 0, got.photo.Ordinal)
	assert.Equal(t, 1, store.Count(4))
	b, err := got.photo.Handle.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestCaptureFailureLeavesStoreUntouched(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	ticket, target, err := ctrl.StartCapture(1)
	require.NoError(t, err)

	_, err = ctrl.CompleteCapture(ticket, errors.New("user cancelled"))
	assert.ErrorIs(t, err, acquire.ErrAcquisitionFailed)
	assert.Equal(t, 0, store.Count(1))

	_, statErr := os.Stat(target.Path)
	assert.True(t, os.IsNotExist(statErr), "target removed")
}

func TestCaptureEmptyTargetIsFailure(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	ticket, _, err := ctrl.StartCapture(1)
	require.NoError(t, err)
	_, err = ctrl.CompleteCapture(ticket, nil)
	assert.ErrorIs(t, err, acquire.ErrAcquisitionFailed)
	assert.Equal(t, 0, store.Count(1))
}

func TestCapturePermissionDeniedIsDistinct(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	ticket, _, err := ctrl.StartCapture(1)
	require.NoError(t, err)
	_, err = ctrl.CompleteCapture(ticket, fmt.Errorf("telegram: %w", acquire.ErrPermissionDenied))
	assert.ErrorIs(t, err, acquire.ErrPermissionDenied)
	assert.NotErrorIs(t, err, acquire.ErrAcquisitionFailed)
}

func TestCaptureGatedAtStartAndRecheckedAtCommit(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	_, err := store.Add(1, photo.Memory{0})
	require.NoError(t, err)
	ticket, target, err := ctrl.StartCapture(1)
	require.NoError(t, err)

	// the task fills up while the camera is open
	_, err = ctrl.Import(1, handles(9))
	require.NoError(t, err)
	require.Equal(t, photo.MaxPerTask, store.Count(1))

	require.NoError(t, os.WriteFile(target.Path, []byte{9}, 0o600))
	_, err = ctrl.CompleteCapture(ticket, nil)
	assert.ErrorIs(t, err, photo.ErrCapacityExceeded)
	assert.Equal(t, photo.MaxPerTask, store.Count(1))

	_, _, err = ctrl.StartCapture(1)
	assert.ErrorIs(t, err, photo.ErrCapacityExceeded)
}

func TestAbandonedCaptureIsIgnored(t *testing.T) {
	store := photo.NewStore()
	ctrl := acquire.New(store, t.TempDir())

	ticket, target, err := ctrl.StartCapture(1)
	require.NoError(t, err)
	assert.Equal(t, 1, ctrl.InFlight(1))

	assert.Equal(t, 1, ctrl.Abandon(1))
	assert.Equal(t, 0, ctrl.InFlight(1))

	_ = os.WriteFile(target.Path, []byte{1}, 0o600)
	_, err = ctrl.CompleteCapture(ticket, nil)
	assert.ErrorIs(t, err, acquire.ErrStaleTicket)
	assert.Equal(t, 0, store.Count(1))

	// a ticket can only be completed once
	ticket2, target2, err := ctrl.StartCapture(1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target2.Path, []byte{1}, 0o600))
	_, err = ctrl.CompleteCapture(ticket2, nil)
	require.NoError(t, err)
	_, err = ctrl.CompleteCapture(ticket2, nil)
	assert.ErrorIs(t, err, acquire.ErrStaleTicket)
	assert.Equal(t, 1, store.Count(1))
}

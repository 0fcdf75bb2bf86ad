package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moyoez/batchsend/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, r *Registry, name string) types.UploadUnit {
	t.Helper()
	u, err := r.Register(name, "application/pdf", 1024)
	require.NoError(t, err)
	return u
}

func begin(t *testing.T, r *Registry, id string) (Ticket, context.Context) {
	t.Helper()
	ticket, ctx, err := r.Begin(context.Background(), id)
	require.NoError(t, err)
	return ticket, ctx
}

func TestRegisterCreatesPendingUnit(t *testing.T) {
	r := New()

	u := register(t, r, "a.pdf")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, types.StatusPending, u.Status)
	assert.Equal(t, 0, u.Progress)
	assert.Empty(t, u.Error)
	assert.NotZero(t, u.Attempt)
	assert.Equal(t, 1, r.Len())
}

func TestAddRejectsDuplicateID(t *testing.T) {
	r := New()

	require.NoError(t, r.Add(types.UploadUnit{ID: "u1", Name: "a"}))
	err := r.Add(types.UploadUnit{ID: "u1", Name: "b"})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, r.Len())

	assert.Error(t, r.Add(types.UploadUnit{}))
}

func TestAddForcesCreationState(t *testing.T) {
	r := New()

	require.NoError(t, r.Add(types.UploadUnit{ID: "u1", Status: types.StatusCompleted, Progress: 80, Error: "x"}))
	u, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, u.Status)
	assert.Equal(t, 0, u.Progress)
	assert.Empty(t, u.Error)
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	r := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, register(t, r, fmt.Sprintf("f%d", i)).ID)
	}
	r.Remove(ids[2])

	snap := r.Snapshot()
	var got []string
	for _, u := range snap.Units {
		got = append(got, u.ID)
	}
	assert.Equal(t, []string{ids[0], ids[1], ids[3], ids[4]}, got)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	u := register(t, r, "a")

	snap := r.Snapshot()
	snap.Units[0].Status = types.StatusCompleted
	snap.Units[0].Name = "mutated"

	stored, _ := r.Get(u.ID)
	assert.Equal(t, types.StatusPending, stored.Status)
	assert.Equal(t, "a", stored.Name)
}

func TestLifecycleToCompleted(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, ctx := begin(t, r, u.ID)

	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 30}))
	got, _ := r.Get(u.ID)
	assert.Equal(t, types.StatusUploading, got.Status)
	assert.Equal(t, 30, got.Progress)

	require.NoError(t, r.UpdateStatus(ticket, types.StatusCompleted, Payload{Progress: 50}))
	got, _ = r.Get(u.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Error(t, ctx.Err(), "attempt context is released on completion")
}

func TestProgressIsClampedAndNeverRegresses(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, _ := begin(t, r, u.ID)

	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 40}))
	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 10}))
	got, _ := r.Get(u.ID)
	assert.Equal(t, 40, got.Progress)

	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 250}))
	got, _ = r.Get(u.ID)
	assert.Equal(t, 100, got.Progress)
}

func TestFailedRecordsError(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, _ := begin(t, r, u.ID)

	require.NoError(t, r.UpdateStatus(ticket, types.StatusFailed, Payload{Error: "connection reset"}))
	got, _ := r.Get(u.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "connection reset", got.Error)

	u2 := register(t, r, "b")
	t2, _ := begin(t, r, u2.ID)
	require.NoError(t, r.UpdateStatus(t2, types.StatusFailed, Payload{}))
	got, _ = r.Get(u2.ID)
	assert.Equal(t, "transfer failed", got.Error)
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket := Ticket{ID: u.ID, Attempt: u.Attempt}

	err := r.UpdateStatus(ticket, types.StatusCompleted, Payload{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending -> completed")

	ticket, _ = begin(t, r, u.ID)
	_, _, err = r.Begin(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "begin twice")

	err = r.UpdateStatus(ticket, types.StatusPending, Payload{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "uploading -> pending")

	require.NoError(t, r.UpdateStatus(ticket, types.StatusCompleted, Payload{}))
	err = r.UpdateStatus(ticket, types.StatusFailed, Payload{Error: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed -> failed")

	_, err = r.Retry(u.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "retry completed")
}

func TestUpdateStatusViaPendingEdge(t *testing.T) {
	r := New()
	u := register(t, r, "a")

	require.NoError(t, r.UpdateStatus(Ticket{ID: u.ID, Attempt: u.Attempt}, types.StatusUploading, Payload{Progress: 90}))
	got, _ := r.Get(u.ID)
	assert.Equal(t, types.StatusUploading, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func TestRemoveCancelsInFlightAndDropsLateEvents(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, ctx := begin(t, r, u.ID)

	assert.True(t, r.Remove(u.ID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	err := r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 50})
	assert.ErrorIs(t, err, ErrStaleAttempt)
	err = r.UpdateStatus(ticket, types.StatusCompleted, Payload{})
	assert.ErrorIs(t, err, ErrStaleAttempt)

	_, ok := r.Get(u.ID)
	assert.False(t, ok, "late success must not resurrect the unit")
	assert.Equal(t, 0, r.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	calls := 0
	r.Subscribe(func(types.Snapshot) { calls++ })

	assert.False(t, r.Remove("missing"))
	assert.Equal(t, 0, calls)

	u := register(t, r, "a")
	assert.True(t, r.Remove(u.ID))
	assert.False(t, r.Remove(u.ID))
	assert.Equal(t, 2, calls)
}

func TestCancelFailsUnitAndRetiresAttempt(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, ctx := begin(t, r, u.ID)

	require.NoError(t, r.Cancel(u.ID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	got, _ := r.Get(u.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, CancelledByUser, got.Error)

	err := r.UpdateStatus(ticket, types.StatusCompleted, Payload{})
	assert.ErrorIs(t, err, ErrStaleAttempt)

	assert.ErrorIs(t, r.Cancel(u.ID), ErrInvalidTransition)
	assert.ErrorIs(t, r.Cancel("missing"), ErrNotFound)
}

func TestRetryResetsUnderNewAttempt(t *testing.T) {
	r := New()
	u := register(t, r, "a")
	ticket, _ := begin(t, r, u.ID)
	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 70}))
	require.NoError(t, r.UpdateStatus(ticket, types.StatusFailed, Payload{Error: "timeout"}))

	retried, err := r.Retry(u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, retried.Status)
	assert.Equal(t, 0, retried.Progress)
	assert.Empty(t, retried.Error)
	assert.Greater(t, retried.Attempt, ticket.Attempt)

	err = r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 99})
	assert.ErrorIs(t, err, ErrStaleAttempt, "old attempt must not touch the retried unit")

	next, _ := begin(t, r, u.ID)
	assert.Equal(t, retried.Attempt, next.Attempt)

	_, err = r.Retry("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserversSeeEveryAcceptedMutationInOrder(t *testing.T) {
	r := New()
	var versions []uint64
	var statuses []types.UnitStatus
	unsubscribe := r.Subscribe(func(s types.Snapshot) {
		versions = append(versions, s.Version)
		if len(s.Units) > 0 {
			statuses = append(statuses, s.Units[0].Status)
		}
	})

	u := register(t, r, "a")
	ticket, _ := begin(t, r, u.ID)
	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 10}))
	require.NoError(t, r.UpdateStatus(ticket, types.StatusUploading, Payload{Progress: 10})) // no-op
	require.NoError(t, r.UpdateStatus(ticket, types.StatusCompleted, Payload{}))
	assert.Error(t, r.UpdateStatus(ticket, types.StatusFailed, Payload{}))

	assert.Equal(t, []uint64{1, 2, 3, 4}, versions)
	assert.Equal(t, []types.UnitStatus{
		types.StatusPending, types.StatusUploading, types.StatusUploading, types.StatusCompleted,
	}, statuses)

	unsubscribe()
	r.Remove(u.ID)
	assert.Len(t, versions, 4)
}

func TestObserverMayReadRegistry(t *testing.T) {
	r := New()
	var lens []int
	r.Subscribe(func(types.Snapshot) {
		lens = append(lens, r.Len())
	})
	register(t, r, "a")
	register(t, r, "b")
	assert.Equal(t, []int{1, 2}, lens)
}

func TestObserverReadsWhileOthersMutate(t *testing.T) {
	r := New()
	var reads atomic.Int64
	r.Subscribe(func(types.Snapshot) {
		time.Sleep(time.Millisecond)
		_ = r.Len()
		_, _ = r.Get("missing")
		reads.Add(1)
	})

	const writers, perWriter = 4, 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if _, err := r.Register(fmt.Sprintf("w%d-%d", w, i), "text/csv", 1); err != nil {
						t.Errorf("register: %v", err)
						return
					}
				}
			}(w)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry deadlocked with an observer reading it")
	}
	assert.Equal(t, writers*perWriter, r.Len())
	assert.Equal(t, int64(writers*perWriter), reads.Load())
	assert.Equal(t, uint64(writers*perWriter), r.Snapshot().Version)
}

func TestConcurrentDriversAreSerialized(t *testing.T) {
	r := New()
	const n = 20

	var mu sync.Mutex
	maxSeen := map[string]int{}
	regress := false
	r.Subscribe(func(s types.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range s.Units {
			if u.Progress < maxSeen[u.ID] {
				regress = true
			}
			maxSeen[u.ID] = u.Progress
		}
	})

	tickets := make([]Ticket, n)
	for i := 0; i < n; i++ {
		u := register(t, r, fmt.Sprintf("f%d", i))
		tickets[i], _ = begin(t, r, u.ID)
	}

	var wg sync.WaitGroup
	for _, tk := range tickets {
		wg.Add(1)
		go func(tk Ticket) {
			defer wg.Done()
			for p := 1; p <= 100; p++ {
				if err := r.UpdateStatus(tk, types.StatusUploading, Payload{Progress: p}); err != nil {
					t.Errorf("progress: %v", err)
					return
				}
			}
			if err := r.UpdateStatus(tk, types.StatusCompleted, Payload{}); err != nil {
				t.Errorf("complete: %v", err)
			}
		}(tk)
	}
	wg.Wait()

	assert.False(t, regress)
	counts := r.Snapshot().Counts()
	assert.Equal(t, n, counts.Completed)
	assert.True(t, counts.Done())
}

func TestErrorsAreDistinguishable(t *testing.T) {
	for _, err := range []error{ErrDuplicateID, ErrInvalidTransition, ErrStaleAttempt, ErrNotFound} {
		for _, other := range []error{ErrDuplicateID, ErrInvalidTransition, ErrStaleAttempt, ErrNotFound} {
			assert.Equal(t, err == other, errors.Is(err, other))
		}
	}
}

package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/batchsend/registry"
	"github.com/moyoez/batchsend/types"
)

func openString(s string) types.OpenFunc {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

// chunkedTransport reads body in n equal chunks, reporting after each.
func chunkedTransport(n int, fail error) TransportFunc {
	return func(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		total := int64(len(data))
		for i := 1; i <= n; i++ {
			progress(total*int64(i)/int64(n), total)
		}
		return fail
	}
}

func begin(t *testing.T, reg *registry.Registry, size int64) (types.UploadUnit, registry.Ticket, context.Context) {
	t.Helper()
	unit, err := reg.Register("plan.pdf", "application/pdf", size)
	require.NoError(t, err)
	ticket, ctx, err := reg.Begin(context.Background(), unit.ID)
	require.NoError(t, err)
	return unit, ticket, ctx
}

func recordProgress(reg *registry.Registry) (func() []int, func()) {
	var mu sync.Mutex
	var seen []int
	unsubscribe := reg.Subscribe(func(s types.Snapshot) {
		if len(s.Units) == 0 || s.Units[0].Status != types.StatusUploading {
			return
		}
		mu.Lock()
		seen = append(seen, s.Units[0].Progress)
		mu.Unlock()
	})
	return func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), seen...)
	}, unsubscribe
}

func TestRunSuccess(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 10)
	seen, unsubscribe := recordProgress(reg)
	defer unsubscribe()

	d := NewDriver(reg, chunkedTransport(10, nil), WithProgressInterval(0))
	require.NoError(t, d.Run(ctx, ticket, unit.Meta(), openString("0123456789")))

	got, ok := reg.Get(unit.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	progress := seen()
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress must strictly increase")
	}
	assert.LessOrEqual(t, progress[len(progress)-1], 99)
}

func TestRunFailure(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 4)

	d := NewDriver(reg, chunkedTransport(2, errors.New("connection reset")))
	require.NoError(t, d.Run(ctx, ticket, unit.Meta(), openString("abcd")))

	got, _ := reg.Get(unit.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "connection reset", got.Error)
}

func TestRunOpenFailure(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 4)

	open := func() (io.ReadCloser, error) { return nil, errors.New("permission denied") }
	d := NewDriver(reg, chunkedTransport(1, nil))
	require.NoError(t, d.Run(ctx, ticket, unit.Meta(), open))

	got, _ := reg.Get(unit.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "permission denied")
}

func TestRunTransportPanic(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 4)

	boom := TransportFunc(func(context.Context, types.UnitMeta, io.Reader, ProgressFunc) error {
		panic("boom")
	})
	d := NewDriver(reg, boom)
	require.NoError(t, d.Run(ctx, ticket, unit.Meta(), openString("abcd")))

	got, _ := reg.Get(unit.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")
}

// blockingTransport reports some progress and then waits for cancellation.
func blockingTransport(started chan<- struct{}) TransportFunc {
	return func(ctx context.Context, meta types.UnitMeta, body io.Reader, progress ProgressFunc) error {
		progress(1, 4)
		close(started)
		<-ctx.Done()
		// a misbehaving transport keeps reporting after cancellation
		progress(3, 4)
		return ctx.Err()
	}
}

func TestRunCancelStopsWithoutFurtherUpdates(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 4)

	started := make(chan struct{})
	d := NewDriver(reg, blockingTransport(started), WithProgressInterval(0))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ticket, unit.Meta(), openString("abcd")) }()

	<-started
	require.NoError(t, reg.Cancel(unit.ID))
	before, _ := reg.Get(unit.ID)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after cancel")
	}

	after, _ := reg.Get(unit.ID)
	assert.Equal(t, types.StatusFailed, after.Status)
	assert.Equal(t, registry.CancelledByUser, after.Error)
	assert.Equal(t, before, after)
}

func TestRunRemoveStops(t *testing.T) {
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 4)

	started := make(chan struct{})
	d := NewDriver(reg, blockingTransport(started))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ticket, unit.Meta(), openString("abcd")) }()

	<-started
	require.True(t, reg.Remove(unit.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after remove")
	}
	_, ok := reg.Get(unit.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRunStaleTicketIsDropped(t *testing.T) {
	reg := registry.New()
	unit, ticket, _ := begin(t, reg, 4)
	require.NoError(t, reg.Cancel(unit.ID))
	_, err := reg.Retry(unit.ID)
	require.NoError(t, err)

	d := NewDriver(reg, chunkedTransport(1, nil))
	err = d.Run(context.Background(), ticket, unit.Meta(), openString("abcd"))
	assert.ErrorIs(t, err, ErrStopped)

	got, _ := reg.Get(unit.ID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
}

type recordingUpdater struct {
	mu    sync.Mutex
	calls []types.UnitStatus
	err   error
}

func (r *recordingUpdater) UpdateStatus(_ registry.Ticket, to types.UnitStatus, _ registry.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, to)
	return r.err
}

func TestRunReportsContractViolation(t *testing.T) {
	up := &recordingUpdater{err: registry.ErrInvalidTransition}
	d := NewDriver(up, chunkedTransport(1, nil))

	err := d.Run(context.Background(), registry.Ticket{ID: "x", Attempt: 1}, types.UnitMeta{ID: "x", ByteSize: 4}, openString("abcd"))
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrStopped)
}

func TestStreamEndsWithSingleTerminalEvent(t *testing.T) {
	d := NewDriver(&recordingUpdater{}, chunkedTransport(4, nil), WithProgressInterval(0))

	var events []ProgressEvent
	for ev := range d.Stream(context.Background(), types.UnitMeta{ByteSize: 8}, openString("abcdefgh")) {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventSuccess, last.Kind)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Kind)
		assert.Less(t, ev.Percent, 100)
	}
}

func TestCoalescerRateLimits(t *testing.T) {
	c := newCoalescer(100, time.Hour)
	var got []int
	emit := func(ev ProgressEvent) bool {
		got = append(got, ev.Percent)
		return true
	}
	for sent := int64(1); sent <= 100; sent++ {
		c.report(sent, 100, emit)
	}
	// burst of one, then the limiter holds everything back
	assert.Equal(t, []int{1}, got)

	c.finish()
	c.report(50, 100, emit)
	assert.Len(t, got, 1)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, percent(0, 100))
	assert.Equal(t, 0, percent(10, 0))
	assert.Equal(t, 50, percent(50, 100))
	assert.Equal(t, 99, percent(100, 100))
	assert.Equal(t, 99, percent(200, 100))
}

func TestRunStreamsFileContents(t *testing.T) {
	var body bytes.Buffer
	tr := TransportFunc(func(ctx context.Context, meta types.UnitMeta, r io.Reader, progress ProgressFunc) error {
		_, err := io.Copy(&body, r)
		return err
	})
	reg := registry.New()
	unit, ticket, ctx := begin(t, reg, 3)

	require.NoError(t, NewDriver(reg, tr).Run(ctx, ticket, unit.Meta(), openString("xyz")))
	assert.Equal(t, "xyz", body.String())
}

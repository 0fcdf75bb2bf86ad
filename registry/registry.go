// Package registry holds the ordered, single source of truth for a batch of
// upload units. Every mutation goes through the Registry, is serialized by
// its lock and is published to observers in the order it was applied.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moyoez/batchsend/types"
)

var (
	// ErrDuplicateID and ErrInvalidTransition are contract violations: a
	// correct caller never sees them.
	ErrDuplicateID       = errors.New("duplicate unit id")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleAttempt is returned for events that belong to an attempt that
	// was cancelled, retried or removed. Callers drop the event.
	ErrStaleAttempt = errors.New("stale attempt")
	ErrNotFound     = errors.New("unit not found")
)

// CancelledByUser is the error recorded on a unit cancelled while uploading.
const CancelledByUser = "cancelled by user"

// Payload carries the data of a status update.
type Payload struct {
	Progress int
	Error    string
}

// Ticket identifies one transfer attempt of one unit.
type Ticket struct {
	ID      string
	Attempt uint64
}

// Observer receives a full ordered snapshot after every accepted mutation.
// Observers run synchronously on the mutating goroutine, in mutation order.
// They may read from the Registry but must not mutate it.
type Observer func(types.Snapshot)

type entry struct {
	unit      types.UploadUnit
	cancel    context.CancelFunc
	cancelled bool // the current attempt was retired by Cancel
}

type subscriber struct {
	id int
	fn Observer
}

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	emitMu      sync.Mutex
	order       []string
	units       map[string]*entry
	lastAttempt uint64
	version     uint64
	observers   []subscriber
	nextObs     int

	now   func() time.Time
	newID func() string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		units: make(map[string]*entry),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Register creates a pending unit for the given file metadata, assigning a
// fresh id, and appends it to the batch.
func (r *Registry) Register(name, mediaType string, byteSize int64) (types.UploadUnit, error) {
	return r.add(types.UploadUnit{
		ID:        r.newID(),
		Name:      name,
		MediaType: mediaType,
		ByteSize:  byteSize,
	})
}

// Add appends unit at the end of the batch. Status, progress, error and
// attempt are reset to their creation values.
func (r *Registry) Add(unit types.UploadUnit) error {
	_, err := r.add(unit)
	return err
}

func (r *Registry) add(unit types.UploadUnit) (types.UploadUnit, error) {
	if unit.ID == "" {
		return types.UploadUnit{}, errors.New("unit id must not be empty")
	}
	r.lock()
	if _, exists := r.units[unit.ID]; exists {
		r.unlock()
		return types.UploadUnit{}, fmt.Errorf("%w: %s", ErrDuplicateID, unit.ID)
	}
	now := r.now()
	unit.Status = types.StatusPending
	unit.Progress = 0
	unit.Error = ""
	unit.Attempt = r.nextAttemptLocked()
	unit.CreatedAt = now
	unit.UpdatedAt = now
	r.units[unit.ID] = &entry{unit: unit}
	r.order = append(r.order, unit.ID)
	r.publishAndUnlock()
	return unit, nil
}

// Begin moves a pending unit to uploading and returns the ticket of the
// attempt plus a context that is cancelled when the unit is cancelled or
// removed.
func (r *Registry) Begin(parent context.Context, id string) (Ticket, context.Context, error) {
	r.lock()
	e, ok := r.units[id]
	if !ok {
		r.unlock()
		return Ticket{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.unit.Status != types.StatusPending {
		status := e.unit.Status
		r.unlock()
		return Ticket{}, nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, status, types.StatusUploading, id)
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.unit.Status = types.StatusUploading
	e.unit.Progress = 0
	e.unit.UpdatedAt = r.now()
	t := Ticket{ID: id, Attempt: e.unit.Attempt}
	r.publishAndUnlock()
	return t, ctx, nil
}

// UpdateStatus applies a transition reported for the attempt identified by
// t. Events for an absent unit or a retired attempt return ErrStaleAttempt
// and change nothing. Progress updates are clamped to [previous, 100] and
// a no-op update is accepted silently without notifying observers.
func (r *Registry) UpdateStatus(t Ticket, to types.UnitStatus, p Payload) error {
	r.lock()
	e, ok := r.units[t.ID]
	if !ok || e.unit.Attempt != t.Attempt || e.cancelled {
		r.unlock()
		return fmt.Errorf("%w: %s attempt %d", ErrStaleAttempt, t.ID, t.Attempt)
	}
	from := e.unit.Status
	if !types.CanTransition(from, to) {
		r.unlock()
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, t.ID)
	}

	switch to {
	case types.StatusUploading:
		if from == types.StatusPending {
			e.unit.Status = types.StatusUploading
			e.unit.Progress = 0
			break
		}
		progress := min(max(p.Progress, e.unit.Progress), 100)
		if progress == e.unit.Progress {
			r.unlock()
			return nil
		}
		e.unit.Progress = progress
	case types.StatusCompleted:
		e.unit.Status = types.StatusCompleted
		e.unit.Progress = 100
		e.unit.Error = ""
		e.release()
	case types.StatusFailed:
		e.unit.Status = types.StatusFailed
		e.unit.Error = p.Error
		if e.unit.Error == "" {
			e.unit.Error = "transfer failed"
		}
		e.release()
	}
	e.unit.UpdatedAt = r.now()
	r.publishAndUnlock()
	return nil
}

// Cancel fails an uploading unit with CancelledByUser and signals its
// transfer to stop. Later events of that attempt are stale.
func (r *Registry) Cancel(id string) error {
	r.lock()
	e, ok := r.units[id]
	if !ok {
		r.unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.unit.Status != types.StatusUploading {
		status := e.unit.Status
		r.unlock()
		return fmt.Errorf("%w: cannot cancel %s unit %s", ErrInvalidTransition, status, id)
	}
	e.cancelled = true
	e.unit.Status = types.StatusFailed
	e.unit.Error = CancelledByUser
	e.unit.UpdatedAt = r.now()
	e.release()
	r.publishAndUnlock()
	return nil
}

// Retry puts a failed unit back to pending under a new attempt with
// progress 0 and no error.
func (r *Registry) Retry(id string) (types.UploadUnit, error) {
	r.lock()
	e, ok := r.units[id]
	if !ok {
		r.unlock()
		return types.UploadUnit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.unit.Status != types.StatusFailed {
		status := e.unit.Status
		r.unlock()
		return types.UploadUnit{}, fmt.Errorf("%w: cannot retry %s unit %s", ErrInvalidTransition, status, id)
	}
	e.release()
	e.cancelled = false
	e.unit.Status = types.StatusPending
	e.unit.Progress = 0
	e.unit.Error = ""
	e.unit.Attempt = r.nextAttemptLocked()
	e.unit.UpdatedAt = r.now()
	unit := e.unit
	r.publishAndUnlock()
	return unit, nil
}

// Remove deletes the unit, cancelling any in-flight transfer first. It
// returns false, and notifies nobody, when the id is absent.
func (r *Registry) Remove(id string) bool {
	r.lock()
	e, ok := r.units[id]
	if !ok {
		r.unlock()
		return false
	}
	e.release()
	delete(r.units, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.publishAndUnlock()
	return true
}

// Get returns a copy of one unit.
func (r *Registry) Get(id string) (types.UploadUnit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[id]
	if !ok {
		return types.UploadUnit{}, false
	}
	return e.unit, true
}

// Len returns the number of units in the batch.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Snapshot returns an order preserving copy of the batch.
func (r *Registry) Snapshot() types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe registers an observer and returns a func that removes it.
func (r *Registry) Subscribe(fn Observer) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers = append(r.observers, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.observers = slices.DeleteFunc(r.observers, func(s subscriber) bool { return s.id == id })
		})
	}
}

func (r *Registry) nextAttemptLocked() uint64 {
	r.lastAttempt++
	return r.lastAttempt
}

func (r *Registry) snapshotLocked() types.Snapshot {
	units := make([]types.UploadUnit, 0, len(r.order))
	for _, id := range r.order {
		units = append(units, r.units[id].unit)
	}
	return types.Snapshot{Version: r.version, Units: units}
}

// lock takes emitMu before mu. Mutations hold both in this order and keep
// emitMu until their observers returned, so snapshots are delivered in
// mutation order while readers only ever wait on mu.
func (r *Registry) lock() {
	r.emitMu.Lock()
	r.mu.Lock()
}

func (r *Registry) unlock() {
	r.mu.Unlock()
	r.emitMu.Unlock()
}

// publishAndUnlock must be called with both locks held. It bumps the
// version, releases mu and calls the observers before releasing emitMu.
func (r *Registry) publishAndUnlock() {
	r.version++
	if len(r.observers) == 0 {
		r.unlock()
		return
	}
	snap := r.snapshotLocked()
	observers := slices.Clone(r.observers)
	r.mu.Unlock()
	defer r.emitMu.Unlock()
	for _, o := range observers {
		o.fn(snap)
	}
}

func (e *entry) release() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

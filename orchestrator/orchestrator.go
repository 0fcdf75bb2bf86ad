// Package orchestrator is the entry point of the upload engine. It validates
// file selections, registers accepted files in the batch registry and keeps
// at most maxConcurrent transfers running, dispatching pending units in FIFO
// order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/moyoez/batchsend/policy"
	"github.com/moyoez/batchsend/registry"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/transfer"
	"github.com/moyoez/batchsend/types"
)

// DefaultMaxConcurrent is the concurrency ceiling used when none is set.
const DefaultMaxConcurrent = 3

// Orchestrator is safe for concurrent use. Registry observers must not call
// back into the Orchestrator's mutating methods.
type Orchestrator struct {
	reg           *registry.Registry
	policy        *policy.Policy
	driver        *transfer.Driver
	maxConcurrent int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	queue    []string                  // pending ids, dispatch order
	inflight map[string]uint64         // id -> attempt holding a slot
	sources  map[string]types.OpenFunc // id -> file body
	changed  chan struct{}             // closed and replaced whenever the queue or the slots change
}

type settings struct {
	policy           *policy.Policy
	maxConcurrent    int
	progressInterval time.Duration
	parent           context.Context
}

// Option configures an Orchestrator.
type Option func(*settings)

// WithPolicy replaces the default validation policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *settings) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithMaxConcurrent sets the concurrency ceiling. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithProgressInterval is passed on to the transfer driver.
func WithProgressInterval(d time.Duration) Option {
	return func(s *settings) {
		s.progressInterval = d
	}
}

// WithContext sets the context every transfer derives from. Cancelling it
// stops all transfers.
func WithContext(ctx context.Context) Option {
	return func(s *settings) {
		if ctx != nil {
			s.parent = ctx
		}
	}
}

// New creates an orchestrator working on reg and sending through transport.
func New(reg *registry.Registry, transport transfer.Transport, opts ...Option) *Orchestrator {
	s := settings{
		policy:           policy.DefaultPolicy(),
		maxConcurrent:    DefaultMaxConcurrent,
		progressInterval: transfer.DefaultProgressInterval,
		parent:           context.Background(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	ctx, stop := context.WithCancel(s.parent)
	return &Orchestrator{
		reg:           reg,
		policy:        s.policy,
		driver:        transfer.NewDriver(reg, transport, transfer.WithProgressInterval(s.progressInterval)),
		maxConcurrent: s.maxConcurrent,
		ctx:           ctx,
		stop:          stop,
		inflight:      make(map[string]uint64),
		sources:       make(map[string]types.OpenFunc),
		changed:       make(chan struct{}),
	}
}

// Submit validates files in order and registers the accepted ones. It returns
// one outcome per input file, in input order, and never blocks on transfers.
func (o *Orchestrator) Submit(files []types.FileDescriptor) []types.Outcome {
	outcomes := make([]types.Outcome, len(files))

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, f := range files {
		out := types.Outcome{Index: i, Name: f.Name}
		decision := o.policy.Validate(f.MediaType, f.Size)
		if !decision.Accepted {
			out.Kind = types.OutcomeRejected
			out.Reason = decision.Reason.String()
			out.Detail = decision.Detail
			tool.DefaultLogger.Infof("[Orchestrator] rejected %s: %s (%s)", f.Name, decision.Reason, decision.Detail)
			outcomes[i] = out
			continue
		}

		unit, err := o.reg.Register(f.Name, f.MediaType, f.Size)
		if err != nil {
			// only a duplicate id can get here
			tool.DefaultLogger.Errorf("[Orchestrator] failed to register %s: %v", f.Name, err)
			out.Kind = types.OutcomeRejected
			out.Reason = "RegistrationFailed"
			out.Detail = err.Error()
			outcomes[i] = out
			continue
		}
		o.sources[unit.ID] = f.Open
		o.queue = append(o.queue, unit.ID)
		out.Kind = types.OutcomeAccepted
		out.ID = unit.ID
		outcomes[i] = out
		tool.DefaultLogger.Debugf("[Orchestrator] accepted %s as %s", f.Name, unit.ID)
	}
	o.dispatchLocked()
	return outcomes
}

// Retry puts a failed unit back to pending and appends it to the dispatch
// queue.
func (o *Orchestrator) Retry(id string) (types.UploadUnit, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryLocked(id)
}

func (o *Orchestrator) retryLocked(id string) (types.UploadUnit, error) {
	if _, ok := o.sources[id]; !ok {
		return types.UploadUnit{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	unit, err := o.reg.Retry(id)
	if err != nil {
		return types.UploadUnit{}, err
	}
	tool.DefaultLogger.Infof("[Orchestrator] retrying %s (%s), attempt %d", unit.Name, id, unit.Attempt)
	o.queue = append(o.queue, id)
	o.dispatchLocked()
	return unit, nil
}

// RetryFailed retries every failed unit in batch order and returns the
// units that were put back to pending.
func (o *Orchestrator) RetryFailed() []types.UploadUnit {
	o.mu.Lock()
	defer o.mu.Unlock()
	var retried []types.UploadUnit
	for _, u := range o.reg.Snapshot().Units {
		if u.Status != types.StatusFailed {
			continue
		}
		unit, err := o.retryLocked(u.ID)
		if err != nil {
			tool.DefaultLogger.Warnf("[Orchestrator] failed to retry %s: %v", u.ID, err)
			continue
		}
		retried = append(retried, unit)
	}
	return retried
}

// Cancel stops an uploading unit. The unit fails with "cancelled by user"
// and its slot is freed at once.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.reg.Cancel(id); err != nil {
		return err
	}
	tool.DefaultLogger.Infof("[Orchestrator] cancelled %s", id)
	o.releaseLocked(id, 0)
	return nil
}

// Remove deletes a unit in any status, cancelling its transfer. It returns
// false when the id is unknown.
func (o *Orchestrator) Remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := o.reg.Remove(id)
	delete(o.sources, id)
	o.queue = slices.DeleteFunc(o.queue, func(q string) bool { return q == id })
	delete(o.inflight, id)
	o.dispatchLocked()
	if removed {
		tool.DefaultLogger.Infof("[Orchestrator] removed %s", id)
	}
	return removed
}

// Wait blocks until no unit is queued or holds a slot, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		idle := len(o.queue) == 0 && len(o.inflight) == 0
		changed := o.changed
		o.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every transfer and waits for the drivers to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current batch.
func (o *Orchestrator) Snapshot() types.Snapshot { return o.reg.Snapshot() }

// Registry returns the registry the orchestrator works on, for observers.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Policy returns the validation policy in use.
func (o *Orchestrator) Policy() *policy.Policy { return o.policy }

// MaxConcurrent returns the concurrency ceiling.
func (o *Orchestrator) MaxConcurrent() int { return o.maxConcurrent }

// Stats returns the number of queued units and occupied slots.
func (o *Orchestrator) Stats() (queued, inflight int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue), len(o.inflight)
}

// dispatchLocked starts drivers for queued units while slots are free.
func (o *Orchestrator) dispatchLocked() {
	defer o.notifyLocked()
	for len(o.inflight) < o.maxConcurrent && len(o.queue) > 0 {
		id := o.queue[0]
		o.queue = o.queue[1:]
		open, ok := o.sources[id]
		if !ok {
			continue
		}
		if o.ctx.Err() != nil {
			tool.DefaultLogger.Debugf("[Orchestrator] shutting down, not starting %s", id)
			o.queue = append([]string{id}, o.queue...)
			return
		}
		ticket, ctx, err := o.reg.Begin(o.ctx, id)
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				tool.DefaultLogger.Errorf("[Orchestrator] cannot start %s: %v", id, err)
			}
			continue
		}
		unit, ok := o.reg.Get(id)
		if !ok {
			continue
		}
		o.inflight[id] = ticket.Attempt
		o.wg.Add(1)
		go o.run(ctx, ticket, unit.Meta(), open)
	}
}

func (o *Orchestrator) run(ctx context.Context, ticket registry.Ticket, meta types.UnitMeta, open types.OpenFunc) {
	defer o.wg.Done()
	tool.DefaultLogger.Debugf("[Orchestrator] starting %s (%s), attempt %d", meta.Name, meta.ID, ticket.Attempt)
	err := o.driver.Run(ctx, ticket, meta, open)
	if err != nil && !errors.Is(err, transfer.ErrStopped) {
		tool.DefaultLogger.Errorf("[Orchestrator] driver for %s returned: %v", meta.ID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseLocked(meta.ID, ticket.Attempt)
}

// releaseLocked frees the slot held by id. A non-zero attempt only frees the
// slot if it still belongs to that attempt.
func (o *Orchestrator) releaseLocked(id string, attempt uint64) {
	held, ok := o.inflight[id]
	if !ok || (attempt != 0 && held != attempt) {
		return
	}
	delete(o.inflight, id)
	o.dispatchLocked()
}

func (o *Orchestrator) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

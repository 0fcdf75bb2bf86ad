// Package transfer drives a single upload unit through one transfer attempt
// and ships the built-in HTTP transport.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moyoez/batchsend/registry"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
	"golang.org/x/time/rate"
)

// DefaultProgressInterval bounds how often progress reaches the registry.
const DefaultProgressInterval = 100 * time.Millisecond

// ErrStopped is returned by Run when the attempt was cancelled, removed or
// retried underneath it. Nothing was applied after that point.
var ErrStopped = errors.New("transfer stopped")

// EventKind tags a ProgressEvent.
type EventKind int

const (
	EventProgress EventKind = iota
	EventSuccess
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ProgressEvent is one element of a transfer's event stream. A stream is
// zero or more EventProgress with strictly increasing Percent followed by
// exactly one EventSuccess or EventFailure, unless it was cancelled.
type ProgressEvent struct {
	Kind    EventKind
	Percent int
	Err     string
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventSuccess || e.Kind == EventFailure
}

// Updater is the part of the registry a driver writes to.
type Updater interface {
	UpdateStatus(t registry.Ticket, to types.UnitStatus, p registry.Payload) error
}

// Driver runs transfers against a Transport and applies their events to
// the registry in order.
type Driver struct {
	updater   Updater
	transport Transport
	interval  time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithProgressInterval sets the minimum time between two progress updates
// of one unit. Zero disables time based coalescing; percentage coalescing
// always applies.
func WithProgressInterval(d time.Duration) Option {
	return func(dr *Driver) {
		if d >= 0 {
			dr.interval = d
		}
	}
}

// NewDriver creates a driver.
func NewDriver(updater Updater, transport Transport, opts ...Option) *Driver {
	d := &Driver{
		updater:   updater,
		transport: transport,
		interval:  DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one attempt. ctx is the attempt context handed out by
// registry.Begin. Run returns nil once a terminal outcome was applied,
// an error wrapping ErrStopped when the attempt went away, and any other
// error for a contract violation reported by the registry.
func (d *Driver) Run(ctx context.Context, ticket registry.Ticket, meta types.UnitMeta, open types.OpenFunc) error {
	events := d.Stream(ctx, meta, open)
	for {
		select {
		case <-ctx.Done():
			tool.DefaultLogger.Debugf("[Driver] %s (%s) stopped: %v", meta.Name, meta.ID, ctx.Err())
			return fmt.Errorf("%w: %v", ErrStopped, ctx.Err())
		case ev, ok := <-events:
			if !ok || ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrStopped, ctx.Err())
			}
			if err := d.apply(ticket, meta, ev); err != nil {
				if errors.Is(err, registry.ErrStaleAttempt) {
					tool.DefaultLogger.Debugf("[Driver] dropping %s event for %s: %v", ev.Kind, meta.ID, err)
					return fmt.Errorf("%w: %v", ErrStopped, err)
				}
				tool.DefaultLogger.Errorf("[Driver] contract violation applying %s event for %s: %v", ev.Kind, meta.ID, err)
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}

func (d *Driver) apply(ticket registry.Ticket, meta types.UnitMeta, ev ProgressEvent) error {
	switch ev.Kind {
	case EventProgress:
		return d.updater.UpdateStatus(ticket, types.StatusUploading, registry.Payload{Progress: ev.Percent})
	case EventSuccess:
		tool.DefaultLogger.Infof("[Driver] upload completed: %s (%s)", meta.Name, ticket.ID)
		return d.updater.UpdateStatus(ticket, types.StatusCompleted, registry.Payload{Progress: 100})
	case EventFailure:
		tool.DefaultLogger.Warnf("[Driver] upload failed: %s (%s): %s", meta.Name, ticket.ID, ev.Err)
		return d.updater.UpdateStatus(ticket, types.StatusFailed, registry.Payload{Error: ev.Err})
	}
	return fmt.Errorf("unknown event kind %d", ev.Kind)
}

// Stream starts the transfer and returns its event stream. The channel is
// closed after the terminal event, or without one when ctx is cancelled.
// No event is produced once ctx is done.
func (d *Driver) Stream(ctx context.Context, meta types.UnitMeta, open types.OpenFunc) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		emit := func(ev ProgressEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := d.send(ctx, meta, open, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit(ProgressEvent{Kind: EventFailure, Err: err.Error()})
			return
		}
		emit(ProgressEvent{Kind: EventSuccess, Percent: 100})
	}()
	return out
}

func (d *Driver) send(ctx context.Context, meta types.UnitMeta, open types.OpenFunc, emit func(ProgressEvent) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	if open == nil {
		return fmt.Errorf("no file source for %s", meta.Name)
	}
	body, err := open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", meta.Name, err)
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			tool.DefaultLogger.Debugf("[Driver] failed to close %s: %v", meta.Name, cerr)
		}
	}()

	c := newCoalescer(meta.ByteSize, d.interval)
	defer c.finish()
	return d.transport.Send(ctx, meta, body, func(sent, total int64) {
		c.report(sent, total, emit)
	})
}

// coalescer turns raw byte counts into at most one event per percentage
// step, optionally rate limited. It serializes concurrent callbacks so the
// emitted percentages are strictly increasing.
type coalescer struct {
	mu      sync.Mutex
	size    int64
	last    int
	limiter *rate.Limiter
	done    bool
}

func newCoalescer(size int64, interval time.Duration) *coalescer {
	c := &coalescer{size: size}
	if interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c
}

func (c *coalescer) report(sent, total int64, emit func(ProgressEvent) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	if total <= 0 {
		total = c.size
	}
	pct := percent(sent, total)
	if pct <= c.last {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return
	}
	if emit(ProgressEvent{Kind: EventProgress, Percent: pct}) {
		c.last = pct
	}
}

func (c *coalescer) finish() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// percent maps sent/total to 0..99. 100 is reserved for completion, which
// only the ingestion side's answer can confirm.
func percent(sent, total int64) int {
	if total <= 0 || sent <= 0 {
		return 0
	}
	if sent >= total {
		return 99
	}
	return min(int(sent*100/total), 99)
}

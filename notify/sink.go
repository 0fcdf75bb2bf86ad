package notify

import (
	"context"
	"sync"

	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// NotifyHub receives every notification the Sink delivers, e.g. the
// websocket hub.
type NotifyHub interface {
	Broadcast(notification *types.Notification)
}

// SinkQueueSize bounds the notifications waiting for delivery.
const SinkQueueSize = 256

// Sink turns batch snapshots into per-unit notifications. Observe is cheap
// and never blocks; delivery happens in Run.
type Sink struct {
	socketPath string
	hub        NotifyHub
	queue      chan *types.Notification

	mu   sync.Mutex
	prev types.Snapshot
}

// NewSink creates a sink delivering to the unix socket at socketPath (the
// default path when empty) and to hub when it is not nil.
func NewSink(socketPath string, hub NotifyHub) *Sink {
	return &Sink{
		socketPath: socketPath,
		hub:        hub,
		queue:      make(chan *types.Notification, SinkQueueSize),
	}
}

// Observe matches registry.Observer.
func (s *Sink) Observe(snap types.Snapshot) {
	s.mu.Lock()
	if snap.Version <= s.prev.Version {
		s.mu.Unlock()
		return
	}
	events := Diff(s.prev, snap)
	s.prev = snap
	s.mu.Unlock()

	for _, n := range events {
		select {
		case s.queue <- n:
		default:
			tool.DefaultLogger.Warnf("[Notify] queue full, dropping %s notification", n.Type)
		}
	}
}

// Run delivers queued notifications until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.deliver(n)
		}
	}
}

func (s *Sink) deliver(n *types.Notification) {
	if s.hub != nil {
		s.hub.Broadcast(n)
	}
	if err := SendNotification(n, s.socketPath); err != nil {
		tool.DefaultLogger.Debugf("[Notify] %s not delivered to unix socket: %v", n.Type, err)
	}
}

// Diff returns the unit events that lead from prev to next, in batch order
// with removals last.
func Diff(prev, next types.Snapshot) []*types.Notification {
	before := make(map[string]types.UploadUnit, len(prev.Units))
	for _, u := range prev.Units {
		before[u.ID] = u
	}

	var out []*types.Notification
	seen := make(map[string]struct{}, len(next.Units))
	for _, u := range next.Units {
		seen[u.ID] = struct{}{}
		old, had := before[u.ID]
		changed := !had || old.Status != u.Status || old.Attempt != u.Attempt
		if !changed {
			continue
		}
		switch u.Status {
		case types.StatusUploading:
			out = append(out, UnitNotification(types.NotifyTypeUploadStart, u))
		case types.StatusCompleted:
			out = append(out, UnitNotification(types.NotifyTypeUploadEnd, u))
		case types.StatusFailed:
			out = append(out, UnitNotification(types.NotifyTypeUploadFailed, u))
		}
	}
	for _, u := range prev.Units {
		if _, ok := seen[u.ID]; !ok {
			out = append(out, UnitNotification(types.NotifyTypeUploadRemoved, u))
		}
	}
	return out
}

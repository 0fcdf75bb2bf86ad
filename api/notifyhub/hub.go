package notifyhub

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// Hub holds WebSocket connections and broadcasts notifications to all clients.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*sync.Mutex // per connection write lock

	snapMu  sync.Mutex
	latest  types.Snapshot
	pending bool
	wake    chan struct{}
}

// New creates a new notify hub.
func New() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]*sync.Mutex),
		wake:  make(chan struct{}, 1),
	}
}

// Register adds a WebSocket connection to the hub and sends it the newest
// snapshot. The connection's write lock is held from registration until that
// snapshot is written, so broadcasts queue behind it instead of being missed.
func (h *Hub) Register(conn *websocket.Conn) error {
	wmu := &sync.Mutex{}
	wmu.Lock()
	defer wmu.Unlock()

	h.mu.Lock()
	h.conns[conn] = wmu
	h.mu.Unlock()

	snap := h.Latest()
	if snap.Version == 0 {
		return nil
	}
	payload, err := sonic.Marshal(SnapshotNotification(snap))
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Unregister removes a WebSocket connection from the hub.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends the notification as JSON to all registered connections.
// Implements notify.NotifyHub.
func (h *Hub) Broadcast(notification *types.Notification) {
	if notification == nil {
		return
	}
	payload, err := sonic.Marshal(notification)
	if err != nil {
		tool.DefaultLogger.Errorf("[NotifyHub] failed to encode %s: %v", notification.Type, err)
		return
	}

	h.mu.RLock()
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	targets := make([]target, 0, len(h.conns))
	for c, mu := range h.conns {
		targets = append(targets, target{c, mu})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		t.mu.Lock()
		err := t.conn.WriteMessage(websocket.TextMessage, payload)
		t.mu.Unlock()
		if err != nil {
			tool.DefaultLogger.Debugf("[NotifyHub] write failed: %v", err)
		}
	}
}

// Observe matches registry.Observer. Only the newest snapshot is kept;
// clients that fall behind skip intermediate versions.
func (h *Hub) Observe(snap types.Snapshot) {
	h.snapMu.Lock()
	if snap.Version > h.latest.Version {
		h.latest = snap
		h.pending = true
	}
	h.snapMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run broadcasts observed snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			h.snapMu.Lock()
			snap, ok := h.latest, h.pending
			h.pending = false
			h.snapMu.Unlock()
			if ok {
				h.Broadcast(SnapshotNotification(snap))
			}
		}
	}
}

// SnapshotNotification wraps a snapshot in a batch_snapshot notification.
func SnapshotNotification(snap types.Snapshot) *types.Notification {
	return &types.Notification{
		Type: types.NotifyTypeBatchSnapshot,
		Data: map[string]any{
			"version": snap.Version,
			"counts":  snap.Counts(),
			"units":   snap.Units,
		},
	}
}

// Latest returns the newest snapshot the hub has observed.
func (h *Hub) Latest() types.Snapshot {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	return h.latest
}

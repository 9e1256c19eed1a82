// Package hub keeps the process-wide registry of logged-in connections and
// fans broadcasts out to them.
package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/accordchat/accord/internal/common"
	"github.com/accordchat/accord/internal/logging"
	"github.com/accordchat/accord/internal/protocol"
)

// Handle is the hub's one-way view of a connection: a non-blocking enqueue
// and an eviction signal. The hub never holds the actor itself, so there is
// no reference cycle between the two.
type Handle interface {
	// Send enqueues a packet for delivery. It must not block; false means
	// the outbound queue is full and the packet was dropped.
	Send(p protocol.Packet) bool

	// Evict asks the connection to close. Safe to call more than once.
	Evict(reason string)
}

// Hub maps each logged-in username to its connection handle. At most one
// entry per username; duplicate registration is refused.
type Hub struct {
	logger logging.Logger

	mu      sync.RWMutex
	clients map[string]Handle
}

func New(logger logging.Logger) *Hub {
	return &Hub{
		logger:  logger.With("module", "hub"),
		clients: make(map[string]Handle),
	}
}

// Register claims a username for a connection. Returns common.ErrDuplicate
// when the username is already online.
func (h *Hub) Register(username string, handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[username]; ok {
		return common.ErrDuplicate
	}
	h.clients[username] = handle
	return nil
}

// Deregister removes a username if it is still bound to the given handle.
// Idempotent; a stale actor cannot remove a newer connection that has since
// claimed the same name.
func (h *Hub) Deregister(username string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[username]; ok && cur == handle {
		delete(h.clients, username)
	}
}

// Broadcast delivers a packet to every registered connection. A full
// outbound queue drops that recipient: the packet is lost for them and the
// connection is told to evict itself.
func (h *Hub) Broadcast(p protocol.Packet) {
	for _, c := range h.snapshot() {
		if !c.handle.Send(p) {
			h.logger.Warn(context.Background(), "dropping slow consumer", "user", c.username)
			c.handle.Evict("slow consumer")
		}
	}
}

// Unicast delivers a packet to one user. Returns false if the user is not
// online.
func (h *Hub) Unicast(username string, p protocol.Packet) bool {
	h.mu.RLock()
	handle, ok := h.clients[username]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !handle.Send(p) {
		handle.Evict("slow consumer")
	}
	return true
}

// Kick sends a Kick packet to the user and removes them from the registry.
// Returns false if the user is not online.
func (h *Hub) Kick(username, reason string) bool {
	h.mu.Lock()
	handle, ok := h.clients[username]
	if ok {
		delete(h.clients, username)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	handle.Send(protocol.Kick{Reason: reason})
	handle.Evict("kicked: " + reason)
	return true
}

// ListOnline returns a sorted snapshot of logged-in usernames.
func (h *Hub) ListOnline() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for u := range h.clients {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Shutdown evicts every connection. Used on graceful server stop.
func (h *Hub) Shutdown() {
	for _, c := range h.snapshot() {
		c.handle.Evict("server shutting down")
	}
	h.mu.Lock()
	h.clients = make(map[string]Handle)
	h.mu.Unlock()
}

type entry struct {
	username string
	handle   Handle
}

func (h *Hub) snapshot() []entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]entry, 0, len(h.clients))
	for u, c := range h.clients {
		out = append(out, entry{username: u, handle: c})
	}
	return out
}

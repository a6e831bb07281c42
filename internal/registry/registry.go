// Package registry implements the Agent Registry (SPEC_FULL.md §4.A):
// process-wide state tracking which agents currently hold a live
// connection, keyed by agent identifier.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/wire"
)

// Handle is the narrow surface the registry needs from a live connection —
// implemented by *gateway.Client. Kept as an interface so the registry has
// no import-time dependency on the transport.
type Handle interface {
	// Send queues an already-encoded frame for writing to the connection.
	// Implementations preserve per-connection FIFO order.
	Send(frame []byte) error
	// Close closes the connection with the given coded reason.
	Close(code wire.CloseCode) error
}

type entry struct {
	handle   Handle
	lastSeen time.Time
}

// Registry is the in-memory, concurrency-safe agent registry described in
// §4.A. The zero value is not usable — use New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger.Named("registry"),
	}
}

// Register idempotently inserts id -> handle. If an entry already exists for
// id, the prior handle is closed with code 4005 "superseded" (last writer
// wins) before being replaced.
func (r *Registry) Register(id string, handle Handle) {
	r.mu.Lock()
	prior, existed := r.agents[id]
	r.agents[id] = &entry{handle: handle, lastSeen: time.Now().UTC()}
	r.mu.Unlock()

	if existed {
		r.logger.Warn("superseding existing connection", zap.String("agent_id", id))
		if err := prior.handle.Close(wire.CloseSuperseded); err != nil {
			r.logger.Debug("error closing superseded connection", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Unregister removes id from the registry and closes its handle with code
// 4006 if the entry is still present. The gateway's own disconnect path
// uses Remove instead, which does not close the handle.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if ok {
		if err := e.handle.Close(wire.CloseAdminUnregistered); err != nil {
			r.logger.Debug("error closing unregistered connection", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Remove drops id from the registry without attempting to close the handle
// again — used by the gateway's own close path, which already knows the
// socket is gone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
}

// IsOnline reports whether id has a registered, live handle.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Touch updates the last-seen instant for id (called on every pong and every
// inbound message that passes the rate limit; Register sets the first
// instant). No-op if id is not registered.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		e.lastSeen = time.Now().UTC()
	}
}

// Send writes frame to id's connection. Returns (false, nil) if the agent is
// offline; returns (false, err) if the handle's own send failed.
func (r *Registry) Send(id string, frame []byte) (bool, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := e.handle.Send(frame); err != nil {
		return false, err
	}
	return true, nil
}

// CloseAll closes every registered connection with the given close code and
// empties the registry, used by the Connection Gateway's shutdown sequence
// (§5) to send a single coded close frame to every live agent up front,
// rather than leaving already-hijacked websockets for http.Server.Shutdown
// to abandon.
func (r *Registry) CloseAll(code wire.CloseCode) {
	r.mu.Lock()
	entries := r.agents
	r.agents = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		if err := e.handle.Close(code); err != nil {
			r.logger.Debug("error closing connection during shutdown", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// ListActive returns a snapshot of currently online agent ids.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

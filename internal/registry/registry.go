// Package registry implements the session registry of spec.md §4.4: admit
// and evict clients, and let renderer threads snapshot the active set
// without holding a lock while they iterate.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zfogg/ascii-chat-sub007/internal/protoerr"
	"github.com/zfogg/ascii-chat-sub007/internal/session"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// Registry maps ClientId to Session, admitting and evicting under a single
// read/write lock while handing readers an immutable snapshot slice so
// render loops never hold the registry lock while iterating (spec.md §4.4).
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[uint32]*session.Session
	maxClients int

	onStateChange func(active int)
}

// New constructs an empty Registry admitting at most maxClients sessions.
func New(maxClients int, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger.With("subsystem", "registry"),
		sessions:   make(map[uint32]*session.Session),
		maxClients: maxClients,
	}
}

// OnStateChange installs a callback invoked after every admit/evict with
// the new active count, used to schedule a ServerState broadcast.
func (r *Registry) OnStateChange(fn func(active int)) {
	r.onStateChange = fn
}

// Admit registers s under its ClientID. It fails with KindCapacity if the
// registry is at capacity, per spec.md §4.4's admission control — callers
// must have already driven the session to Ready and received a valid
// ClientJoin before calling Admit.
func (r *Registry) Admit(s *session.Session) error {
	r.mu.Lock()
	if len(r.sessions) >= r.maxClients {
		r.mu.Unlock()
		return protoerr.New(protoerr.KindCapacity, "registry.Admit", errFull(r.maxClients))
	}
	r.sessions[s.ClientID] = s
	active := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("client admitted", "client_id", s.ClientID, "display_name", s.DisplayName, "active", active)
	if r.onStateChange != nil {
		r.onStateChange(active)
	}
	return nil
}

// Evict removes clientID from the registry, closing its session. Evicting
// an unknown client ID is a no-op.
func (r *Registry) Evict(clientID uint32) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, clientID)
	active := len(r.sessions)
	r.mu.Unlock()

	_ = s.Close()
	r.logger.Info("client evicted", "client_id", clientID, "active", active)
	if r.onStateChange != nil {
		r.onStateChange(active)
	}
}

// SnapshotActive returns an immutable slice of all currently-admitted
// sessions, safe to iterate without holding the registry lock. Per
// spec.md §4.4, a session removed through an older snapshot must be
// treated by callers as "may fail to send", never as a use-after-free —
// Session.Send already returns an error rather than panicking on a closed
// transport, so this holds automatically.
func (r *Registry) SnapshotActive() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently-admitted sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Get returns the session for clientID, if admitted.
func (r *Registry) Get(clientID uint32) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// BroadcastState sends a ServerState packet (spec.md §4.4) to every active
// session, logging but not failing on a per-session send error (the
// session's own receive loop will notice the connection is lost).
func (r *Registry) BroadcastState(draining bool) {
	active := r.SnapshotActive()
	state := wire.ServerState{
		ActiveParticipants: uint32(len(active)),
		MaxClients:         uint32(r.maxClients),
		Draining:           draining,
	}
	payload := state.Marshal()
	for _, s := range active {
		if err := s.Send(wire.TypeServerState, payload); err != nil {
			r.logger.Warn("failed to broadcast server state", "client_id", s.ClientID, "error", err)
		}
	}
}

func errFull(max int) error {
	return fmt.Errorf("registry: at capacity (%d clients)", max)
}

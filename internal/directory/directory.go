// Package directory tracks which participants are reachable and through which
// transport handle. Absence means offline, never an error.
package directory

import (
	"sync"

	"github.com/creaturearena/battle-backend/internal/types"
)

// Conn is a live transport handle. Send must not block the caller for long;
// the websocket layer backs it with a buffered outbox and reports a full
// buffer as an error.
type Conn interface {
	Send(msg types.ServerMessage) error
	// Outbox exposes the buffered channel behind Send so a session runtime
	// can adopt the connection into its broadcast set.
	Outbox() chan types.ServerMessage
}

// Registry is an injectable online-participant directory. Tests instantiate
// one per case instead of sharing process globals.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]Conn
	observers map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]Conn),
		observers: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(participantID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[participantID] = c
}

// Unregister removes the participant's handle, but only if it is still the
// given one, so a reconnect racing the old connection's teardown survives.
func (r *Registry) Unregister(participantID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[participantID]; ok && cur == c {
		delete(r.conns, participantID)
	}
}

func (r *Registry) Lookup(participantID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[participantID]
	return c, ok
}

// AddObserver registers observer as a social contact of target, to be told
// about target's session starts and ends.
func (r *Registry) AddObserver(target, observer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.observers[target]
	if !ok {
		set = make(map[string]struct{})
		r.observers[target] = set
	}
	set[observer] = struct{}{}
}

func (r *Registry) RemoveObserver(target, observer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.observers[target]; ok {
		delete(set, observer)
		if len(set) == 0 {
			delete(r.observers, target)
		}
	}
}

func (r *Registry) Observers(target string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.observers[target]))
	for id := range r.observers[target] {
		out = append(out, id)
	}
	return out
}

package ble

import (
	"sort"

	"bolt-controller/internal/core"

	"github.com/cornelk/hashmap"
)

// Registry holds the admitted sessions keyed by peripheral identity, and the
// State of every bulb seen so far so a reconnecting bulb keeps its remembered
// brightness. It is owned by the application root and shared with Discovery.
type Registry struct {
	sessions *hashmap.Map[string, *Session]
	states   *hashmap.Map[string, *core.State]
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: hashmap.New[string, *Session](),
		states:   hashmap.New[string, *core.State](),
	}
}

// Add admits s. It returns false, leaving the registry unchanged, when a
// session with the same identity is already present.
func (r *Registry) Add(s *Session) bool {
	return r.sessions.Insert(s.ID(), s)
}

// Remove drops the session with id only if it is s, so a stale disconnect
// cannot evict a newer session for the same bulb.
func (r *Registry) Remove(s *Session) bool {
	current, ok := r.sessions.Get(s.ID())
	if !ok || current != s {
		return false
	}
	return r.sessions.Del(s.ID())
}

func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

func (r *Registry) Has(id string) bool {
	_, ok := r.sessions.Get(id)
	return ok
}

// List returns the sessions ordered by identity.
func (r *Registry) List() []*Session {
	out := make([]*Session, 0, r.sessions.Len())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	return r.sessions.Len()
}

// State returns the State kept for id, creating it on first use.
func (r *Registry) State(id string) *core.State {
	state, _ := r.states.GetOrInsert(id, core.NewState())
	return state
}

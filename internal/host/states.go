// Package host is the small runtime the presence engine runs inside: an
// entity state store, a service registry, a scheduler and a zone registry.
package host

import (
	"sort"
	"sync"
	"time"

	"person_location/internal/events"
)

// State is one entity's state and attributes.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Attr returns a string attribute or "".
func (s State) Attr(key string) string {
	v, _ := s.Attributes[key].(string)
	return v
}

// Float returns a numeric attribute.
func (s State) Float(key string) (float64, bool) {
	return ToFloat(s.Attributes[key])
}

// ToFloat coerces a decoded attribute value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Listener receives every change. old is nil for a new entity, new is nil
// for a removal.
type Listener func(entityID string, old, new *State)

// States is the entity state store.
type States struct {
	mu        sync.RWMutex
	states    map[string]State
	listeners map[int]Listener
	nextID    int
	bus       *events.Bus
	now       func() time.Time
}

// NewStates creates an empty store. bus may be nil.
func NewStates(bus *events.Bus) *States {
	return &States{
		states:    make(map[string]State),
		listeners: make(map[int]Listener),
		bus:       bus,
		now:       time.Now,
	}
}

// Get returns a copy of the entity state.
func (s *States) Get(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Set writes state and attributes. LastChanged moves only when the state
// string changes.
func (s *States) Set(entityID, state string, attrs map[string]any) State {
	now := s.now()
	s.mu.Lock()
	old, existed := s.states[entityID]
	next := State{EntityID: entityID, State: state, Attributes: cloneMap(attrs), LastChanged: now, LastUpdated: now}
	if existed && old.State == state {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	s.mu.Unlock()

	var prev *State
	if existed {
		prev = &old
	}
	s.notify(entityID, prev, &next)
	return next.clone()
}

// Put stores a fully formed state, keeping its timestamps.
func (s *States) Put(st State) {
	st = st.clone()
	if st.LastUpdated.IsZero() {
		st.LastUpdated = s.now()
	}
	if st.LastChanged.IsZero() {
		st.LastChanged = st.LastUpdated
	}
	s.mu.Lock()
	old, existed := s.states[st.EntityID]
	s.states[st.EntityID] = st
	s.mu.Unlock()

	var prev *State
	if existed {
		prev = &old
	}
	s.notify(st.EntityID, prev, &st)
}

// Remove deletes an entity.
func (s *States) Remove(entityID string) {
	s.mu.Lock()
	old, existed := s.states[entityID]
	delete(s.states, entityID)
	s.mu.Unlock()
	if existed {
		s.notify(entityID, &old, nil)
	}
}

// All returns every state sorted by entity id.
func (s *States) All() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Subscribe registers fn for every change and returns an unsubscribe func.
func (s *States) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *States) notify(entityID string, old, new *State) {
	s.mu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(entityID, old, new)
	}
	if s.bus != nil {
		data := map[string]any{}
		if old != nil {
			data["from_state"] = old.State
		}
		if new != nil {
			data["to_state"] = new.State
		}
		s.bus.Publish(events.New(events.StateChanged, entityID, data))
	}
}

func (s State) clone() State {
	s.Attributes = cloneMap(s.Attributes)
	return s
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

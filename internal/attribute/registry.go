package attribute

import (
	"reflect"
	"sync"

	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Callback receives the normalized value of a mapping after its reading
// changed.
type Callback func(id string, m *mapping.Mapping, value any)

// Subscription is one (owner, attribute, mapping) binding.
type Subscription struct {
	Owner   string
	ID      string
	Mapping *mapping.Mapping

	cb Callback
}

// Registry maps attribute ids to the subscriptions interested in them.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Callbacks run on the goroutine that called Notify, outside the
//     registry lock.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	owners map[string]map[string]struct{}
	engine *mapping.Engine
}

// NewRegistry creates an empty registry converting through engine.
func NewRegistry(engine *mapping.Engine) *Registry {
	return &Registry{
		subs:   make(map[string][]*Subscription),
		owners: make(map[string]map[string]struct{}),
		engine: engine,
	}
}

// Subscribe binds owner's mapping to an attribute id. cb may be nil for
// mappings that only need their cached value kept current.
func (r *Registry) Subscribe(id, owner string, m *mapping.Mapping, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[id] = append(r.subs[id], &Subscription{Owner: owner, ID: id, Mapping: m, cb: cb})
	if r.owners[owner] == nil {
		r.owners[owner] = make(map[string]struct{})
	}
	r.owners[owner][id] = struct{}{}
}

// Unsubscribe removes owner's subscription of m on id. With a nil mapping
// every subscription of owner on every attribute is removed.
func (r *Registry) Unsubscribe(id, owner string, m *mapping.Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m == nil {
		for known := range r.owners[owner] {
			r.remove(known, owner, nil)
		}
		delete(r.owners, owner)
		return
	}

	r.remove(id, owner, m)
	for _, s := range r.subs[id] {
		if s.Owner == owner {
			return
		}
	}
	delete(r.owners[owner], id)
	if len(r.owners[owner]) == 0 {
		delete(r.owners, owner)
	}
}

// UnsubscribeOwner removes all subscriptions of owner.
func (r *Registry) UnsubscribeOwner(owner string) {
	r.Unsubscribe("", owner, nil)
}

func (r *Registry) remove(id, owner string, m *mapping.Mapping) {
	kept := r.subs[id][:0]
	for _, s := range r.subs[id] {
		if s.Owner == owner && (m == nil || s.Mapping == m) {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(r.subs, id)
		return
	}
	r.subs[id] = kept
}

// Subscriptions returns the subscriptions of id.
func (r *Registry) Subscriptions(id string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs[id]))
	for _, s := range r.subs[id] {
		out = append(out, *s)
	}
	return out
}

// Subscribed reports whether any mapping listens to id.
func (r *Registry) Subscribed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[id]) > 0
}

// Notify converts raw through every mapping subscribed to id and calls the
// owners back. A mapping whose normalized value is undefined or equal to
// its previous value does not emit. Notify returns the number of callbacks
// made.
func (r *Registry) Notify(id, raw string) int {
	r.mu.RLock()
	subs := make([]*Subscription, len(r.subs[id]))
	copy(subs, r.subs[id])
	r.mu.RUnlock()

	type result struct {
		value any
		emit  bool
	}
	results := make(map[*mapping.Mapping]result, len(subs))

	emitted := 0
	for _, s := range subs {
		res, seen := results[s.Mapping]
		if !seen {
			prev, had := s.Mapping.Cached()
			v, ok := r.engine.ToNormalized(s.Mapping, raw)
			res = result{value: v, emit: ok && !(had && reflect.DeepEqual(prev, v))}
			results[s.Mapping] = res
		}
		if !res.emit || s.cb == nil {
			continue
		}
		s.cb(id, s.Mapping, res.value)
		emitted++
	}
	return emitted
}

package attribute

import (
	"sort"
	"sync"
	"time"
)

// Notifier receives raw value changes. *Registry implements it.
type Notifier interface {
	Notify(id, raw string) int
}

// ChangeHook observes every stored change after subscribers were notified.
type ChangeHook func(e Entry)

// Entry is a snapshot of one cached attribute.
type Entry struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	ChangedAt time.Time `json:"changed_at"`
}

// entry guards its value with mu. update serialises the store-and-notify
// sequence so callbacks may read the cache without deadlocking.
type entry struct {
	update    sync.Mutex
	mu        sync.RWMutex
	value     string
	changedAt time.Time
	set       bool
}

// Cache holds the last known raw value per attribute id.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Update holds a per-id lock across store and notification.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	notifier    Notifier
	derivations []Derivation
	hooks       []ChangeHook
	now         func() time.Time
}

// NewCache creates an empty cache notifying n on changes. n may be nil.
func NewCache(n Notifier) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		notifier: n,
		now:      time.Now,
	}
}

// AddDerivation registers a derivation step run after each primary update.
func (c *Cache) AddDerivation(d Derivation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derivations = append(c.derivations, d)
}

// OnChange registers a hook called for every stored change.
func (c *Cache) OnChange(h ChangeHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Get returns the cached raw value of id.
func (c *Cache) Get(id string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value, e.set
}

// Entry returns a snapshot of the cache entry for id.
func (c *Cache) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Entry{ID: id, Value: e.value, ChangedAt: e.changedAt}, e.set
}

// Entries returns a snapshot of all entries sorted by id.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Entry(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of cached attributes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Update stores raw for id. It returns false, and notifies nobody, when raw
// equals the stored value. Derivations run after a primary change and their
// results are stored through the same path without further derivation.
func (c *Cache) Update(id, raw string) bool {
	if !c.store(id, raw) {
		return false
	}

	c.mu.RLock()
	derivations := c.derivations
	c.mu.RUnlock()

	for _, d := range derivations {
		for _, u := range d.Derive(id, raw) {
			if u.ID == id {
				continue
			}
			c.store(u.ID, u.Value)
		}
	}
	return true
}

func (c *Cache) store(id, raw string) bool {
	e := c.entry(id)

	e.update.Lock()
	defer e.update.Unlock()

	e.mu.Lock()
	if e.set && e.value == raw {
		e.mu.Unlock()
		return false
	}
	e.value = raw
	e.changedAt = c.now()
	e.set = true
	changedAt := e.changedAt
	e.mu.Unlock()

	if c.notifier != nil {
		c.notifier.Notify(id, raw)
	}

	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	snapshot := Entry{ID: id, Value: raw, ChangedAt: changedAt}
	for _, h := range hooks {
		h(snapshot)
	}
	return true
}

func (c *Cache) entry(id string) *entry {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[id]; ok {
		return e
	}
	e = &entry{}
	c.entries[id] = e
	return e
}

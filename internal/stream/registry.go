package stream

import "sync"

// Registry indexes subscriptions by logical id and by routing topic. Iteration follows
// registration order.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Subscription
	topics map[string]string
	order  []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Subscription),
		topics: make(map[string]string),
	}
}

// Add registers sub. It reports false when the id is already registered, leaving the existing
// entry untouched.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[sub.ID]; exists {
		return false
	}
	r.byID[sub.ID] = sub
	r.topics[sub.Topic] = sub.ID
	r.order = append(r.order, sub.ID)
	return true
}

// Get returns the subscription registered under id.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Lookup returns the subscription owning topic.
func (r *Registry) Lookup(topic string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.topics[topic]
	if !ok {
		return Subscription{}, false
	}
	sub, ok := r.byID[id]
	return sub, ok
}

// Snapshot copies every subscription in registration order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

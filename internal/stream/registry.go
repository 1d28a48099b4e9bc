package stream

import (
	"sort"
	"sync"
)

// Registry is the durable set of desired topics and their handlers. It
// outlives any single connection: the manager replays it after every
// reconnect.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Set registers a handler for a topic. Re-registering an existing topic
// replaces its handler without error.
func (r *Registry) Set(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

// Remove deletes a topic and reports whether it was present.
func (r *Registry) Remove(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[topic]
	if ok {
		delete(r.handlers, topic)
	}
	return ok
}

// Handler returns the handler for a topic, if registered.
func (r *Registry) Handler(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[topic]
	return h, ok
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Topics returns all registered topic keys in sorted order, so replay is
// deterministic.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Batches splits the registered topics into groups of at most n, keeping
// the sorted order. n <= 0 yields a single batch.
func (r *Registry) Batches(n int) [][]string {
	topics := r.Topics()
	if len(topics) == 0 {
		return nil
	}
	if n <= 0 || n >= len(topics) {
		return [][]string{topics}
	}

	batches := make([][]string, 0, (len(topics)+n-1)/n)
	for start := 0; start < len(topics); start += n {
		end := start + n
		if end > len(topics) {
			end = len(topics)
		}
		batches = append(batches, topics[start:end])
	}
	return batches
}

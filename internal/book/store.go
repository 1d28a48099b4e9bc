package book

import (
	"errors"
	"sync"
	"time"
)

// ErrNoSnapshot is returned when a delta arrives for a topic that has not
// yet received its initial snapshot. The delta must be dropped; patching an
// absent base would corrupt the merged view.
var ErrNoSnapshot = errors.New("delta received before snapshot")

// Store keeps merged per-topic state. State is created lazily on the first
// snapshot for a topic and discarded on unsubscribe or teardown.
type Store struct {
	mu     sync.Mutex
	books  map[string]*Book
	fields map[string]FieldSet

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		books:  make(map[string]*Book),
		fields: make(map[string]FieldSet),
		now:    time.Now,
	}
}

// ApplyBook merges an order book update and returns a copy of the merged
// state safe to hand to callbacks.
func (s *Store) ApplyBook(topic string, u Update) (*Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[topic]
	if !ok {
		if u.Type != Snapshot {
			return nil, ErrNoSnapshot
		}
		b = &Book{}
		s.books[topic] = b
	}
	b.apply(u, s.now())

	return cloneBook(b), nil
}

// ApplyFields merges a scalar-field update and returns a copy of the
// merged state.
func (s *Store) ApplyFields(topic string, u FieldUpdate) (FieldSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[topic]
	if !ok {
		if u.Type != Snapshot {
			return nil, ErrNoSnapshot
		}
		f = FieldSet{}
	}
	f = f.apply(u)
	s.fields[topic] = f

	out := make(FieldSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

// Book returns a copy of the merged book for a topic, if present.
func (s *Store) Book(topic string) (*Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[topic]
	if !ok {
		return nil, false
	}
	return cloneBook(b), true
}

// Drop discards all state for a topic.
func (s *Store) Drop(topic string) {
	s.mu.Lock()
	delete(s.books, topic)
	delete(s.fields, topic)
	s.mu.Unlock()
}

// Reset discards all state. Used on manager teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	s.books = make(map[string]*Book)
	s.fields = make(map[string]FieldSet)
	s.mu.Unlock()
}

func cloneBook(b *Book) *Book {
	return &Book{
		Bids:      append([]Level(nil), b.Bids...),
		Asks:      append([]Level(nil), b.Asks...),
		Seq:       b.Seq,
		UpdatedAt: b.UpdatedAt,
	}
}

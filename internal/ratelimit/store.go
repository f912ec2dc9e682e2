package ratelimit

// Store is the persistence abstraction for rate records.
// The Governor serializes all access, so implementations need no locking of
// their own. An external shared store can replace InMemoryStore without
// touching Governor call sites.
type Store interface {
	Get(key string) (Record, bool)
	Set(key string, rec Record)
	Delete(key string)
	Keys() []string
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	records map[string]Record
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(key string) (Record, bool) {
	rec, ok := s.records[key]
	return rec, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(key string, rec Record) {
	s.records[key] = rec
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(key string) {
	delete(s.records, key)
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.records)
}

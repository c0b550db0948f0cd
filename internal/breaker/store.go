package breaker

import (
	"sync"
	"time"
)

// StateRecord is the durable snapshot of one provider's circuit.
type StateRecord struct {
	Provider            string
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	LastFailure         time.Time
}

// StateStore persists circuit state across process restarts so breaker
// history is not erased by a crash. Implementations must provide atomic
// read-modify-write semantics per provider.
type StateStore interface {
	// Load returns the stored record for a provider, if any.
	Load(provider string) (StateRecord, bool, error)

	// Save writes the record, replacing any previous one for the provider.
	Save(record StateRecord) error
}

// MemoryStateStore is an in-process StateStore for embedding and tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]StateRecord
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]StateRecord)}
}

// Load returns the stored record for a provider, if any.
func (s *MemoryStateStore) Load(provider string) (StateRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[provider]
	return rec, ok, nil
}

// Save writes the record, replacing any previous one for the provider.
func (s *MemoryStateStore) Save(record StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.Provider] = record
	return nil
}

package governor

import "sync"

// LedgerStore is the durable budget ledger backing the global period budget.
// Records are keyed by (caller, dimension) with a counter and the reset epoch
// it belongs to. Counters never decrease; a new epoch starts a fresh counter.
// Implementations must provide atomic read-modify-write semantics.
type LedgerStore interface {
	// IncrementIfBelow atomically increments the counter for the key within
	// the given epoch when the current count is below limit. A record from an
	// older epoch is replaced by a fresh one (the reset boundary). Returns
	// the post-operation count and whether the increment was admitted.
	IncrementIfBelow(caller, dimension string, epoch int64, limit int) (count int, admitted bool, err error)

	// Count returns the current counter for the key within the given epoch.
	// A record from another epoch counts as zero.
	Count(caller, dimension string, epoch int64) (int, error)
}

type ledgerRecord struct {
	counter int
	epoch   int64
}

// MemoryLedgerStore is an in-process LedgerStore for embedding and tests.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	records map[string]*ledgerRecord
}

// NewMemoryLedgerStore creates an empty MemoryLedgerStore.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{records: make(map[string]*ledgerRecord)}
}

// IncrementIfBelow atomically increments the counter when below limit.
func (s *MemoryLedgerStore) IncrementIfBelow(caller, dimension string, epoch int64, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := caller + "\x00" + dimension
	rec, ok := s.records[key]
	if !ok || rec.epoch != epoch {
		rec = &ledgerRecord{epoch: epoch}
		s.records[key] = rec
	}

	if limit > 0 && rec.counter >= limit {
		return rec.counter, false, nil
	}

	rec.counter++
	return rec.counter, true, nil
}

// Count returns the current counter for the key within the given epoch.
func (s *MemoryLedgerStore) Count(caller, dimension string, epoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[caller+"\x00"+dimension]
	if !ok || rec.epoch != epoch {
		return 0, nil
	}
	return rec.counter, nil
}

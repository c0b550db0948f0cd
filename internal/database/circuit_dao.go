package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/types"
)

// CircuitDAO persists circuit breaker state per provider. It implements
// breaker.StateStore so tripped circuits survive a process restart.
type CircuitDAO struct {
	db *DB
}

// NewCircuitDAO creates a CircuitDAO over an open database.
func NewCircuitDAO(db *DB) *CircuitDAO {
	return &CircuitDAO{db: db}
}

// Load returns the stored record for a provider, if any.
func (d *CircuitDAO) Load(provider string) (breaker.StateRecord, bool, error) {
	var (
		state      string
		failures   int
		openedAt   int64
		lastFailed int64
	)
	err := d.db.conn.QueryRow(`
		SELECT state, consecutive_failures, opened_at, last_failure
		FROM circuit_state WHERE provider = ?`,
		provider).Scan(&state, &failures, &openedAt, &lastFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return breaker.StateRecord{}, false, nil
	}
	if err != nil {
		return breaker.StateRecord{}, false, types.WrapError(types.DB_QUERY_FAILED, "circuit state read failed", err)
	}

	parsed, err := parseCircuitState(state)
	if err != nil {
		return breaker.StateRecord{}, false, err
	}
	return breaker.StateRecord{
		Provider:            provider,
		State:               parsed,
		ConsecutiveFailures: failures,
		OpenedAt:            fromUnix(openedAt),
		LastFailure:         fromUnix(lastFailed),
	}, true, nil
}

// Save writes the record, replacing any previous one for the provider.
func (d *CircuitDAO) Save(record breaker.StateRecord) error {
	_, err := d.db.conn.Exec(`
		INSERT INTO circuit_state (provider, state, consecutive_failures, opened_at, last_failure)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			last_failure = excluded.last_failure`,
		record.Provider,
		record.State.String(),
		record.ConsecutiveFailures,
		toUnix(record.OpenedAt),
		toUnix(record.LastFailure),
	)
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "circuit state write failed", err)
	}
	return nil
}

func parseCircuitState(s string) (breaker.CircuitState, error) {
	switch s {
	case breaker.StateClosed.String():
		return breaker.StateClosed, nil
	case breaker.StateOpen.String():
		return breaker.StateOpen, nil
	case breaker.StateHalfOpen.String():
		return breaker.StateHalfOpen, nil
	default:
		return breaker.StateClosed, types.NewError(types.DB_QUERY_FAILED,
			fmt.Sprintf("unknown circuit state %q", s))
	}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

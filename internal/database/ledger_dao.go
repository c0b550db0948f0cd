package database

import (
	"database/sql"
	"errors"

	"github.com/concord-ai/concord/internal/types"
)

// LedgerDAO is the durable budget ledger. It implements governor.LedgerStore
// with single-statement upserts so concurrent admitters get atomic
// read-modify-write semantics from SQLite itself.
type LedgerDAO struct {
	db *DB
}

// NewLedgerDAO creates a LedgerDAO over an open database.
func NewLedgerDAO(db *DB) *LedgerDAO {
	return &LedgerDAO{db: db}
}

// IncrementIfBelow atomically increments the counter for (caller, dimension)
// within the given epoch when the current count is below limit. A record from
// an older epoch is replaced by a fresh one at the reset boundary.
func (d *LedgerDAO) IncrementIfBelow(caller, dimension string, epoch int64, limit int) (int, bool, error) {
	// The epoch mismatch arm always fires so the boundary reset happens even
	// when the old counter sits at the limit.
	res, err := d.db.conn.Exec(`
		INSERT INTO budget_ledger (caller, dimension, reset_epoch, counter)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (caller, dimension) DO UPDATE SET
			counter = CASE
				WHEN budget_ledger.reset_epoch != excluded.reset_epoch THEN 1
				ELSE budget_ledger.counter + 1
			END,
			reset_epoch = excluded.reset_epoch
		WHERE budget_ledger.reset_epoch != excluded.reset_epoch
			OR ? <= 0
			OR budget_ledger.counter < ?`,
		caller, dimension, epoch, limit, limit)
	if err != nil {
		return 0, false, types.WrapError(types.DB_QUERY_FAILED, "ledger increment failed", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, types.WrapError(types.DB_QUERY_FAILED, "ledger increment result unavailable", err)
	}

	count, err := d.Count(caller, dimension, epoch)
	if err != nil {
		return 0, false, err
	}
	return count, affected > 0, nil
}

// Count returns the counter for (caller, dimension) within the given epoch.
// A record from another epoch counts as zero.
func (d *LedgerDAO) Count(caller, dimension string, epoch int64) (int, error) {
	var count int
	err := d.db.conn.QueryRow(`
		SELECT counter FROM budget_ledger
		WHERE caller = ? AND dimension = ? AND reset_epoch = ?`,
		caller, dimension, epoch).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.WrapError(types.DB_QUERY_FAILED, "ledger read failed", err)
	}
	return count, nil
}

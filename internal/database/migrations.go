package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/concord-ai/concord/internal/types"
)

//go:embed schema.sql
var initialSchema string

type migration struct {
	version int
	name    string
	up      string
}

func allMigrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "initial_schema",
			up:      initialSchema,
		},
	}
}

// migrate applies all pending migrations inside transactions, recording each
// applied version in schema_migrations.
func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED, "failed to create migrations table", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range allMigrations() {
		if m.version <= current {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED,
			fmt.Sprintf("failed to begin migration %d", m.version), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.up); err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED,
			fmt.Sprintf("migration %d (%s) failed", m.version, m.name), err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED,
			fmt.Sprintf("failed to record migration %d", m.version), err)
	}
	if err := tx.Commit(); err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED,
			fmt.Sprintf("failed to commit migration %d", m.version), err)
	}
	return nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.WrapError(types.DB_QUERY_FAILED, "failed to read schema version", err)
	}
	return version, nil
}

package database

import (
	"context"
	"fmt"
)

// Amounts and ticks are unsigned 64-bit values, which exceed BIGINT, so they
// are stored as NUMERIC(20,0).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		name             TEXT PRIMARY KEY,
		max_improvements NUMERIC(20,0) NOT NULL CHECK (max_improvements >= 0),
		tax_rate         NUMERIC(20,0) NOT NULL CHECK (tax_rate >= 0),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		id               NUMERIC(20,0) PRIMARY KEY CHECK (id > 0),
		owner            TEXT NOT NULL,
		price            NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (price >= 0),
		zone             TEXT NOT NULL REFERENCES zones (name),
		last_tax_payment NUMERIC(20,0) NOT NULL CHECK (last_tax_payment >= 0),
		improvements     NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (improvements >= 0),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_owner ON properties (owner)`,
	`CREATE TABLE IF NOT EXISTS registry_meta (
		key   TEXT PRIMARY KEY,
		value NUMERIC(20,0) NOT NULL
	)`,
}

// EnsureSchema creates the ledger tables if they do not exist.
func (db *Database) EnsureSchema(ctx context.Context) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

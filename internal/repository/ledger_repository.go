package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/parcelledger/internal/database"
	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/registry"
)

const lastPropertyIDKey = "last_property_id"

// LedgerRepository defines the interface for persisting registry records.
type LedgerRepository interface {
	// Load reads every zone and parcel plus the last assigned id.
	Load(ctx context.Context) (registry.State, error)

	// SaveZone inserts or replaces a zone.
	SaveZone(ctx context.Context, zone models.Zone) error

	// SaveProperty inserts or replaces a parcel and advances the stored last id.
	SaveProperty(ctx context.Context, property models.Property) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// ledgerRepository is the PostgreSQL implementation of LedgerRepository.
type ledgerRepository struct {
	db *database.Database
}

// NewLedgerRepository creates a PostgreSQL-backed LedgerRepository.
func NewLedgerRepository(db *database.Database) LedgerRepository {
	return &ledgerRepository{
		db: db,
	}
}

// Load reads the full registry state in a single read-only transaction so
// zones, parcels and the id counter are mutually consistent.
//
// Unsigned columns are read as text and parsed, since NUMERIC(20,0) can hold
// values beyond int64.
func (r *ledgerRepository) Load(ctx context.Context) (registry.State, error) {
	var state registry.State

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return state, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	zoneRows, err := tx.Query(ctx, `
		SELECT name, max_improvements::text, tax_rate::text
		FROM zones
		ORDER BY name
	`)
	if err != nil {
		return state, fmt.Errorf("failed to query zones: %w", err)
	}
	state.Zones, err = pgx.CollectRows(zoneRows, scanZone)
	if err != nil {
		return state, fmt.Errorf("failed to scan zone rows: %w", err)
	}

	propertyRows, err := tx.Query(ctx, `
		SELECT id::text, owner, price::text, zone, last_tax_payment::text, improvements::text
		FROM properties
		ORDER BY id
	`)
	if err != nil {
		return state, fmt.Errorf("failed to query properties: %w", err)
	}
	state.Properties, err = pgx.CollectRows(propertyRows, scanProperty)
	if err != nil {
		return state, fmt.Errorf("failed to scan property rows: %w", err)
	}

	var lastID *string
	err = tx.QueryRow(ctx, `SELECT value::text FROM registry_meta WHERE key = $1`, lastPropertyIDKey).Scan(&lastID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return state, fmt.Errorf("failed to query last property id: %w", err)
	}
	if lastID != nil {
		id, err := parseUint(*lastID)
		if err != nil {
			return state, fmt.Errorf("last property id: %w", err)
		}
		state.LastID = models.PropertyID(id)
	}

	return state, nil
}

// SaveZone upserts a zone row.
func (r *ledgerRepository) SaveZone(ctx context.Context, zone models.Zone) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO zones (name, max_improvements, tax_rate)
		VALUES ($1, $2::numeric, $3::numeric)
		ON CONFLICT (name) DO UPDATE SET
			max_improvements = EXCLUDED.max_improvements,
			tax_rate = EXCLUDED.tax_rate,
			updated_at = NOW()
	`, zone.Name, formatUint(zone.MaxImprovements), formatUint(zone.TaxRate))
	if err != nil {
		return fmt.Errorf("failed to save zone %q: %w", zone.Name, err)
	}
	return nil
}

// SaveProperty upserts a parcel row and raises the stored last id in one transaction.
func (r *ledgerRepository) SaveProperty(ctx context.Context, property models.Property) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO properties (id, owner, price, zone, last_tax_payment, improvements)
		VALUES ($1::numeric, $2, $3::numeric, $4, $5::numeric, $6::numeric)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			price = EXCLUDED.price,
			last_tax_payment = EXCLUDED.last_tax_payment,
			improvements = EXCLUDED.improvements,
			updated_at = NOW()
	`,
		formatUint(uint64(property.ID)),
		string(property.Owner),
		formatUint(property.Price),
		property.Zone,
		formatUint(uint64(property.LastTaxPayment)),
		formatUint(property.Improvements),
	)
	if err != nil {
		return fmt.Errorf("failed to save property %d: %w", property.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO registry_meta (key, value)
		VALUES ($1, $2::numeric)
		ON CONFLICT (key) DO UPDATE SET
			value = GREATEST(registry_meta.value, EXCLUDED.value)
	`, lastPropertyIDKey, formatUint(uint64(property.ID)))
	if err != nil {
		return fmt.Errorf("failed to advance last property id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit property %d: %w", property.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (r *ledgerRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// scanZone reads one zones row.
func scanZone(row pgx.CollectableRow) (models.Zone, error) {
	var zone models.Zone
	var maxImprovements, taxRate string
	if err := row.Scan(&zone.Name, &maxImprovements, &taxRate); err != nil {
		return zone, err
	}

	var err error
	if zone.MaxImprovements, err = parseUint(maxImprovements); err != nil {
		return zone, fmt.Errorf("zone %q max_improvements: %w", zone.Name, err)
	}
	if zone.TaxRate, err = parseUint(taxRate); err != nil {
		return zone, fmt.Errorf("zone %q tax_rate: %w", zone.Name, err)
	}
	return zone, nil
}

// scanProperty reads one properties row.
func scanProperty(row pgx.CollectableRow) (models.Property, error) {
	var property models.Property
	var id, owner, price, lastTaxPayment, improvements string
	if err := row.Scan(&id, &owner, &price, &property.Zone, &lastTaxPayment, &improvements); err != nil {
		return property, err
	}
	property.Owner = models.Principal(owner)

	rawID, err := parseUint(id)
	if err != nil {
		return property, fmt.Errorf("property id %q: %w", id, err)
	}
	property.ID = models.PropertyID(rawID)

	if property.Price, err = parseUint(price); err != nil {
		return property, fmt.Errorf("property %d price: %w", property.ID, err)
	}
	tick, err := parseUint(lastTaxPayment)
	if err != nil {
		return property, fmt.Errorf("property %d last_tax_payment: %w", property.ID, err)
	}
	property.LastTaxPayment = models.Tick(tick)
	if property.Improvements, err = parseUint(improvements); err != nil {
		return property, fmt.Errorf("property %d improvements: %w", property.ID, err)
	}
	return property, nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

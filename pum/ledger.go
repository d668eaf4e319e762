// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// LedgerTableName is the migration ledger table inside the configured
// migration table schema. Its shape is the on-disk contract between
// separately invoked processes and stays stable across releases.
const LedgerTableName = "pum_migrations"

// MigrationRecord is one persisted ledger row describing an installed
// module instance.
type MigrationRecord struct {
	ID          int64          `db:"id"`           // BIGSERIAL PRIMARY KEY
	Module      string         `db:"module"`       // Stable module identifier
	Schema      string         `db:"schema_name"`  // Target schema of the installation
	Baseline    Version        `db:"version"`      // Last successfully applied version
	BetaTesting bool           `db:"beta_testing"` // Excluded from the normal upgrade path
	Parameters  map[string]any `db:"parameters"`   // Values recorded at install time
	InstalledAt time.Time      `db:"installed_at"` // Initial install timestamp
	UpgradedAt  *time.Time     `db:"upgraded_at"`  // Last upgrade timestamp, nil if never upgraded
}

// SchemaMigrations reads and writes the migration ledger recording
// which module versions are installed in a target database.
type SchemaMigrations struct {
	cfg    *Config
	logger *slog.Logger
}

// NewSchemaMigrations creates a ledger accessor bound to cfg.
func NewSchemaMigrations(cfg *Config, logger *slog.Logger) *SchemaMigrations {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaMigrations{cfg: cfg, logger: logger}
}

const createLedgerSQL = `
CREATE TABLE IF NOT EXISTS %s (
	id           BIGSERIAL PRIMARY KEY,
	module       TEXT NOT NULL,
	schema_name  TEXT NOT NULL,
	version      TEXT NOT NULL,
	beta_testing BOOLEAN NOT NULL DEFAULT false,
	parameters   JSONB NOT NULL DEFAULT '{}'::jsonb,
	installed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	upgraded_at  TIMESTAMPTZ,
	UNIQUE (module, schema_name)
)`

const ledgerTableExistsSQL = `
SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = @schema AND table_name = @table
)`

const ledgerColumnsSQL = `
SELECT column_name FROM information_schema.columns
WHERE table_schema = @schema AND table_name = @table`

const recordSelectSQL = `
SELECT id, module, schema_name, version, beta_testing, parameters, installed_at, upgraded_at
FROM %s
WHERE module = @module AND schema_name = @schema_name`

const recordSelectAllSQL = `
SELECT id, module, schema_name, version, beta_testing, parameters, installed_at, upgraded_at
FROM %s
ORDER BY module, schema_name`

const recordInsertSQL = `
INSERT INTO %s (module, schema_name, version, beta_testing, parameters)
VALUES (@module, @schema_name, @version, @beta_testing, @parameters)`

const recordUpdateSQL = `
UPDATE %s SET version = @version, upgraded_at = now()
WHERE module = @module AND schema_name = @schema_name`

const recordDeleteSQL = `
DELETE FROM %s WHERE module = @module AND schema_name = @schema_name`

var ledgerRequiredColumns = []string{
	"module", "schema_name", "version", "beta_testing",
	"parameters", "installed_at", "upgraded_at",
}

func (m *SchemaMigrations) tableIdent() string {
	return pgx.Identifier{m.cfg.MigrationTableSchema(), LedgerTableName}.Sanitize()
}

func (m *SchemaMigrations) keyArgs() pgx.NamedArgs {
	return pgx.NamedArgs{
		"module":      m.cfg.Module(),
		"schema_name": m.cfg.Schema(),
	}
}

// Exists reports whether the ledger table exists and carries a record
// for this module and schema.
func (m *SchemaMigrations) Exists(ctx context.Context, db DB) (bool, error) {
	var exists bool
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		rec, err := m.detailsTx(ctx, tx)
		if err != nil {
			return err
		}
		exists = rec != nil
		return nil
	})
	return exists, err
}

// Baseline returns the installed version for this module and schema,
// nil when the module is not installed.
func (m *SchemaMigrations) Baseline(ctx context.Context, db DB) (*Version, error) {
	rec, err := m.MigrationDetails(ctx, db)
	if err != nil || rec == nil {
		return nil, err
	}
	v := rec.Baseline
	return &v, nil
}

// MigrationDetails returns the full ledger record for this module and
// schema, nil when the module is not installed.
func (m *SchemaMigrations) MigrationDetails(ctx context.Context, db DB) (*MigrationRecord, error) {
	var rec *MigrationRecord
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		var err error
		rec, err = m.detailsTx(ctx, tx)
		return err
	})
	return rec, err
}

// MigrationSummary condenses the ledger record into one human-readable
// line.
func (m *SchemaMigrations) MigrationSummary(ctx context.Context, db DB) (string, error) {
	rec, err := m.MigrationDetails(ctx, db)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return fmt.Sprintf("module %s is not installed", m.cfg.Module()), nil
	}
	summary := fmt.Sprintf("module %s version %s in schema %s, installed %s",
		rec.Module, rec.Baseline, rec.Schema, rec.InstalledAt.Format(time.RFC3339))
	if rec.UpgradedAt != nil {
		summary += fmt.Sprintf(", last upgraded %s", rec.UpgradedAt.Format(time.RFC3339))
	}
	if rec.BetaTesting {
		summary += " (beta testing)"
	}
	return summary, nil
}

// InstalledModules returns every ledger row in the target database,
// across all modules and schemas. Missing ledger table yields an empty
// result.
func (m *SchemaMigrations) InstalledModules(ctx context.Context, db DB) ([]MigrationRecord, error) {
	var records []MigrationRecord
	err := readOnlyTx(ctx, db, func(tx pgx.Tx) error {
		ok, err := m.tableOK(ctx, tx)
		if err != nil || !ok {
			return err
		}
		rows, err := tx.Query(ctx, fmt.Sprintf(recordSelectAllSQL, m.tableIdent()))
		if err != nil {
			return fmt.Errorf("query ledger: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
		return rows.Err()
	})
	return records, err
}

// detailsTx reads this module's record inside an existing transaction.
func (m *SchemaMigrations) detailsTx(ctx context.Context, tx pgx.Tx) (*MigrationRecord, error) {
	ok, err := m.tableOK(ctx, tx)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(recordSelectSQL, m.tableIdent()), m.keyArgs())
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

// tableOK reports whether the ledger table exists, and verifies its
// shape when it does. A malformed table surfaces as ErrCorruptLedger,
// never as a fabricated baseline.
func (m *SchemaMigrations) tableOK(ctx context.Context, tx pgx.Tx) (bool, error) {
	args := pgx.NamedArgs{
		"schema": m.cfg.MigrationTableSchema(),
		"table":  LedgerTableName,
	}
	var exists bool
	if err := tx.QueryRow(ctx, ledgerTableExistsSQL, args).Scan(&exists); err != nil {
		return false, fmt.Errorf("check ledger table: %w", err)
	}
	if !exists {
		return false, nil
	}

	rows, err := tx.Query(ctx, ledgerColumnsSQL, args)
	if err != nil {
		return false, fmt.Errorf("read ledger columns: %w", err)
	}
	defer rows.Close()
	present := make(map[string]bool, len(ledgerRequiredColumns))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("read ledger columns: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("read ledger columns: %w", err)
	}
	var missing []string
	for _, name := range ledgerRequiredColumns {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Errorf("%w: table %s is missing columns %s",
			ErrCorruptLedger, m.tableIdent(), strings.Join(missing, ", "))
	}
	return true, nil
}

func scanRecord(rows pgx.Rows) (*MigrationRecord, error) {
	var (
		rec        MigrationRecord
		rawVersion string
	)
	if err := rows.Scan(&rec.ID, &rec.Module, &rec.Schema, &rawVersion,
		&rec.BetaTesting, &rec.Parameters, &rec.InstalledAt, &rec.UpgradedAt); err != nil {
		return nil, fmt.Errorf("scan ledger record: %w", err)
	}
	v, err := ParseVersion(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: record for module %q carries version %q", ErrCorruptLedger, rec.Module, rawVersion)
	}
	rec.Baseline = v
	return &rec, nil
}

// ensureTable creates the ledger table, and its schema when a
// non-default one is configured, inside the operation transaction.
func (m *SchemaMigrations) ensureTable(ctx context.Context, tx pgx.Tx) error {
	schema := pgx.Identifier{m.cfg.MigrationTableSchema()}.Sanitize()
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(createLedgerSQL, m.tableIdent())); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

func (m *SchemaMigrations) insertRecord(ctx context.Context, tx pgx.Tx, version Version, beta bool, params map[string]any) error {
	args := m.keyArgs()
	args["version"] = version.String()
	args["beta_testing"] = beta
	args["parameters"] = params
	if _, err := tx.Exec(ctx, fmt.Sprintf(recordInsertSQL, m.tableIdent()), args); err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	m.logger.Debug("Ledger record written", "module", m.cfg.Module(), "schema", m.cfg.Schema(), "version", version)
	return nil
}

func (m *SchemaMigrations) updateBaseline(ctx context.Context, tx pgx.Tx, version Version) error {
	args := m.keyArgs()
	args["version"] = version.String()
	tag, err := tx.Exec(ctx, fmt.Sprintf(recordUpdateSQL, m.tableIdent()), args)
	if err != nil {
		return fmt.Errorf("update ledger baseline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no ledger record for module %q in schema %q",
			ErrCorruptLedger, m.cfg.Module(), m.cfg.Schema())
	}
	m.logger.Debug("Ledger baseline updated", "module", m.cfg.Module(), "version", version)
	return nil
}

func (m *SchemaMigrations) deleteRecord(ctx context.Context, tx pgx.Tx) (bool, error) {
	tag, err := tx.Exec(ctx, fmt.Sprintf(recordDeleteSQL, m.tableIdent()), m.keyArgs())
	if err != nil {
		return false, fmt.Errorf("delete ledger record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

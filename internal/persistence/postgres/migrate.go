// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	embeddedmigrations "github.com/rillation/enrichment-runtime/migrations"
)

const schemaMigrationLockID int64 = 0x454e525f4d494752 // "ENR_MIGR"

// requiredSchema lists, per table, the columns the engine reads or writes
// and that were not part of the first migration.
var requiredSchema = map[string][]string{
	"execution_records": {"provider_task_id", "provider_source_id", "provider_workbook_id", "raw_response", "claimed_at"},
	"record_events":     {"seq", "payload"},
	"plan_runs":         {"status", "step_cost_total"},
	"step_outcomes":     {"error_kind", "result"},
}

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies pending embedded migrations. Concurrent processes
// serialize on a session advisory lock, so it is safe to call from every
// binary at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); err != nil {
			logger.Error("schema bootstrap unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	pending := pendingMigrations(migrations, applied)
	for _, migration := range pending {
		logger.Info("applying migration", "file", migration.Name)
		if err := applyMigration(ctx, conn, migration); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
	}

	logger.Info("schema bootstrap complete",
		"applied", len(pending),
		"skipped", len(migrations)-len(pending),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func pendingMigrations(all []embeddedmigrations.File, applied map[string]bool) []embeddedmigrations.File {
	out := make([]embeddedmigrations.File, 0, len(all))
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, migration embeddedmigrations.File) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, migration.Name)
		return err
	})
}

// SchemaReady reports which required tables or columns are missing.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name = ANY($1)
	`, requiredTableNames())
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]map[string]bool, len(requiredSchema))
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scan schema column: %w", err)
		}
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	return missingSchema(present)
}

func requiredTableNames() []string {
	names := make([]string, 0, len(requiredSchema))
	for table := range requiredSchema {
		names = append(names, table)
	}
	slices.Sort(names)
	return names
}

func missingSchema(present map[string]map[string]bool) error {
	var missingTables, missingColumns []string
	for _, table := range requiredTableNames() {
		cols, ok := present[table]
		if !ok {
			missingTables = append(missingTables, table)
			continue
		}
		for _, col := range requiredSchema[table] {
			if !cols[col] {
				missingColumns = append(missingColumns, table+"."+col)
			}
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", "))
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", "))
	}
	return nil
}

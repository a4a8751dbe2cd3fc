package store

import (
	"context"
	"database/sql"
	"strconv"

	"go.uber.org/zap"
)

// schemaVersionKey is the config row driving ordered migrations.
const schemaVersionKey = "schemaVersion"

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations is append-only. Each entry must be idempotent: hydration
// of old worlds re-runs nothing, but a crash between apply and the
// version bump replays the last one.
var migrations = []migration{
	{1, "base tables", applyV1},
	{2, "changefeed object index", applyV2},
}

func (d *DB) migrate(ctx context.Context) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`); err != nil {
		return Error.Wrap(err)
	}

	version := 0
	var raw string
	row := tx.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", schemaVersionKey)
	if scanErr := row.Scan(&raw); scanErr == nil {
		version, _ = strconv.Atoi(raw)
	} else if scanErr != sql.ErrNoRows {
		return Error.Wrap(scanErr)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err = m.apply(ctx, tx); err != nil {
			return Error.New("migration %d (%s): %v", m.version, m.name, err)
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO config(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			schemaVersionKey, strconv.Itoa(m.version)); err != nil {
			return Error.Wrap(err)
		}
		d.log.Info("applied migration", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return Error.Wrap(tx.Commit())
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			rank INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blueprints (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deploy_snapshots (
			id TEXT PRIMARY KEY,
			scope TEXT,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_changes (
			cursor INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			object_uid TEXT NOT NULL DEFAULT '',
			patch TEXT,
			snapshot TEXT
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_sync_changes_object ON sync_changes(object_uid, cursor)`)
	return err
}

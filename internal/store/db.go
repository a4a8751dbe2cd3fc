// Package store is the durable mirror of the in-memory world: sqlite
// tables for blueprints, entities, config, users, deploy snapshots,
// and the sync_changes changefeed, plus the dirty-set flusher and the
// startup hydration path.
package store

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Error is the class wrapping every failure escaping this package.
var Error = errs.Class("store")

// DB wraps the sqlite world database.
type DB struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the world database at path and brings the
// schema up to date. Migration failure aborts startup.
func Open(path string, log *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, Error.New("db path required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	d := &DB{db: sqlDB, log: log}
	ctx := context.Background()
	if err := d.applyPragmas(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := d.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Checkpoint forces a WAL checkpoint so a clean shutdown leaves a
// single durable file.
func (d *DB) Checkpoint() error {
	_, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return Error.Wrap(err)
}

func (d *DB) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

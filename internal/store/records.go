package store

import (
	"context"
	"database/sql"
	"time"

	"verse/server/internal/world"
)

// Row is one serialized blueprint or entity record. The authoritative
// schema lives inside Value; the columns exist for operational
// queries only.
type Row struct {
	ID        string
	Value     string
	CreatedAt string
	UpdatedAt string
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (d *DB) upsertRecord(ctx context.Context, table, id, value string) error {
	now := nowStamp()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO `+table+`(id, value, created_at, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		id, value, now, now)
	return Error.Wrap(err)
}

func (d *DB) deleteRecord(ctx context.Context, table, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	return Error.Wrap(err)
}

func (d *DB) listRecords(ctx context.Context, table string) ([]Row, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, value, created_at, updated_at FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Value, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, r)
	}
	return out, Error.Wrap(rows.Err())
}

// UpsertBlueprint writes one serialized blueprint row.
func (d *DB) UpsertBlueprint(ctx context.Context, id, value string) error {
	return d.upsertRecord(ctx, "blueprints", id, value)
}

// DeleteBlueprint removes one blueprint row.
func (d *DB) DeleteBlueprint(ctx context.Context, id string) error {
	return d.deleteRecord(ctx, "blueprints", id)
}

// ListBlueprints reads every blueprint row.
func (d *DB) ListBlueprints(ctx context.Context) ([]Row, error) {
	return d.listRecords(ctx, "blueprints")
}

// UpsertEntity writes one serialized entity row.
func (d *DB) UpsertEntity(ctx context.Context, id, value string) error {
	return d.upsertRecord(ctx, "entities", id, value)
}

// DeleteEntity removes one entity row.
func (d *DB) DeleteEntity(ctx context.Context, id string) error {
	return d.deleteRecord(ctx, "entities", id)
}

// ListEntities reads every entity row.
func (d *DB) ListEntities(ctx context.Context) ([]Row, error) {
	return d.listRecords(ctx, "entities")
}

// GetConfig reads one config value.
func (d *DB) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return value, true, nil
}

// SetConfig writes one config value.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO config(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return Error.Wrap(err)
}

// UpsertUser writes a durable user row.
func (d *DB) UpsertUser(ctx context.Context, u world.User) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users(id, name, avatar, rank, created_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar, rank = excluded.rank`,
		u.ID, u.Name, u.Avatar, u.Rank, u.CreatedAt)
	return Error.Wrap(err)
}

// GetUser reads one user row; nil when absent.
func (d *DB) GetUser(ctx context.Context, id string) (*world.User, error) {
	var u world.User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, avatar, rank, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Avatar, &u.Rank, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &u, nil
}

// ListUsers reads every user row.
func (d *DB) ListUsers(ctx context.Context) ([]world.User, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, avatar, rank, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []world.User
	for rows.Next() {
		var u world.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar, &u.Rank, &u.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, u)
	}
	return out, Error.Wrap(rows.Err())
}

// DeploySnapshot archives a point-in-time blueprint set for rollback.
type DeploySnapshot struct {
	ID        string `json:"id"`
	Scope     string `json:"scope,omitempty"`
	Value     string `json:"-"`
	CreatedAt string `json:"createdAt"`
}

// CreateDeploySnapshot stores a serialized blueprint set under a new id.
func (d *DB) CreateDeploySnapshot(ctx context.Context, id, scope, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO deploy_snapshots(id, scope, value, created_at) VALUES(?, ?, ?, ?)`,
		id, scope, value, nowStamp())
	return Error.Wrap(err)
}

// GetDeploySnapshot reads one archived blueprint set; nil when absent.
func (d *DB) GetDeploySnapshot(ctx context.Context, id string) (*DeploySnapshot, error) {
	var snap DeploySnapshot
	var scope sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, scope, value, created_at FROM deploy_snapshots WHERE id = ?`, id).
		Scan(&snap.ID, &scope, &snap.Value, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	snap.Scope = scope.String
	return &snap, nil
}

package store

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"verse/server/internal/world"
)

// changefeedQueueDepth bounds the writer backlog. The engine never
// blocks on the feed: when the writer falls this far behind, ops are
// dropped with a warning and durability converges on the next write
// of the same object.
const changefeedQueueDepth = 1024

// Changefeed is the append-only ordered operation log. Appends are
// enqueued by the mutation engine and committed by a single writer
// goroutine, so readers observe commit order. Duplicate opIds are
// ignored, which makes retries idempotent.
type Changefeed struct {
	db    *DB
	log   *zap.Logger
	queue chan world.Operation
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewChangefeed creates the feed and starts its writer task.
func NewChangefeed(db *DB, log *zap.Logger) *Changefeed {
	if log == nil {
		log = zap.NewNop()
	}
	cf := &Changefeed{
		db:    db,
		log:   log,
		queue: make(chan world.Operation, changefeedQueueDepth),
	}
	cf.wg.Add(1)
	go cf.run()
	return cf
}

func (cf *Changefeed) run() {
	defer cf.wg.Done()
	for op := range cf.queue {
		if err := cf.insert(context.Background(), op); err != nil {
			cf.log.Warn("changefeed insert failed",
				zap.String("opId", op.OpID), zap.String("kind", op.Kind), zap.Error(err))
		}
	}
}

// Append enqueues one operation. Never blocks the caller.
func (cf *Changefeed) Append(op world.Operation) {
	select {
	case cf.queue <- op:
	default:
		cf.log.Warn("changefeed queue full, dropping operation",
			zap.String("opId", op.OpID), zap.String("kind", op.Kind))
	}
}

// Close drains the queue and stops the writer.
func (cf *Changefeed) Close() {
	cf.closeOnce.Do(func() {
		close(cf.queue)
	})
	cf.wg.Wait()
}

func (cf *Changefeed) insert(ctx context.Context, op world.Operation) error {
	patch, err := marshalNullable(op.Patch)
	if err != nil {
		return err
	}
	snapshot, err := marshalNullable(op.Snapshot)
	if err != nil {
		return err
	}
	_, err = cf.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_changes(op_id, ts, actor, source, kind, object_uid, patch, snapshot)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.Ts, op.Actor, op.Source, op.Kind, op.ObjectUID, patch, snapshot)
	return Error.Wrap(err)
}

// Head returns the largest cursor currently stored.
func (cf *Changefeed) Head(ctx context.Context) (int64, error) {
	var head int64
	err := cf.db.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cursor), 0) FROM sync_changes`).Scan(&head)
	return head, Error.Wrap(err)
}

// After returns up to limit operations with cursor strictly greater
// than the given one, in ascending cursor order.
func (cf *Changefeed) After(ctx context.Context, cursor int64, limit int) ([]world.Operation, error) {
	rows, err := cf.db.db.QueryContext(ctx,
		`SELECT cursor, op_id, ts, actor, source, kind, object_uid, patch, snapshot
		 FROM sync_changes WHERE cursor > ? ORDER BY cursor ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []world.Operation
	for rows.Next() {
		var op world.Operation
		var patch, snapshot []byte
		if err := rows.Scan(&op.Cursor, &op.OpID, &op.Ts, &op.Actor, &op.Source,
			&op.Kind, &op.ObjectUID, &patch, &snapshot); err != nil {
			return nil, Error.Wrap(err)
		}
		if op.Patch, err = unmarshalNullable(patch); err != nil {
			return nil, err
		}
		if op.Snapshot, err = unmarshalNullable(snapshot); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, Error.Wrap(rows.Err())
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return string(data), nil
}

func unmarshalNullable(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, Error.Wrap(err)
	}
	return v, nil
}

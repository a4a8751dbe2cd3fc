package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FlushBatch is the dirty work snapshotted under the mutation
// serializer. Values are already serialized so the flusher touches no
// shared state during I/O.
type FlushBatch struct {
	Blueprints       map[string]string
	BlueprintDeletes []string
	Entities         map[string]string
	EntityDeletes    []string
	Config           map[string]string
}

// Empty reports whether the batch carries any work.
func (b FlushBatch) Empty() bool {
	return len(b.Blueprints) == 0 && len(b.BlueprintDeletes) == 0 &&
		len(b.Entities) == 0 && len(b.EntityDeletes) == 0 && len(b.Config) == 0
}

// BatchSource produces flush batches and takes back rows that failed
// so they stay dirty for the next cycle.
type BatchSource interface {
	TakeFlushBatch() FlushBatch
	RequeueBlueprint(id string, deleted bool)
	RequeueEntity(id string, deleted bool)
	RequeueConfig(key string)
}

// Flusher periodically writes dirty rows to the backing tables. A
// flush completes even if individual rows fail; failed ids are
// requeued.
type Flusher struct {
	db       *DB
	source   BatchSource
	interval time.Duration
	log      *zap.Logger
}

// NewFlusher builds a flusher over the given batch source.
func NewFlusher(db *DB, source BatchSource, interval time.Duration, log *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flusher{db: db, source: source, interval: interval, log: log}
}

// Run flushes on a fixed interval until the context is cancelled,
// then performs one final flush.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.FlushOnce(context.Background())
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce drains the dirty sets once and reports how many rows were
// written or deleted.
func (f *Flusher) FlushOnce(ctx context.Context) (written int) {
	batch := f.source.TakeFlushBatch()
	if batch.Empty() {
		return 0
	}

	for id, value := range batch.Blueprints {
		if err := f.db.UpsertBlueprint(ctx, id, value); err != nil {
			f.log.Warn("blueprint flush failed", zap.String("id", id), zap.Error(err))
			f.source.RequeueBlueprint(id, false)
			continue
		}
		written++
	}
	for _, id := range batch.BlueprintDeletes {
		if err := f.db.DeleteBlueprint(ctx, id); err != nil {
			f.log.Warn("blueprint delete failed", zap.String("id", id), zap.Error(err))
			f.source.RequeueBlueprint(id, true)
			continue
		}
		written++
	}
	for id, value := range batch.Entities {
		if err := f.db.UpsertEntity(ctx, id, value); err != nil {
			f.log.Warn("entity flush failed", zap.String("id", id), zap.Error(err))
			f.source.RequeueEntity(id, false)
			continue
		}
		written++
	}
	for _, id := range batch.EntityDeletes {
		if err := f.db.DeleteEntity(ctx, id); err != nil {
			f.log.Warn("entity delete failed", zap.String("id", id), zap.Error(err))
			f.source.RequeueEntity(id, true)
			continue
		}
		written++
	}
	for key, value := range batch.Config {
		if err := f.db.SetConfig(ctx, key, value); err != nil {
			f.log.Warn("config flush failed", zap.String("key", key), zap.Error(err))
			f.source.RequeueConfig(key)
			continue
		}
		written++
	}
	return written
}

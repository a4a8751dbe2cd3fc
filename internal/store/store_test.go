package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"verse/server/internal/world"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.db")

	db, err := Open(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.UpsertBlueprint(ctx, "Tower", `{"id":"Tower"}`))
	require.NoError(t, db.Close())

	// Reopening an already-migrated file is a no-op, not a failure.
	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.ListBlueprints(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Tower", rows[0].ID)
}

func TestConfigRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetConfig(ctx, "settings")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetConfig(ctx, "settings", `{"playerLimit":8}`))
	require.NoError(t, db.SetConfig(ctx, "settings", `{"playerLimit":16}`))

	value, ok, err := db.GetConfig(ctx, "settings")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"playerLimit":16}`, value)
}

func TestRecordTables(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertEntity(ctx, "e1", `{"id":"e1"}`))
	require.NoError(t, db.UpsertEntity(ctx, "e1", `{"id":"e1","name":"updated"}`))
	rows, err := db.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Contains(t, rows[0].Value, "updated")

	require.NoError(t, db.DeleteEntity(ctx, "e1"))
	require.NoError(t, db.DeleteEntity(ctx, "e1")) // idempotent
	rows, err = db.ListEntities(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestUserRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	missing, err := db.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, db.UpsertUser(ctx, world.User{ID: "u1", Name: "Alba", Rank: 0}))
	require.NoError(t, db.UpsertUser(ctx, world.User{ID: "u1", Name: "Alba", Rank: 1}))

	got, err := db.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 1, got.Rank)

	all, err := db.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestChangefeedDedupAndOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	feed := NewChangefeed(db, nil)
	for _, opID := range []string{"a", "b", "c", "b", "a"} {
		feed.Append(world.Operation{
			OpID: opID, Ts: "2026-01-01T00:00:00.000Z",
			Kind: world.OpEntityUpdate, ObjectUID: "uid-" + opID,
			Patch: map[string]any{"id": opID},
		})
	}
	feed.Close()

	head, err := feed.Head(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, head, "duplicate opIds must not advance the cursor")

	ops, err := feed.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "a", ops[0].OpID)
	require.Equal(t, "c", ops[2].OpID)
	require.Less(t, ops[0].Cursor, ops[1].Cursor)
	require.NotNil(t, ops[0].Patch)

	tail, err := feed.After(ctx, ops[1].Cursor, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "c", tail[0].OpID)

	none, err := feed.After(ctx, head, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

// scriptedSource hands out one batch and records requeues.
type scriptedSource struct {
	batch    FlushBatch
	requeued []string
}

func (s *scriptedSource) TakeFlushBatch() FlushBatch {
	b := s.batch
	s.batch = FlushBatch{}
	return b
}

func (s *scriptedSource) RequeueBlueprint(id string, deleted bool) {
	s.requeued = append(s.requeued, "bp:"+id)
}

func (s *scriptedSource) RequeueEntity(id string, deleted bool) {
	s.requeued = append(s.requeued, "ent:"+id)
}

func (s *scriptedSource) RequeueConfig(key string) {
	s.requeued = append(s.requeued, "cfg:"+key)
}

func TestFlusherWritesDirtyRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertBlueprint(ctx, "Doomed", `{"id":"Doomed"}`))

	source := &scriptedSource{batch: FlushBatch{
		Blueprints:       map[string]string{"Tower": `{"id":"Tower"}`},
		BlueprintDeletes: []string{"Doomed"},
		Entities:         map[string]string{"e1": `{"id":"e1"}`},
		Config:           map[string]string{ConfigSpawnKey: `{"position":[1,2,3]}`},
	}}

	flusher := NewFlusher(db, source, 0, nil)
	require.Equal(t, 4, flusher.FlushOnce(ctx))
	require.Empty(t, source.requeued)

	rows, err := db.ListBlueprints(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Tower", rows[0].ID)

	_, ok, err := db.GetConfig(ctx, ConfigSpawnKey)
	require.NoError(t, err)
	require.True(t, ok)

	// Nothing dirty on the second pass.
	require.Zero(t, flusher.FlushOnce(ctx))
}

func TestFlusherRequeuesOnWriteFailure(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close()) // every write from here on fails

	source := &scriptedSource{batch: FlushBatch{
		Blueprints: map[string]string{"Tower": `{"id":"Tower"}`},
		Entities:   map[string]string{"e1": `{"id":"e1"}`},
		Config:     map[string]string{ConfigSettingsKey: `{}`},
	}}

	flusher := NewFlusher(db, source, 0, nil)
	require.Zero(t, flusher.FlushOnce(context.Background()))
	require.ElementsMatch(t,
		[]string{"bp:Tower", "ent:e1", "cfg:" + ConfigSettingsKey},
		source.requeued)
}

func TestHydrateSeedsEmptyWorld(t *testing.T) {
	db := openTestDB(t)
	ws := world.NewStore()

	require.NoError(t, Hydrate(context.Background(), db, ws, nil))

	scene := ws.GetBlueprint(world.SceneID)
	require.NotNil(t, scene)
	require.True(t, scene.Scene)
	require.True(t, scene.Keep)
	require.NotEmpty(t, scene.UID)
	require.Equal(t, world.SceneID, scene.Scope)
	require.Equal(t, world.ManagedLocal, scene.ManagedBy)
}

func TestHydrateRestoresWorldState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// A pre-sync row: no uid, no scope. Hydration backfills without
	// touching updatedAt.
	bp := world.Blueprint{ID: "Tower__main", Name: "Tower"}
	raw, err := json.Marshal(bp)
	require.NoError(t, err)
	require.NoError(t, db.UpsertBlueprint(ctx, bp.ID, string(raw)))

	app := world.Entity{
		ID: "e1", Type: world.EntityApp, Blueprint: "Tower__main",
		Mover: "sess-9", Uploader: "sess-9",
		State: map[string]any{"hp": 10.0},
	}
	raw, err = json.Marshal(app)
	require.NoError(t, err)
	require.NoError(t, db.UpsertEntity(ctx, app.ID, string(raw)))

	// Player rows are never durable; a stray one must be dropped.
	stray := world.Entity{ID: "sess-1", Type: world.EntityPlayer, Name: "Ghost"}
	raw, err = json.Marshal(stray)
	require.NoError(t, err)
	require.NoError(t, db.UpsertEntity(ctx, stray.ID, string(raw)))

	require.NoError(t, db.SetConfig(ctx, ConfigSettingsKey, `{"playerLimit":4}`))
	require.NoError(t, db.SetConfig(ctx, ConfigSpawnKey, `{"position":[5,0,5],"quaternion":[0,0,0,1]}`))

	ws := world.NewStore()
	require.NoError(t, Hydrate(ctx, db, ws, nil))

	got := ws.GetBlueprint("Tower__main")
	require.NotNil(t, got)
	require.NotEmpty(t, got.UID)
	require.Equal(t, "Tower", got.Scope)
	require.Empty(t, got.UpdatedAt, "hydration is not a mutation")

	ent := ws.GetEntity("e1")
	require.NotNil(t, ent)
	require.Empty(t, ent.Mover)
	require.Empty(t, ent.Uploader)
	require.Nil(t, ent.State)

	require.Nil(t, ws.GetEntity("sess-1"))

	limit, ok := ws.GetSetting("playerLimit")
	require.True(t, ok)
	require.EqualValues(t, 4, limit)
	require.Equal(t, [3]float64{5, 0, 5}, ws.Spawn().Position)
}

func TestReplayFoldsFeedOntoEmptyStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	feed := NewChangefeed(db, nil)
	ops := []world.Operation{
		{OpID: "1", Kind: world.OpBlueprintAdd, ObjectUID: "bp-uid",
			Snapshot: world.Blueprint{
				ID: "Tower", Version: 1, Name: "Tower",
				Sync: world.Sync{UID: "bp-uid", Scope: "Tower", ManagedBy: world.ManagedLocal},
			}},
		{OpID: "2", Kind: world.OpEntityAdd, ObjectUID: "e-uid",
			Snapshot: world.Entity{
				ID: "e1", Type: world.EntityApp, Blueprint: "Tower",
				Position: [3]float64{1, 0, 1},
				Sync:     world.Sync{UID: "e-uid", Scope: "Tower", ManagedBy: world.ManagedLocal},
			}},
		{OpID: "3", Kind: world.OpEntityUpdate, ObjectUID: "e-uid",
			Snapshot: world.Entity{
				ID: "e1", Type: world.EntityApp, Blueprint: "Tower",
				Position: [3]float64{9, 0, 9},
				Sync:     world.Sync{UID: "e-uid", Scope: "Tower", ManagedBy: world.ManagedLocal},
			}},
		{OpID: "4", Kind: world.OpBlueprintAdd, ObjectUID: "gone-uid",
			Snapshot: world.Blueprint{ID: "Doomed", Version: 1,
				Sync: world.Sync{UID: "gone-uid", Scope: "Doomed", ManagedBy: world.ManagedLocal}}},
		{OpID: "5", Kind: world.OpBlueprintRemove, ObjectUID: "gone-uid",
			Patch: map[string]any{"id": "Doomed"}},
		{OpID: "6", Kind: world.OpSettingsUpdate, ObjectUID: "$settings",
			Patch: map[string]any{"playerLimit": 12}},
		{OpID: "7", Kind: world.OpSpawnUpdate, ObjectUID: "$spawn",
			Snapshot: world.Spawn{Position: [3]float64{2, 0, 2}, Quaternion: [4]float64{0, 0, 0, 1}}},
	}
	for _, op := range ops {
		op.Ts = "2026-01-01T00:00:00.000Z"
		feed.Append(op)
	}
	feed.Close()

	ws := world.NewStore()
	cursor, err := Replay(ctx, feed, ws, nil)
	require.NoError(t, err)
	require.EqualValues(t, len(ops), cursor)

	require.NotNil(t, ws.GetBlueprint("Tower"))
	require.Nil(t, ws.GetBlueprint("Doomed"))

	ent := ws.GetEntity("e1")
	require.NotNil(t, ent)
	require.Equal(t, [3]float64{9, 0, 9}, ent.Position, "last snapshot wins")
	require.Equal(t, "e-uid", ent.UID)

	limit, ok := ws.GetSetting("playerLimit")
	require.True(t, ok)
	require.EqualValues(t, 12, limit)
	require.Equal(t, [3]float64{2, 0, 2}, ws.Spawn().Position)
}

func TestDeploySnapshotRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	missing, err := db.GetDeploySnapshot(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, db.CreateDeploySnapshot(ctx, "snap-1", "Tower", `{"blueprints":[]}`))
	got, err := db.GetDeploySnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Tower", got.Scope)
	require.JSONEq(t, `{"blueprints":[]}`, got.Value)
}

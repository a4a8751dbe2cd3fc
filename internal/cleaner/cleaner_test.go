package cleaner

import (
	"context"
	"io"
	"strings"
	"testing"

	"verse/server/internal/engine"
	"verse/server/internal/world"
)

const (
	keptModel   = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.glb"
	orphanModel = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.glb"
	userAvatar  = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc.vrm"
)

type fakeAssets struct {
	names   map[string]struct{}
	deleted map[string]struct{}
}

func (f *fakeAssets) Upload(context.Context, string, io.Reader) (string, error) { return "", nil }
func (f *fakeAssets) Exists(_ context.Context, name string) (bool, error) {
	_, ok := f.names[name]
	return ok, nil
}
func (f *fakeAssets) List(context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f.names))
	for n := range f.names {
		out[n] = struct{}{}
	}
	return out, nil
}
func (f *fakeAssets) Delete(_ context.Context, names map[string]struct{}) error {
	f.deleted = names
	for n := range names {
		delete(f.names, n)
	}
	return nil
}
func (f *fakeAssets) URL() string { return "/assets" }

type fakeUsers struct{ users []world.User }

func (f fakeUsers) ListUsers(context.Context) ([]world.User, error) { return f.users, nil }

func seedWorld(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(world.NewStore(), engine.Options{})
	for _, bp := range []*world.Blueprint{
		{ID: world.SceneID, Scene: true, Keep: true},
		{ID: "Kept", Model: "asset://" + keptModel},
		{ID: "Orphan", Model: "asset://" + orphanModel},
		{ID: "Pinned", Keep: true},
	} {
		if res := eng.AddBlueprint(bp, engine.Meta{}); !res.OK {
			t.Fatalf("seed blueprint %s: %s", bp.ID, res.Error)
		}
	}
	if res := eng.AddEntity(&world.Entity{ID: "e1", Type: world.EntityApp, Blueprint: "Kept"}, engine.Meta{}); !res.OK {
		t.Fatalf("seed entity: %s", res.Error)
	}
	return eng
}

func TestCleanerRemovesOrphansAndUnreachableAssets(t *testing.T) {
	eng := seedWorld(t)
	store := &fakeAssets{names: map[string]struct{}{
		keptModel:   {},
		orphanModel: {},
		userAvatar:  {},
	}}
	users := fakeUsers{users: []world.User{{ID: "u1", Avatar: "asset://" + userAvatar}}}

	svc := New(eng, users, store, nil)
	report, err := svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(report.OrphanBlueprints) != 1 || report.OrphanBlueprints[0] != "Orphan" {
		t.Fatalf("expected only Orphan flagged, got %v", report.OrphanBlueprints)
	}
	if report.OrphansRemoved != 1 {
		t.Fatalf("expected one removal, got %d", report.OrphansRemoved)
	}
	if eng.GetBlueprint("Orphan") != nil {
		t.Fatalf("orphan must be removed")
	}
	if eng.GetBlueprint("Kept") == nil || eng.GetBlueprint("Pinned") == nil {
		t.Fatalf("referenced and keep-flagged blueprints must survive")
	}

	if _, gone := store.deleted[orphanModel]; !gone {
		t.Fatalf("orphan asset must be deleted, got %v", store.deleted)
	}
	for _, name := range []string{keptModel, userAvatar} {
		if _, ok := store.names[name]; !ok {
			t.Fatalf("asset %s must be kept", name)
		}
	}
}

func TestCleanerDryRunMutatesNothing(t *testing.T) {
	eng := seedWorld(t)
	store := &fakeAssets{names: map[string]struct{}{
		keptModel:   {},
		orphanModel: {},
	}}

	svc := New(eng, fakeUsers{}, store, nil)
	report, err := svc.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	if !report.DryRun || report.OrphansRemoved != 0 {
		t.Fatalf("dry run must not remove, got %+v", report)
	}
	if report.AssetsDeleted != 1 {
		t.Fatalf("dry run must still count doomed assets, got %d", report.AssetsDeleted)
	}
	if eng.GetBlueprint("Orphan") == nil {
		t.Fatalf("dry run must leave the orphan in place")
	}
	if store.deleted != nil {
		t.Fatalf("dry run must not touch the asset store")
	}
}

func TestKeepSetTraversesNestedProps(t *testing.T) {
	eng := engine.New(world.NewStore(), engine.Options{})
	nested := "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd.png"
	if res := eng.AddBlueprint(&world.Blueprint{
		ID:   "B",
		Keep: true,
		Props: map[string]any{
			"gallery": []any{
				map[string]any{"url": "/assets/" + nested},
			},
		},
	}, engine.Meta{}); !res.OK {
		t.Fatalf("seed failed: %s", res.Error)
	}

	svc := New(eng, fakeUsers{}, &fakeAssets{names: map[string]struct{}{nested: {}}}, nil)
	keep, err := svc.keepSet(context.Background(), nil)
	if err != nil {
		t.Fatalf("keep set failed: %v", err)
	}
	if _, ok := keep[nested]; !ok {
		t.Fatalf("nested file prop must be kept, got %v", keep)
	}
	// Non-asset strings never land in the keep set.
	for name := range keep {
		if strings.Contains(name, "/") {
			t.Fatalf("keep set must hold bare names, got %q", name)
		}
	}
}

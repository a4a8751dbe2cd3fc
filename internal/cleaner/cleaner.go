// Package cleaner sweeps unreferenced blueprints and unreachable
// asset blobs. Removals go through the mutation engine so broadcasts,
// dirty marks, and changefeed operations are produced like any other
// mutation.
package cleaner

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"verse/server/internal/assets"
	"verse/server/internal/engine"
	"verse/server/internal/world"
)

// Users lists durable user rows so their avatars stay reachable.
type Users interface {
	ListUsers(ctx context.Context) ([]world.User, error)
}

// Report summarizes one sweep.
type Report struct {
	DryRun           bool     `json:"dryrun"`
	OrphanBlueprints []string `json:"orphanBlueprints"`
	OrphansRemoved   int      `json:"orphansRemoved"`
	AssetsKept       int      `json:"assetsKept"`
	AssetsDeleted    int      `json:"assetsDeleted"`
}

// Service runs the sweep.
type Service struct {
	engine *engine.Engine
	users  Users
	store  assets.Store
	log    *zap.Logger
}

// New builds a cleaner over its collaborators.
func New(eng *engine.Engine, users Users, store assets.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: eng, users: users, store: store, log: log}
}

// Run executes one sweep. In dry-run mode it reports counts without
// removing anything.
func (s *Service) Run(ctx context.Context, dryRun bool) (Report, error) {
	report := Report{DryRun: dryRun}
	snap := s.engine.Snapshot()

	referenced := make(map[string]struct{})
	for _, ent := range snap.Entities {
		if ent.Blueprint != "" {
			referenced[ent.Blueprint] = struct{}{}
		}
	}

	for _, bp := range snap.Blueprints {
		if bp.Scene || bp.Keep || bp.ID == world.SceneID {
			continue
		}
		if _, ok := referenced[bp.ID]; ok {
			continue
		}
		report.OrphanBlueprints = append(report.OrphanBlueprints, bp.ID)
		if dryRun {
			continue
		}
		res := s.engine.RemoveBlueprint(bp.ID, engine.Meta{Actor: "cleaner", Source: engine.SourceCleaner})
		if !res.OK {
			// in_use means something spawned it between snapshot and
			// sweep; leave it alone.
			s.log.Info("orphan removal refused",
				zap.String("id", bp.ID), zap.String("error", res.Error))
			continue
		}
		report.OrphansRemoved++
	}

	// In dry-run the orphans are still in the store, so exclude them
	// from the keep set by hand; otherwise the dry-run asset counts
	// understate what a real sweep would delete.
	skip := make(map[string]struct{})
	if dryRun {
		for _, id := range report.OrphanBlueprints {
			skip[id] = struct{}{}
		}
	}
	keep, err := s.keepSet(ctx, skip)
	if err != nil {
		return report, err
	}
	report.AssetsKept = len(keep)

	stored, err := s.store.List(ctx)
	if err != nil {
		return report, err
	}
	doomed := make(map[string]struct{})
	for name := range stored {
		if _, ok := keep[name]; !ok {
			doomed[name] = struct{}{}
		}
	}
	report.AssetsDeleted = len(doomed)
	if dryRun || len(doomed) == 0 {
		return report, nil
	}
	if err := s.store.Delete(ctx, doomed); err != nil {
		return report, err
	}
	return report, nil
}

// keepSet collects every asset name reachable from kept blueprints,
// settings, users, and entity props. Blueprints named in skip are
// treated as already removed.
func (s *Service) keepSet(ctx context.Context, skip map[string]struct{}) (map[string]struct{}, error) {
	keep := make(map[string]struct{})
	snap := s.engine.Snapshot()

	for _, bp := range snap.Blueprints {
		if _, doomed := skip[bp.ID]; doomed {
			continue
		}
		addURL(keep, bp.Model)
		addURL(keep, bp.Script)
		for _, url := range bp.ScriptFiles {
			addURL(keep, url)
		}
		if bp.Image != nil {
			addURL(keep, bp.Image.URL)
		}
		addValue(keep, bp.Props)
	}
	addValue(keep, snap.Settings["image"])
	addValue(keep, snap.Settings["avatar"])
	for _, ent := range snap.Entities {
		addValue(keep, ent.Props)
		addURL(keep, ent.Avatar)
		addURL(keep, ent.SessionAvatar)
	}

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		addURL(keep, u.Avatar)
	}
	return keep, nil
}

// addValue walks nested maps and arrays for anything URL-shaped.
func addValue(keep map[string]struct{}, v any) {
	switch t := v.(type) {
	case string:
		addURL(keep, t)
	case map[string]any:
		for _, item := range t {
			addValue(keep, item)
		}
	case []any:
		for _, item := range t {
			addValue(keep, item)
		}
	}
}

// addURL extracts the content-addressed name from an asset URL. Plain
// strings that do not look like asset names are ignored.
func addURL(keep map[string]struct{}, url string) {
	if url == "" {
		return
	}
	name := url
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "asset://")
	if assets.ValidName(name) {
		keep[name] = struct{}{}
	}
}

package engine

import (
	"log/slog"

	"github.com/decreehq/decree/plancache"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// TreeSource exposes the most recently observed spec tree. Implemented by the
// reconciler's spec poller.
type TreeSource interface {
	LastSpecTree() (provider.SpecTree, bool)
}

// PlannerCacheHook persists the planner cache whenever a planner run
// completes. Runs on the loop goroutine, so the write is serialized with
// state application; a failed write only logs, the cache is an optimization.
func PlannerCacheHook(cache *plancache.Store, trees TreeSource, logger *slog.Logger) Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event, s state.EngineState) {
		if e.Kind != EventPlannerCompleted {
			return
		}
		tree, ok := trees.LastSpecTree()
		if !ok {
			logger.Warn("planner cache not written, no spec tree observed yet")
			return
		}
		snap := plancache.Snapshot{
			TreeSHA: tree.TreeSHA,
			Files:   make(map[string]plancache.FileEntry, len(s.Specs)),
		}
		for path, spec := range s.Specs {
			snap.Files[path] = plancache.FileEntry{
				BlobSHA:           spec.BlobSHA,
				FrontmatterStatus: string(spec.FrontmatterStatus),
			}
		}
		if err := cache.Save(&plancache.Cache{
			Version:   plancache.SchemaVersion,
			Snapshot:  snap,
			CommitSHA: tree.CommitSHA,
		}); err != nil {
			logger.Warn("planner cache write failed", "error", err)
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/decreehq/decree/plancache"
	"github.com/decreehq/decree/state"
)

// Poller performs one full reconciliation cycle against the work provider,
// enqueueing change events for everything it observes.
type Poller interface {
	RunOnce(ctx context.Context) error
}

// Bootstrap brings a cold engine to a consistent running state:
//
//  1. Load the planner cache and seed lastPlannedSHAs so unchanged approved
//     specs do not trigger a redundant planning run.
//  2. Start the loop, then run one poller cycle so the first observation of
//     every work item, revision and spec flows through the normal handlers.
//     Orphan recovery falls out of this: an item observed in-progress or in
//     review has no live run in a cold engine, so the orphan handler resets
//     it to pending and the ordinary dispatch path picks it up again.
//  3. Wait for the loop to drain and report what recovery found.
func Bootstrap(ctx context.Context, loop *Loop, store *state.Store, cache *plancache.Store, poller Poller, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if cache != nil {
		cached, err := cache.Load()
		if err != nil {
			return fmt.Errorf("loading planner cache: %w", err)
		}
		if cached != nil {
			shas := cached.LastPlannedSHAs()
			store.SetState(func(s state.EngineState) state.EngineState {
				s.LastPlannedSHAs = shas
				return s
			})
			logger.Info("planner cache loaded", "specs", len(shas))
		}
	}

	loop.Start(ctx)

	if err := poller.RunOnce(ctx); err != nil {
		return fmt.Errorf("initial reconciliation: %w", err)
	}
	loop.WaitIdle()

	logOrphans(store.GetState(), logger)
	return nil
}

// logOrphans reports work items the first cycle flagged for recovery. The
// corrective transitions are already in flight; the local status updates on
// the next poll once the provider reflects them.
func logOrphans(s state.EngineState, logger *slog.Logger) {
	for id, item := range s.WorkItems {
		var role state.AgentRole
		switch item.Status {
		case state.WorkItemInProgress:
			role = state.RoleImplementor
		case state.WorkItemReview:
			role = state.RoleReviewer
		default:
			continue
		}
		if _, active := s.ActiveRunForWorkItem(role, id); active {
			continue
		}
		logger.Warn("recovered orphaned work item", "workItem", id, "status", item.Status)
	}
}

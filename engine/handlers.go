package engine

import (
	"sort"

	"github.com/decreehq/decree/state"
)

// Handler derives commands from an event and the post-reduce snapshot. A
// handler never performs I/O and never mutates its inputs, so handler order
// is irrelevant and adding one cannot corrupt another.
type Handler func(Event, state.EngineState) []Command

// Handlers returns the full handler set in its conventional order. The order
// carries no semantics.
func Handlers() []Handler {
	return []Handler{
		PlanningHandler,
		ReadinessHandler,
		DependencyResolutionHandler,
		ImplementationHandler,
		ReviewHandler,
		OrphanRecoveryHandler,
		UserDispatchHandler,
	}
}

// approvedSpecPaths lists all currently-approved spec paths, sorted.
func approvedSpecPaths(s state.EngineState) []string {
	var paths []string
	for path, spec := range s.Specs {
		if spec.FrontmatterStatus == state.SpecApproved {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// specsRequirePlanning reports whether any approved spec's blob SHA differs
// from the one the planner last ran against.
func specsRequirePlanning(s state.EngineState) bool {
	for path, spec := range s.Specs {
		if spec.FrontmatterStatus == state.SpecApproved && spec.BlobSHA != s.LastPlannedSHAs[path] {
			return true
		}
	}
	return false
}

// PlanningHandler requests planner runs when approved specs change, and
// applies planner results (possibly chaining a follow-up run when more specs
// changed while the planner was busy).
func PlanningHandler(e Event, s state.EngineState) []Command {
	switch e.Kind {
	case EventSpecChanged:
		if e.Spec == nil || e.Spec.FrontmatterStatus != state.SpecApproved {
			return nil
		}
		if e.Spec.BlobSHA == s.LastPlannedSHAs[e.Spec.FilePath] {
			return nil
		}
		return []Command{{Kind: CmdRequestPlannerRun, SpecPaths: approvedSpecPaths(s)}}

	case EventPlannerCompleted:
		var cmds []Command
		if e.PlannerResult != nil {
			cmds = append(cmds, Command{Kind: CmdApplyPlannerResult, PlannerResult: e.PlannerResult})
		}
		// The reducer has already recorded the planned SHAs, so anything left
		// over changed while the planner was running.
		if specsRequirePlanning(s) {
			cmds = append(cmds, Command{Kind: CmdRequestPlannerRun, SpecPaths: approvedSpecPaths(s)})
		}
		return cmds
	}
	return nil
}

// unblocked reports whether every blocker of the item exists in the store
// with a terminal status.
func unblocked(item state.WorkItem, s state.EngineState) bool {
	for _, blockerID := range item.BlockedBy {
		blocker, ok := s.WorkItems[blockerID]
		if !ok || !blocker.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ReadinessHandler promotes a pending work item to ready once all of its
// blockers are terminal.
func ReadinessHandler(e Event, s state.EngineState) []Command {
	if e.Kind != EventWorkItemChanged || e.NewStatus != state.WorkItemPending {
		return nil
	}
	item, ok := s.WorkItems[e.WorkItemID]
	if !ok || !unblocked(item, s) {
		return nil
	}
	return []Command{{
		Kind:       CmdTransitionWorkItemStatus,
		WorkItemID: item.ID,
		Status:     state.WorkItemReady,
	}}
}

// DependencyResolutionHandler promotes pending dependents of a work item that
// just reached a terminal status.
func DependencyResolutionHandler(e Event, s state.EngineState) []Command {
	if e.Kind != EventWorkItemChanged {
		return nil
	}
	if e.NewStatus != state.WorkItemClosed && e.NewStatus != state.WorkItemApproved {
		return nil
	}

	var cmds []Command
	var ids []string
	for id := range s.WorkItems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := s.WorkItems[id]
		if item.Status != state.WorkItemPending {
			continue
		}
		dependsOnChanged := false
		for _, blockerID := range item.BlockedBy {
			if blockerID == e.WorkItemID {
				dependsOnChanged = true
				break
			}
		}
		if dependsOnChanged && unblocked(item, s) {
			cmds = append(cmds, Command{
				Kind:       CmdTransitionWorkItemStatus,
				WorkItemID: item.ID,
				Status:     state.WorkItemReady,
			})
		}
	}
	return cmds
}

// ImplementationHandler drives the implement leg: ready items get an
// implementor run, requested runs mark the item in-progress, completions are
// applied, failures fall back to pending.
func ImplementationHandler(e Event, s state.EngineState) []Command {
	switch e.Kind {
	case EventWorkItemChanged:
		if e.NewStatus != state.WorkItemReady {
			return nil
		}
		return []Command{{Kind: CmdRequestImplementorRun, WorkItemID: e.WorkItemID}}

	case EventImplementorRequested:
		return []Command{{
			Kind:       CmdTransitionWorkItemStatus,
			WorkItemID: e.WorkItemID,
			Status:     state.WorkItemInProgress,
		}}

	case EventImplementorCompleted:
		if e.ImplementorResult == nil {
			return nil
		}
		return []Command{{
			Kind:              CmdApplyImplementorResult,
			WorkItemID:        e.WorkItemID,
			ImplementorResult: e.ImplementorResult,
		}}

	case EventImplementorFailed:
		return []Command{{
			Kind:       CmdTransitionWorkItemStatus,
			WorkItemID: e.WorkItemID,
			Status:     state.WorkItemPending,
		}}
	}
	return nil
}

// ReviewHandler dispatches a reviewer once a revision's pipeline succeeds
// while its work item awaits review, and applies reviewer outcomes.
func ReviewHandler(e Event, s state.EngineState) []Command {
	switch e.Kind {
	case EventRevisionChanged:
		if e.NewPipelineStatus != state.PipelineSuccess || e.Revision == nil {
			return nil
		}
		item, ok := s.WorkItems[e.Revision.WorkItemID]
		if !ok || item.Status != state.WorkItemReview {
			return nil
		}
		return []Command{{
			Kind:       CmdRequestReviewerRun,
			WorkItemID: item.ID,
			RevisionID: e.Revision.ID,
		}}

	case EventReviewerCompleted:
		if e.ReviewerResult == nil {
			return nil
		}
		return []Command{{
			Kind:           CmdApplyReviewerResult,
			WorkItemID:     e.WorkItemID,
			RevisionID:     e.RevisionID,
			ReviewerResult: e.ReviewerResult,
		}}

	case EventReviewerFailed:
		return []Command{{
			Kind:       CmdTransitionWorkItemStatus,
			WorkItemID: e.WorkItemID,
			Status:     state.WorkItemPending,
		}}
	}
	return nil
}

// OrphanRecoveryHandler resets work items whose agent died with them. An
// in-progress item with no active implementor run goes back to pending, as
// does an item first observed in review with no active reviewer run (a cold
// engine observing review means the session that carried it is gone). Review
// recovery fires only on first observation: during normal operation items
// wait in review for their pipeline before a reviewer exists, which is not
// an orphan.
func OrphanRecoveryHandler(e Event, s state.EngineState) []Command {
	if e.Kind != EventWorkItemChanged {
		return nil
	}
	reset := []Command{{
		Kind:       CmdTransitionWorkItemStatus,
		WorkItemID: e.WorkItemID,
		Status:     state.WorkItemPending,
	}}

	switch e.NewStatus {
	case state.WorkItemInProgress:
		if _, ok := s.ActiveRunForWorkItem(state.RoleImplementor, e.WorkItemID); ok {
			return nil
		}
		return reset
	case state.WorkItemReview:
		if e.OldStatus != "" {
			return nil
		}
		if _, ok := s.ActiveRunForWorkItem(state.RoleReviewer, e.WorkItemID); ok {
			return nil
		}
		return reset
	}
	return nil
}

// UserDispatchHandler translates user events into the same commands the
// automatic handlers produce.
func UserDispatchHandler(e Event, s state.EngineState) []Command {
	switch e.Kind {
	case EventUserRequestedImplementorRun:
		return []Command{{Kind: CmdRequestImplementorRun, WorkItemID: e.WorkItemID}}

	case EventUserCancelledRun:
		run, ok := s.AgentRuns[e.SessionID]
		if !ok || !run.Status.IsActive() {
			return nil
		}
		kind := CmdCancelImplementorRun
		switch run.Role {
		case state.RolePlanner:
			kind = CmdCancelPlannerRun
		case state.RoleReviewer:
			kind = CmdCancelReviewerRun
		}
		return []Command{{Kind: kind, SessionID: e.SessionID}}

	case EventUserTransitionedStatus:
		if e.TargetStatus == "" {
			return nil
		}
		return []Command{{
			Kind:       CmdTransitionWorkItemStatus,
			WorkItemID: e.WorkItemID,
			Status:     e.TargetStatus,
		}}
	}
	return nil
}

package engine

import (
	"fmt"
	"log/slog"

	"github.com/decreehq/decree/state"
)

// Reduce applies one event to a snapshot and returns the next snapshot. It is
// pure apart from logging: illegal agent-run transitions are logged and
// dropped, never applied. Every touched map is replaced with a fresh copy so
// observers can compare by reference.
func Reduce(s state.EngineState, e Event, logger *slog.Logger) state.EngineState {
	if logger == nil {
		logger = slog.Default()
	}

	switch e.Kind {
	case EventWorkItemChanged:
		items := state.CloneWorkItems(s.WorkItems)
		if e.NewStatus == "" || e.WorkItem == nil {
			delete(items, e.WorkItemID)
		} else {
			items[e.WorkItem.ID] = *e.WorkItem
		}
		s.WorkItems = items
		return s

	case EventRevisionChanged:
		revs := state.CloneRevisions(s.Revisions)
		if e.Revision == nil {
			delete(revs, e.RevisionID)
		} else {
			revs[e.Revision.ID] = *e.Revision
		}
		s.Revisions = revs
		return s

	case EventSpecChanged:
		specs := state.CloneSpecs(s.Specs)
		if e.SpecChange == SpecRemoved || e.Spec == nil {
			delete(specs, e.SpecPath)
		} else {
			specs[e.Spec.FilePath] = *e.Spec
		}
		s.Specs = specs
		return s

	case EventCommandRejected, EventCommandFailed:
		return appendError(s, e)
	}

	if role, ok := isRequested(e.Kind); ok {
		runs := state.CloneAgentRuns(s.AgentRuns)
		runs[e.SessionID] = state.AgentRun{
			SessionID:  e.SessionID,
			Role:       role,
			Status:     state.RunRequested,
			StartedAt:  e.Time,
			SpecPaths:  e.SpecPaths,
			WorkItemID: e.WorkItemID,
			BranchName: e.BranchName,
			RevisionID: e.RevisionID,
		}
		s.AgentRuns = runs
		return s
	}

	if isStarted(e.Kind) {
		return transitionRun(s, e.SessionID, state.RunRunning, logger, func(run *state.AgentRun) {
			run.LogFilePath = e.LogFilePath
		})
	}

	if isCompleted(e.Kind) {
		s = transitionRun(s, e.SessionID, state.RunCompleted, logger, nil)
		if e.Kind == EventPlannerCompleted {
			shas := state.CloneSHAs(s.LastPlannedSHAs)
			for _, path := range e.SpecPaths {
				if spec, ok := s.Specs[path]; ok {
					shas[path] = spec.BlobSHA
				}
			}
			s.LastPlannedSHAs = shas
		}
		return s
	}

	if isFailed(e.Kind) {
		next := state.RunFailed
		switch e.Reason {
		case FailTimeout:
			next = state.RunTimedOut
		case FailCancelled:
			next = state.RunCancelled
		}
		return transitionRun(s, e.SessionID, next, logger, func(run *state.AgentRun) {
			run.Error = e.Error
		})
	}

	// User events reach handlers only; the store is untouched.
	return s
}

// transitionRun applies a legal agent-run transition, or logs and drops.
func transitionRun(s state.EngineState, sessionID string, next state.AgentRunStatus, logger *slog.Logger, mutate func(*state.AgentRun)) state.EngineState {
	run, ok := s.AgentRuns[sessionID]
	if !ok {
		logger.Error("agent run transition for unknown session",
			"session_id", sessionID, "to", next)
		return s
	}
	if !run.Status.CanTransitionTo(next) {
		logger.Error("illegal agent run transition dropped",
			"session_id", sessionID, "role", run.Role,
			"from", run.Status, "to", next)
		return s
	}

	run.Status = next
	if mutate != nil {
		mutate(&run)
	}

	runs := state.CloneAgentRuns(s.AgentRuns)
	runs[sessionID] = run
	s.AgentRuns = runs
	return s
}

// appendError records an error event in the bounded ring, evicting the eldest
// entry beyond the cap.
func appendError(s state.EngineState, e Event) state.EngineState {
	entry := state.ErrorEntry{Timestamp: e.Time}
	if e.Command != nil {
		entry.Event = fmt.Sprintf("%s %s: %s", e.Kind, e.Command.Key(), e.Error)
	} else {
		entry.Event = fmt.Sprintf("%s: %s", e.Kind, e.Error)
	}

	errs := make([]state.ErrorEntry, 0, len(s.Errors)+1)
	errs = append(errs, s.Errors...)
	errs = append(errs, entry)
	if len(errs) > state.MaxErrorEntries {
		errs = errs[len(errs)-state.MaxErrorEntries:]
	}
	s.Errors = errs
	return s
}

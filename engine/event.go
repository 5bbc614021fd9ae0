// Package engine implements the event/command core: a deterministic reducer
// over the state store, pure handlers that derive commands from state
// changes, a command executor that performs provider writes and agent
// dispatch, and the single-threaded loop that ties them together.
package engine

import (
	"time"

	"github.com/decreehq/decree/agent"
	"github.com/decreehq/decree/state"
)

// EventKind discriminates the closed event set.
type EventKind string

// Observation events.
const (
	EventWorkItemChanged EventKind = "workItemChanged"
	EventRevisionChanged EventKind = "revisionChanged"
	EventSpecChanged     EventKind = "specChanged"
)

// Agent lifecycle events.
const (
	EventPlannerRequested EventKind = "plannerRequested"
	EventPlannerStarted   EventKind = "plannerStarted"
	EventPlannerCompleted EventKind = "plannerCompleted"
	EventPlannerFailed    EventKind = "plannerFailed"

	EventImplementorRequested EventKind = "implementorRequested"
	EventImplementorStarted   EventKind = "implementorStarted"
	EventImplementorCompleted EventKind = "implementorCompleted"
	EventImplementorFailed    EventKind = "implementorFailed"

	EventReviewerRequested EventKind = "reviewerRequested"
	EventReviewerStarted   EventKind = "reviewerStarted"
	EventReviewerCompleted EventKind = "reviewerCompleted"
	EventReviewerFailed    EventKind = "reviewerFailed"
)

// Error events.
const (
	EventCommandRejected EventKind = "commandRejected"
	EventCommandFailed   EventKind = "commandFailed"
)

// User events. These never mutate the store; only handlers react to them.
const (
	EventUserRequestedImplementorRun EventKind = "userRequestedImplementorRun"
	EventUserCancelledRun            EventKind = "userCancelledRun"
	EventUserTransitionedStatus      EventKind = "userTransitionedStatus"
)

// SpecChangeType classifies a specChanged observation.
type SpecChangeType string

// Spec change types.
const (
	SpecAdded    SpecChangeType = "added"
	SpecModified SpecChangeType = "modified"
	SpecRemoved  SpecChangeType = "removed"
)

// FailureReason classifies a *Failed lifecycle event.
type FailureReason string

// Failure reasons.
const (
	FailError     FailureReason = "error"
	FailTimeout   FailureReason = "timeout"
	FailCancelled FailureReason = "cancelled"
)

// Event is the tagged union flowing through the loop. Kind selects which
// fields are meaningful; all others are zero.
type Event struct {
	Kind EventKind
	Time time.Time

	// workItemChanged. WorkItem is nil on removal (NewStatus empty).
	WorkItem   *state.WorkItem
	WorkItemID string
	OldStatus  state.WorkItemStatus
	NewStatus  state.WorkItemStatus

	// revisionChanged. Revision is nil on removal.
	Revision          *state.Revision
	RevisionID        string
	OldPipelineStatus state.PipelineStatus
	NewPipelineStatus state.PipelineStatus

	// specChanged.
	Spec           *state.Spec
	SpecPath       string
	SpecChange     SpecChangeType
	SpecCommitSHA  string

	// Agent lifecycle.
	SessionID   string
	Role        state.AgentRole
	SpecPaths   []string
	BranchName  string
	LogFilePath string
	Reason      FailureReason
	Error       string

	// Agent results, attached to *Completed events.
	PlannerResult     *agent.PlannerResult
	ImplementorResult *agent.ImplementorResult
	ReviewerResult    *agent.ReviewerResult

	// commandRejected / commandFailed.
	Command *Command

	// userTransitionedStatus.
	TargetStatus state.WorkItemStatus
}

// NewWorkItemChanged builds an upsert observation. item must be non-nil.
func NewWorkItemChanged(item *state.WorkItem, oldStatus state.WorkItemStatus) Event {
	return Event{
		Kind:       EventWorkItemChanged,
		WorkItem:   item,
		WorkItemID: item.ID,
		OldStatus:  oldStatus,
		NewStatus:  item.Status,
	}
}

// NewWorkItemRemoved builds a removal observation (newStatus null).
func NewWorkItemRemoved(id string, oldStatus state.WorkItemStatus) Event {
	return Event{
		Kind:       EventWorkItemChanged,
		WorkItemID: id,
		OldStatus:  oldStatus,
	}
}

// NewRevisionChanged builds a revision upsert observation.
func NewRevisionChanged(rev *state.Revision, oldPipeline state.PipelineStatus) Event {
	e := Event{
		Kind:              EventRevisionChanged,
		Revision:          rev,
		RevisionID:        rev.ID,
		OldPipelineStatus: oldPipeline,
	}
	if rev.Pipeline != nil {
		e.NewPipelineStatus = rev.Pipeline.Status
	}
	return e
}

// NewRevisionRemoved builds a revision removal observation.
func NewRevisionRemoved(id string, oldPipeline state.PipelineStatus) Event {
	return Event{
		Kind:              EventRevisionChanged,
		RevisionID:        id,
		OldPipelineStatus: oldPipeline,
	}
}

// NewSpecChanged builds a spec observation.
func NewSpecChanged(spec *state.Spec, change SpecChangeType, commitSHA string) Event {
	e := Event{
		Kind:          EventSpecChanged,
		SpecChange:    change,
		SpecCommitSHA: commitSHA,
	}
	if spec != nil {
		e.Spec = spec
		e.SpecPath = spec.FilePath
	}
	return e
}

// requestedKind maps a role to its *Requested event kind.
func requestedKind(role state.AgentRole) EventKind {
	switch role {
	case state.RolePlanner:
		return EventPlannerRequested
	case state.RoleImplementor:
		return EventImplementorRequested
	default:
		return EventReviewerRequested
	}
}

// startedKind maps a role to its *Started event kind.
func startedKind(role state.AgentRole) EventKind {
	switch role {
	case state.RolePlanner:
		return EventPlannerStarted
	case state.RoleImplementor:
		return EventImplementorStarted
	default:
		return EventReviewerStarted
	}
}

// completedKind maps a role to its *Completed event kind.
func completedKind(role state.AgentRole) EventKind {
	switch role {
	case state.RolePlanner:
		return EventPlannerCompleted
	case state.RoleImplementor:
		return EventImplementorCompleted
	default:
		return EventReviewerCompleted
	}
}

// failedKind maps a role to its *Failed event kind.
func failedKind(role state.AgentRole) EventKind {
	switch role {
	case state.RolePlanner:
		return EventPlannerFailed
	case state.RoleImplementor:
		return EventImplementorFailed
	default:
		return EventReviewerFailed
	}
}

// isRequested reports whether the kind is a *Requested lifecycle event and
// returns its role.
func isRequested(kind EventKind) (state.AgentRole, bool) {
	switch kind {
	case EventPlannerRequested:
		return state.RolePlanner, true
	case EventImplementorRequested:
		return state.RoleImplementor, true
	case EventReviewerRequested:
		return state.RoleReviewer, true
	default:
		return "", false
	}
}

// isStarted reports whether the kind is a *Started lifecycle event.
func isStarted(kind EventKind) bool {
	switch kind {
	case EventPlannerStarted, EventImplementorStarted, EventReviewerStarted:
		return true
	default:
		return false
	}
}

// isCompleted reports whether the kind is a *Completed lifecycle event.
func isCompleted(kind EventKind) bool {
	switch kind {
	case EventPlannerCompleted, EventImplementorCompleted, EventReviewerCompleted:
		return true
	default:
		return false
	}
}

// isFailed reports whether the kind is a *Failed lifecycle event.
func isFailed(kind EventKind) bool {
	switch kind {
	case EventPlannerFailed, EventImplementorFailed, EventReviewerFailed:
		return true
	default:
		return false
	}
}

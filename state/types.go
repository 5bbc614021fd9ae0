// Package state defines the engine's authoritative data model: work items,
// revisions, specs, agent runs, and the snapshot that holds them. The snapshot
// is updated copy-on-write so observers can compare maps by reference.
package state

import "time"

// WorkItemStatus is the lifecycle status of a work item on the provider.
type WorkItemStatus string

// Work item statuses.
const (
	WorkItemPending         WorkItemStatus = "pending"
	WorkItemReady           WorkItemStatus = "ready"
	WorkItemInProgress      WorkItemStatus = "in-progress"
	WorkItemReview          WorkItemStatus = "review"
	WorkItemApproved        WorkItemStatus = "approved"
	WorkItemNeedsRefinement WorkItemStatus = "needs-refinement"
	WorkItemBlocked         WorkItemStatus = "blocked"
	WorkItemClosed          WorkItemStatus = "closed"
)

// IsValid reports whether the status is a known work item status.
func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemPending, WorkItemReady, WorkItemInProgress, WorkItemReview,
		WorkItemApproved, WorkItemNeedsRefinement, WorkItemBlocked, WorkItemClosed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status unblocks dependents.
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemClosed || s == WorkItemApproved
}

// Priority is the planner-assigned priority of a work item. Empty means unset.
type Priority string

// Priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// WorkItem is a unit of work tracked on the provider.
type WorkItem struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Priority       Priority       `json:"priority,omitempty"`
	Complexity     string         `json:"complexity,omitempty"`
	Status         WorkItemStatus `json:"status"`
	BlockedBy      []string       `json:"blockedBy,omitempty"`
	LinkedRevision string         `json:"linkedRevision,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PipelineStatus is the derived aggregate of a revision's CI state.
type PipelineStatus string

// Pipeline statuses.
const (
	PipelineSuccess PipelineStatus = "success"
	PipelineFailure PipelineStatus = "failure"
	PipelinePending PipelineStatus = "pending"
)

// Pipeline is the derived CI result attached to a revision.
type Pipeline struct {
	Status PipelineStatus `json:"status"`
	URL    string         `json:"url,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Revision is a proposed change set on the provider.
type Revision struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	HeadSHA    string    `json:"headSHA"`
	HeadRef    string    `json:"headRef"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	IsDraft    bool      `json:"isDraft"`
	WorkItemID string    `json:"workItemID,omitempty"`
	Pipeline   *Pipeline `json:"pipeline,omitempty"`
	ReviewID   string    `json:"reviewID,omitempty"`
}

// SpecStatus is the frontmatter status of a spec document.
type SpecStatus string

// Spec statuses.
const (
	SpecDraft      SpecStatus = "draft"
	SpecApproved   SpecStatus = "approved"
	SpecDeprecated SpecStatus = "deprecated"
)

// ParseSpecStatus whitelists a raw frontmatter value. Unknown values map to draft.
func ParseSpecStatus(raw string) SpecStatus {
	switch SpecStatus(raw) {
	case SpecDraft, SpecApproved, SpecDeprecated:
		return SpecStatus(raw)
	default:
		return SpecDraft
	}
}

// Spec is a markdown design document under the configured specs directory.
type Spec struct {
	FilePath          string     `json:"filePath"`
	BlobSHA           string     `json:"blobSHA"`
	FrontmatterStatus SpecStatus `json:"frontmatterStatus"`
}

// AgentRole identifies one of the three agent roles.
type AgentRole string

// Agent roles.
const (
	RolePlanner     AgentRole = "planner"
	RoleImplementor AgentRole = "implementor"
	RoleReviewer    AgentRole = "reviewer"
)

// IsValid reports whether the role is known.
func (r AgentRole) IsValid() bool {
	switch r {
	case RolePlanner, RoleImplementor, RoleReviewer:
		return true
	default:
		return false
	}
}

// AgentRunStatus is the lifecycle status of a single agent invocation.
type AgentRunStatus string

// Agent run statuses.
const (
	RunRequested AgentRunStatus = "requested"
	RunRunning   AgentRunStatus = "running"
	RunCompleted AgentRunStatus = "completed"
	RunFailed    AgentRunStatus = "failed"
	RunTimedOut  AgentRunStatus = "timed-out"
	RunCancelled AgentRunStatus = "cancelled"
)

// IsActive reports whether the run still occupies its role slot.
func (s AgentRunStatus) IsActive() bool {
	return s == RunRequested || s == RunRunning
}

// IsTerminal reports whether the status admits no outgoing transitions.
func (s AgentRunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition is legal:
// requested -> {running, failed, timed-out, cancelled}; running -> any
// terminal state. Requested admits the failure states directly because a
// session can fail before it ever starts (missing definition, worktree or
// prompt error); only completion requires passing through running.
func (s AgentRunStatus) CanTransitionTo(next AgentRunStatus) bool {
	switch s {
	case RunRequested:
		return next == RunRunning || next == RunFailed ||
			next == RunTimedOut || next == RunCancelled
	case RunRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// AgentRun records one agent invocation.
type AgentRun struct {
	SessionID   string         `json:"sessionID"`
	Role        AgentRole      `json:"role"`
	Status      AgentRunStatus `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	LogFilePath string         `json:"logFilePath,omitempty"`
	Error       string         `json:"error,omitempty"`

	// Role-specific fields.
	SpecPaths  []string `json:"specPaths,omitempty"`  // planner
	WorkItemID string   `json:"workItemID,omitempty"` // implementor, reviewer
	BranchName string   `json:"branchName,omitempty"` // implementor
	RevisionID string   `json:"revisionID,omitempty"` // reviewer
}

// ErrorEntry is one entry in the bounded error ring.
type ErrorEntry struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxErrorEntries bounds the error ring. The eldest entry is evicted beyond this.
const MaxErrorEntries = 50

// EngineState is the authoritative in-memory snapshot. Maps are never mutated
// in place; every write replaces the touched map with a fresh copy.
type EngineState struct {
	WorkItems       map[string]WorkItem `json:"workItems"`
	Revisions       map[string]Revision `json:"revisions"`
	Specs           map[string]Spec     `json:"specs"`
	AgentRuns       map[string]AgentRun `json:"agentRuns"`
	Errors          []ErrorEntry        `json:"errors"`
	LastPlannedSHAs map[string]string   `json:"lastPlannedSHAs"`
}

// NewEngineState returns an empty snapshot with all maps initialized.
func NewEngineState() EngineState {
	return EngineState{
		WorkItems:       map[string]WorkItem{},
		Revisions:       map[string]Revision{},
		Specs:           map[string]Spec{},
		AgentRuns:       map[string]AgentRun{},
		LastPlannedSHAs: map[string]string{},
	}
}

// ActiveRun returns the non-terminal run for the given role, if any.
func (s EngineState) ActiveRun(role AgentRole) (AgentRun, bool) {
	for _, run := range s.AgentRuns {
		if run.Role == role && run.Status.IsActive() {
			return run, true
		}
	}
	return AgentRun{}, false
}

// ActiveRunForWorkItem returns a non-terminal run of the given role bound to
// the given work item, if any.
func (s EngineState) ActiveRunForWorkItem(role AgentRole, workItemID string) (AgentRun, bool) {
	for _, run := range s.AgentRuns {
		if run.Role == role && run.WorkItemID == workItemID && run.Status.IsActive() {
			return run, true
		}
	}
	return AgentRun{}, false
}

// CloneWorkItems returns a shallow copy of the work item map.
func CloneWorkItems(m map[string]WorkItem) map[string]WorkItem {
	out := make(map[string]WorkItem, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneRevisions returns a shallow copy of the revision map.
func CloneRevisions(m map[string]Revision) map[string]Revision {
	out := make(map[string]Revision, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneSpecs returns a shallow copy of the spec map.
func CloneSpecs(m map[string]Spec) map[string]Spec {
	out := make(map[string]Spec, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneAgentRuns returns a shallow copy of the agent run map.
func CloneAgentRuns(m map[string]AgentRun) map[string]AgentRun {
	out := make(map[string]AgentRun, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneSHAs returns a shallow copy of the last-planned SHA map.
func CloneSHAs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

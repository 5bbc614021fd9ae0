// Package agent implements the runtime adapter for LLM agent sessions: it
// assembles per-role trigger prompts from engine state, loads agent
// definitions, runs sessions through a registered session provider, validates
// structured results, and manages implementor worktrees.
package agent

import "github.com/decreehq/decree/state"

// StartParams carries everything the adapter needs to start one agent run.
type StartParams struct {
	SessionID string
	Role      state.AgentRole

	// Snapshot is the engine state the dispatching command was derived from.
	Snapshot state.EngineState

	SpecPaths  []string // planner: specs requiring planning
	WorkItemID string   // implementor, reviewer
	RevisionID string   // reviewer
	BranchName string   // implementor
}

// Phase is the lifecycle phase reported by a running session.
type Phase string

// Lifecycle phases.
const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// FailCause classifies a failed run.
type FailCause string

// Failure causes.
const (
	CauseError     FailCause = "error"
	CauseTimeout   FailCause = "timeout"
	CauseCancelled FailCause = "cancelled"
)

// Update is one lifecycle notification from the adapter. PhaseStarted is
// always delivered before PhaseCompleted or PhaseFailed; exactly one terminal
// phase is delivered per run.
type Update struct {
	Phase       Phase
	LogFilePath string

	// Exactly one of these is set on PhaseCompleted, matching the run's role.
	Planner     *PlannerResult
	Implementor *ImplementorResult
	Reviewer    *ReviewerResult

	// Set on PhaseFailed.
	Cause FailCause
	Error string
}

// Notify receives lifecycle updates for one run. It must not block.
type Notify func(Update)

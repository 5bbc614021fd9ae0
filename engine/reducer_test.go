package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decreehq/decree/state"
)

func workItem(id string, status state.WorkItemStatus, blockedBy ...string) state.WorkItem {
	return state.WorkItem{ID: id, Title: "item " + id, Status: status, BlockedBy: blockedBy}
}

func TestReduceWorkItemUpsertAndRemove(t *testing.T) {
	s := state.NewEngineState()

	item := workItem("42", state.WorkItemPending)
	s = Reduce(s, NewWorkItemChanged(&item, ""), nil)
	require.Contains(t, s.WorkItems, "42")
	assert.Equal(t, state.WorkItemPending, s.WorkItems["42"].Status)

	item.Status = state.WorkItemReady
	s = Reduce(s, NewWorkItemChanged(&item, state.WorkItemPending), nil)
	assert.Equal(t, state.WorkItemReady, s.WorkItems["42"].Status)

	s = Reduce(s, NewWorkItemRemoved("42", state.WorkItemReady), nil)
	assert.NotContains(t, s.WorkItems, "42")
}

func TestReduceCopiesMapsOnWrite(t *testing.T) {
	s := state.NewEngineState()
	item := workItem("1", state.WorkItemPending)
	before := Reduce(s, NewWorkItemChanged(&item, ""), nil)

	item2 := workItem("2", state.WorkItemPending)
	after := Reduce(before, NewWorkItemChanged(&item2, ""), nil)

	// The earlier snapshot must be unaffected by the later reduction.
	assert.Len(t, before.WorkItems, 1)
	assert.Len(t, after.WorkItems, 2)
	assert.NotContains(t, before.WorkItems, "2")
}

func TestReduceRevisionUpsertAndRemove(t *testing.T) {
	s := state.NewEngineState()
	rev := state.Revision{ID: "7", WorkItemID: "42", Pipeline: &state.Pipeline{Status: state.PipelinePending}}
	s = Reduce(s, NewRevisionChanged(&rev, ""), nil)
	require.Contains(t, s.Revisions, "7")

	s = Reduce(s, NewRevisionRemoved("7", state.PipelinePending), nil)
	assert.NotContains(t, s.Revisions, "7")
}

func TestReduceSpecLifecycle(t *testing.T) {
	s := state.NewEngineState()
	spec := state.Spec{FilePath: "specs/auth.md", BlobSHA: "abc", FrontmatterStatus: state.SpecApproved}
	s = Reduce(s, NewSpecChanged(&spec, SpecAdded, "c1"), nil)
	require.Contains(t, s.Specs, "specs/auth.md")

	spec.BlobSHA = "def"
	s = Reduce(s, NewSpecChanged(&spec, SpecModified, "c2"), nil)
	assert.Equal(t, "def", s.Specs["specs/auth.md"].BlobSHA)

	s = Reduce(s, Event{Kind: EventSpecChanged, SpecPath: "specs/auth.md", SpecChange: SpecRemoved}, nil)
	assert.NotContains(t, s.Specs, "specs/auth.md")
}

func TestReduceAgentRunLifecycle(t *testing.T) {
	s := state.NewEngineState()
	now := time.Now()

	s = Reduce(s, Event{Kind: EventImplementorRequested, SessionID: "sess-1", WorkItemID: "42", BranchName: "decree/wi-42", Time: now}, nil)
	run, ok := s.AgentRuns["sess-1"]
	require.True(t, ok)
	assert.Equal(t, state.RunRequested, run.Status)
	assert.Equal(t, state.RoleImplementor, run.Role)
	assert.Equal(t, "decree/wi-42", run.BranchName)
	assert.Equal(t, now, run.StartedAt)

	s = Reduce(s, Event{Kind: EventImplementorStarted, SessionID: "sess-1", LogFilePath: "/logs/a.log"}, nil)
	run = s.AgentRuns["sess-1"]
	assert.Equal(t, state.RunRunning, run.Status)
	assert.Equal(t, "/logs/a.log", run.LogFilePath)

	s = Reduce(s, Event{Kind: EventImplementorCompleted, SessionID: "sess-1"}, nil)
	assert.Equal(t, state.RunCompleted, s.AgentRuns["sess-1"].Status)
}

func TestReduceIllegalRunTransitionDropped(t *testing.T) {
	s := state.NewEngineState()
	s = Reduce(s, Event{Kind: EventReviewerRequested, SessionID: "sess-2"}, nil)

	// Completion without a Started is illegal and must be dropped.
	s = Reduce(s, Event{Kind: EventReviewerCompleted, SessionID: "sess-2"}, nil)
	require.Equal(t, state.RunRequested, s.AgentRuns["sess-2"].Status)

	s = Reduce(s, Event{Kind: EventReviewerStarted, SessionID: "sess-2"}, nil)
	s = Reduce(s, Event{Kind: EventReviewerCompleted, SessionID: "sess-2"}, nil)
	require.Equal(t, state.RunCompleted, s.AgentRuns["sess-2"].Status)

	// A late Started must not resurrect a terminal run.
	s = Reduce(s, Event{Kind: EventReviewerStarted, SessionID: "sess-2", LogFilePath: "/tmp/x"}, nil)
	assert.Equal(t, state.RunCompleted, s.AgentRuns["sess-2"].Status)
	assert.Empty(t, s.AgentRuns["sess-2"].LogFilePath)
}

func TestReducePreStartFailureIsTerminal(t *testing.T) {
	// A session can fail before it starts (missing definition, worktree or
	// prompt error). The run must still reach a terminal state so the role
	// slot is freed for the next request.
	for _, reason := range []FailureReason{FailError, FailTimeout} {
		t.Run(string(reason), func(t *testing.T) {
			s := state.NewEngineState()
			s = Reduce(s, Event{Kind: EventPlannerRequested, SessionID: "p"}, nil)
			s = Reduce(s, Event{Kind: EventPlannerFailed, SessionID: "p", Reason: reason, Error: "no agent definition"}, nil)

			run := s.AgentRuns["p"]
			assert.True(t, run.Status.IsTerminal())
			assert.Equal(t, "no agent definition", run.Error)
			_, active := s.ActiveRun(state.RolePlanner)
			assert.False(t, active)
		})
	}
}

func TestReduceFailureReasons(t *testing.T) {
	tests := []struct {
		reason FailureReason
		want   state.AgentRunStatus
	}{
		{FailError, state.RunFailed},
		{FailTimeout, state.RunTimedOut},
		{FailCancelled, state.RunCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			s := state.NewEngineState()
			s = Reduce(s, Event{Kind: EventPlannerRequested, SessionID: "p"}, nil)
			s = Reduce(s, Event{Kind: EventPlannerStarted, SessionID: "p"}, nil)
			s = Reduce(s, Event{Kind: EventPlannerFailed, SessionID: "p", Reason: tt.reason, Error: "boom"}, nil)
			assert.Equal(t, tt.want, s.AgentRuns["p"].Status)
			assert.Equal(t, "boom", s.AgentRuns["p"].Error)
		})
	}
}

func TestReducePlannerCompletedRecordsPlannedSHAs(t *testing.T) {
	s := state.NewEngineState()
	spec := state.Spec{FilePath: "specs/auth.md", BlobSHA: "abc", FrontmatterStatus: state.SpecApproved}
	s = Reduce(s, NewSpecChanged(&spec, SpecAdded, "c1"), nil)
	s = Reduce(s, Event{Kind: EventPlannerRequested, SessionID: "p", SpecPaths: []string{"specs/auth.md"}}, nil)
	s = Reduce(s, Event{Kind: EventPlannerStarted, SessionID: "p"}, nil)

	s = Reduce(s, Event{Kind: EventPlannerCompleted, SessionID: "p", SpecPaths: []string{"specs/auth.md", "specs/gone.md"}}, nil)
	assert.Equal(t, "abc", s.LastPlannedSHAs["specs/auth.md"])
	// Paths no longer present in the store are skipped.
	assert.NotContains(t, s.LastPlannedSHAs, "specs/gone.md")
}

func TestReduceErrorRingCapped(t *testing.T) {
	s := state.NewEngineState()
	for i := 0; i < state.MaxErrorEntries+10; i++ {
		cmd := Command{Kind: CmdTransitionWorkItemStatus, WorkItemID: fmt.Sprintf("%d", i)}
		s = Reduce(s, Event{Kind: EventCommandFailed, Command: &cmd, Error: "provider down", Time: time.Now()}, nil)
	}
	require.Len(t, s.Errors, state.MaxErrorEntries)
	// Eldest entries are evicted, the ring keeps the most recent.
	assert.Contains(t, s.Errors[len(s.Errors)-1].Event, "workItem=59")
	assert.Contains(t, s.Errors[0].Event, "workItem=10")
}

func TestReduceUserEventsLeaveStateUntouched(t *testing.T) {
	s := state.NewEngineState()
	item := workItem("1", state.WorkItemPending)
	s = Reduce(s, NewWorkItemChanged(&item, ""), nil)

	for _, kind := range []EventKind{EventUserRequestedImplementorRun, EventUserCancelledRun, EventUserTransitionedStatus} {
		next := Reduce(s, Event{Kind: kind, WorkItemID: "1"}, nil)
		assert.Equal(t, s.WorkItems, next.WorkItems)
		assert.Equal(t, s.AgentRuns, next.AgentRuns)
	}
}

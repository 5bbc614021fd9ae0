package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decreehq/decree/agent"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// fakeWriter records provider writes and fails any call whose method name is
// in failOn.
type fakeWriter struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]bool
	nextID int
}

func (w *fakeWriter) record(call string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
	method, _, _ := strings.Cut(call, "(")
	if w.failOn[method] {
		return errors.New("provider unavailable")
	}
	return nil
}

func (w *fakeWriter) recorded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *fakeWriter) CreateWorkItem(_ context.Context, title, body string, labels, blockedBy []string) (string, error) {
	w.mu.Lock()
	w.nextID++
	id := fmt.Sprintf("%d", w.nextID+100)
	w.mu.Unlock()
	err := w.record(fmt.Sprintf("CreateWorkItem(%s blockedBy=%v)", title, blockedBy))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (w *fakeWriter) UpdateWorkItem(_ context.Context, id string, body *string, labels []string) error {
	return w.record(fmt.Sprintf("UpdateWorkItem(%s)", id))
}

func (w *fakeWriter) TransitionStatus(_ context.Context, id string, status state.WorkItemStatus) error {
	return w.record(fmt.Sprintf("TransitionStatus(%s %s)", id, status))
}

func (w *fakeWriter) CreateRevisionFromPatch(_ context.Context, workItemID, patch, title, body string) (string, error) {
	return "rev-1", w.record(fmt.Sprintf("CreateRevisionFromPatch(%s %s)", workItemID, title))
}

func (w *fakeWriter) UpdateRevision(_ context.Context, id, body string) error {
	return w.record(fmt.Sprintf("UpdateRevision(%s)", id))
}

func (w *fakeWriter) CommentOnRevision(_ context.Context, id, body string) error {
	return w.record(fmt.Sprintf("CommentOnRevision(%s)", id))
}

func (w *fakeWriter) PostRevisionReview(_ context.Context, revisionID, verdict, summary string, comments []provider.ReviewComment) (string, error) {
	return "review-1", w.record(fmt.Sprintf("PostRevisionReview(%s %s)", revisionID, verdict))
}

func (w *fakeWriter) UpdateRevisionReview(_ context.Context, revisionID, reviewID, verdict, summary string, comments []provider.ReviewComment) error {
	return w.record(fmt.Sprintf("UpdateRevisionReview(%s %s %s)", revisionID, reviewID, verdict))
}

// fakeRuntime captures dispatches so tests can drive lifecycle phases.
type fakeRuntime struct {
	mu        sync.Mutex
	started   []agent.StartParams
	notifiers []agent.Notify
	cancelled []string
}

func (r *fakeRuntime) StartAgent(_ context.Context, params agent.StartParams, notify agent.Notify) {
	r.mu.Lock()
	r.started = append(r.started, params)
	r.notifiers = append(r.notifiers, notify)
	r.mu.Unlock()
}

func (r *fakeRuntime) CancelAgent(sessionID string, _ agent.FailCause) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, sessionID)
	r.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) enqueue(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// noRetry avoids real backoff sleeps in tests.
func noRetry() provider.RetryConfig {
	cfg := provider.DefaultRetryConfig()
	cfg.MaxRetries = 0
	return cfg
}

func newTestExecutor(t *testing.T, initial state.EngineState) (*Executor, *fakeWriter, *fakeRuntime, *eventRecorder, *state.Store) {
	t.Helper()
	store := state.NewStore()
	store.SetState(func(state.EngineState) state.EngineState { return initial })
	writer := &fakeWriter{failOn: map[string]bool{}}
	runtime := &fakeRuntime{}
	rec := &eventRecorder{}
	x := NewExecutor(store, writer, runtime, rec.enqueue, WithRetryConfig(noRetry()))
	return x, writer, runtime, rec, store
}

func TestExecutorRoleSingleton(t *testing.T) {
	x, _, runtime, rec, _ := newTestExecutor(t, state.NewEngineState())

	x.Submit(context.Background(), []Command{
		{Kind: CmdRequestImplementorRun, WorkItemID: "42"},
		{Kind: CmdRequestImplementorRun, WorkItemID: "43"},
	})
	x.Wait()

	kinds := rec.kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, EventImplementorRequested, kinds[0])
	assert.Equal(t, EventCommandRejected, kinds[1])
	require.Len(t, runtime.started, 1)
	assert.Equal(t, "42", runtime.started[0].WorkItemID)
	assert.Equal(t, "decree/wi-42", runtime.started[0].BranchName)

	// A terminal notification frees the role for the next dispatch.
	runtime.notifiers[0](agent.Update{Phase: agent.PhaseFailed, Cause: agent.CauseError, Error: "crash"})
	x.Submit(context.Background(), []Command{{Kind: CmdRequestImplementorRun, WorkItemID: "43"}})
	x.Wait()
	assert.Len(t, runtime.started, 2)
}

// failBeforeStartRuntime reports failure without ever starting a session,
// as the adapter does when the definition, worktree or prompt cannot be
// built.
type failBeforeStartRuntime struct {
	mu      sync.Mutex
	started int
}

func (r *failBeforeStartRuntime) StartAgent(_ context.Context, _ agent.StartParams, notify agent.Notify) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	notify(agent.Update{Phase: agent.PhaseFailed, Cause: agent.CauseError, Error: "no agent definition"})
}

func (r *failBeforeStartRuntime) CancelAgent(string, agent.FailCause) {}

func TestExecutorPreStartFailureFreesRole(t *testing.T) {
	store := state.NewStore()
	runtime := &failBeforeStartRuntime{}
	writer := &fakeWriter{failOn: map[string]bool{}}

	var loop *Loop
	x := NewExecutor(store, writer, runtime, func(e Event) { loop.Enqueue(e) }, WithRetryConfig(noRetry()))
	loop = NewLoop(store, nil, x)
	loop.Start(context.Background())
	defer loop.Stop()

	x.Submit(context.Background(), []Command{{Kind: CmdRequestPlannerRun, SpecPaths: []string{"specs/a.md"}}})
	x.Wait()
	loop.WaitIdle()

	// The run must reach a terminal state so the role slot is free again.
	for _, run := range store.GetState().AgentRuns {
		assert.Equal(t, state.RunFailed, run.Status)
	}
	_, active := store.GetState().ActiveRun(state.RolePlanner)
	require.False(t, active)

	x.Submit(context.Background(), []Command{{Kind: CmdRequestPlannerRun, SpecPaths: []string{"specs/a.md"}}})
	x.Wait()
	loop.WaitIdle()

	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	assert.Equal(t, 2, runtime.started)
}

func TestExecutorRejectsWhenStoreShowsActiveRun(t *testing.T) {
	s := state.NewEngineState()
	s.AgentRuns["sess"] = state.AgentRun{SessionID: "sess", Role: state.RolePlanner, Status: state.RunRunning}
	x, _, runtime, rec, _ := newTestExecutor(t, s)

	x.Submit(context.Background(), []Command{{Kind: CmdRequestPlannerRun, SpecPaths: []string{"specs/a.md"}}})
	x.Wait()

	assert.Equal(t, []EventKind{EventCommandRejected}, rec.kinds())
	assert.Empty(t, runtime.started)
}

func TestExecutorDifferentRolesRunConcurrently(t *testing.T) {
	x, _, runtime, rec, _ := newTestExecutor(t, state.NewEngineState())

	x.Submit(context.Background(), []Command{
		{Kind: CmdRequestPlannerRun, SpecPaths: []string{"specs/a.md"}},
		{Kind: CmdRequestImplementorRun, WorkItemID: "42"},
	})
	x.Wait()

	assert.Equal(t, []EventKind{EventPlannerRequested, EventImplementorRequested}, rec.kinds())
	assert.Len(t, runtime.started, 2)
}

func TestExecutorLifecycleNotifications(t *testing.T) {
	x, _, runtime, rec, _ := newTestExecutor(t, state.NewEngineState())

	x.Submit(context.Background(), []Command{{Kind: CmdRequestReviewerRun, WorkItemID: "42", RevisionID: "7"}})
	x.Wait()

	notify := runtime.notifiers[0]
	notify(agent.Update{Phase: agent.PhaseStarted, LogFilePath: "/logs/r.log"})
	notify(agent.Update{Phase: agent.PhaseCompleted, Reviewer: &agent.ReviewerResult{Role: "reviewer"}})

	kinds := rec.kinds()
	require.Equal(t, []EventKind{EventReviewerRequested, EventReviewerStarted, EventReviewerCompleted}, kinds)

	rec.mu.Lock()
	started, completed := rec.events[1], rec.events[2]
	rec.mu.Unlock()
	assert.Equal(t, "/logs/r.log", started.LogFilePath)
	assert.Equal(t, "42", completed.WorkItemID)
	assert.Equal(t, "7", completed.RevisionID)
	require.NotNil(t, completed.ReviewerResult)
}

func TestExecutorWriteFailureBecomesEvent(t *testing.T) {
	x, writer, _, rec, _ := newTestExecutor(t, state.NewEngineState())
	writer.failOn["TransitionStatus"] = true

	x.Submit(context.Background(), []Command{{Kind: CmdTransitionWorkItemStatus, WorkItemID: "42", Status: state.WorkItemReady}})
	x.Wait()

	kinds := rec.kinds()
	require.Equal(t, []EventKind{EventCommandFailed}, kinds)
	rec.mu.Lock()
	failed := rec.events[0]
	rec.mu.Unlock()
	require.NotNil(t, failed.Command)
	assert.Equal(t, CmdTransitionWorkItemStatus, failed.Command.Kind)
	assert.Contains(t, failed.Error, "provider unavailable")
}

func TestExecutorAppliesPlannerResultWithTempIDs(t *testing.T) {
	x, writer, _, _, _ := newTestExecutor(t, state.NewEngineState())

	result := &agent.PlannerResult{
		Role: "planner",
		Create: []agent.PlannerCreate{
			{TempID: "t1", Title: "first"},
			{TempID: "t2", Title: "second", BlockedBy: []string{"t1"}},
		},
		Close: []string{"9"},
	}
	x.Submit(context.Background(), []Command{{Kind: CmdApplyPlannerResult, PlannerResult: result}})
	x.Wait()

	calls := writer.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "CreateWorkItem(first blockedBy=[])", calls[0])
	// t1 resolved to the ID minted for the first create.
	assert.Equal(t, "CreateWorkItem(second blockedBy=[101])", calls[1])
	assert.Equal(t, "TransitionStatus(9 closed)", calls[2])
}

func TestExecutorAppliesImplementorOutcomes(t *testing.T) {
	item := state.WorkItem{ID: "42", Title: "Add login", Status: state.WorkItemInProgress}
	s := state.NewEngineState()
	s.WorkItems["42"] = item

	tests := []struct {
		outcome agent.ImplementorOutcome
		want    []string
	}{
		{agent.OutcomeCompleted, []string{
			"CreateRevisionFromPatch(42 Add login)",
			"TransitionStatus(42 review)",
		}},
		{agent.OutcomeBlocked, []string{"TransitionStatus(42 blocked)"}},
		{agent.OutcomeValidationFailure, []string{"TransitionStatus(42 needs-refinement)"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			x, writer, _, _, _ := newTestExecutor(t, s)
			result := &agent.ImplementorResult{Role: "implementor", Outcome: tt.outcome, Summary: "did things", Patch: "diff --git"}
			x.Submit(context.Background(), []Command{{Kind: CmdApplyImplementorResult, WorkItemID: "42", ImplementorResult: result}})
			x.Wait()
			assert.Equal(t, tt.want, writer.recorded())
		})
	}
}

func TestExecutorAppliesReviewerResult(t *testing.T) {
	s := state.NewEngineState()
	s.Revisions["7"] = state.Revision{ID: "7", WorkItemID: "42"}
	x, writer, _, _, _ := newTestExecutor(t, s)

	result := &agent.ReviewerResult{Role: "reviewer", Review: agent.ReviewSubmission{Verdict: agent.VerdictApprove, Summary: "lgtm"}}
	x.Submit(context.Background(), []Command{{Kind: CmdApplyReviewerResult, WorkItemID: "42", RevisionID: "7", ReviewerResult: result}})
	x.Wait()

	assert.Equal(t, []string{
		"PostRevisionReview(7 approve)",
		"TransitionStatus(42 approved)",
	}, writer.recorded())
}

func TestExecutorUpdatesExistingReview(t *testing.T) {
	s := state.NewEngineState()
	s.Revisions["7"] = state.Revision{ID: "7", WorkItemID: "42", ReviewID: "review-9"}
	x, writer, _, _, _ := newTestExecutor(t, s)

	result := &agent.ReviewerResult{Role: "reviewer", Review: agent.ReviewSubmission{Verdict: agent.VerdictNeedsChanges, Summary: "nits"}}
	x.Submit(context.Background(), []Command{{Kind: CmdApplyReviewerResult, WorkItemID: "42", RevisionID: "7", ReviewerResult: result}})
	x.Wait()

	assert.Equal(t, []string{
		"UpdateRevisionReview(7 review-9 needs-changes)",
		"TransitionStatus(42 needs-refinement)",
	}, writer.recorded())
}

func TestExecutorCancelForwardsToRuntime(t *testing.T) {
	x, _, runtime, _, _ := newTestExecutor(t, state.NewEngineState())

	x.Submit(context.Background(), []Command{{Kind: CmdCancelImplementorRun, SessionID: "sess-4"}})
	x.Wait()

	assert.Equal(t, []string{"sess-4"}, runtime.cancelled)
}

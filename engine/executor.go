package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/decreehq/decree/agent"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// AgentRuntime is the adapter surface the executor dispatches agents through.
// StartAgent blocks for the lifetime of the session and reports lifecycle
// phases through notify; the executor runs it on its own goroutine.
type AgentRuntime interface {
	StartAgent(ctx context.Context, params agent.StartParams, notify agent.Notify)
	CancelAgent(sessionID string, cause agent.FailCause)
}

// Executor performs the side effects commands describe: provider writes,
// agent dispatch and cancellation. One executor per engine. Events it
// produces re-enter the loop through the enqueue function.
type Executor struct {
	store   *state.Store
	writer  provider.Writer
	runtime AgentRuntime
	enqueue func(Event)
	retry   provider.RetryConfig
	logger  *slog.Logger
	metrics *Metrics

	// inFlight guards the role singleton between emitting *Requested and the
	// loop reducing it. The store alone would leave a window for double
	// dispatch.
	mu       sync.Mutex
	inFlight map[state.AgentRole]bool

	wg sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = logger }
}

// WithRetryConfig sets the provider retry policy.
func WithRetryConfig(cfg provider.RetryConfig) ExecutorOption {
	return func(x *Executor) { x.retry = cfg }
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(x *Executor) { x.metrics = m }
}

// NewExecutor creates a command executor.
func NewExecutor(store *state.Store, writer provider.Writer, runtime AgentRuntime, enqueue func(Event), opts ...ExecutorOption) *Executor {
	x := &Executor{
		store:    store,
		writer:   writer,
		runtime:  runtime,
		enqueue:  enqueue,
		retry:    provider.DefaultRetryConfig(),
		logger:   slog.Default(),
		inFlight: map[state.AgentRole]bool{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Submit executes a batch of commands. Commands within a batch run
// sequentially; the batch itself runs off the event loop so provider I/O
// never blocks event application.
func (x *Executor) Submit(ctx context.Context, cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		for _, cmd := range cmds {
			x.execute(ctx, cmd)
		}
	}()
}

// Wait blocks until all in-flight command batches have finished.
func (x *Executor) Wait() {
	x.wg.Wait()
}

func (x *Executor) execute(ctx context.Context, cmd Command) {
	x.logger.Debug("executing command", "command", cmd.Key())
	if x.metrics != nil {
		x.metrics.CommandsTotal.WithLabelValues(string(cmd.Kind)).Inc()
	}

	switch cmd.Kind {
	case CmdCreateWorkItem:
		x.write(ctx, cmd, func(ctx context.Context) error {
			_, err := x.writer.CreateWorkItem(ctx, cmd.Title, cmd.Body, cmd.Labels, cmd.BlockedBy)
			return err
		})
	case CmdUpdateWorkItem:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.UpdateWorkItem(ctx, cmd.WorkItemID, cmd.BodyUpdate, cmd.Labels)
		})
	case CmdTransitionWorkItemStatus:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.TransitionStatus(ctx, cmd.WorkItemID, cmd.Status)
		})
	case CmdCreateRevisionFromPatch:
		x.write(ctx, cmd, func(ctx context.Context) error {
			_, err := x.writer.CreateRevisionFromPatch(ctx, cmd.WorkItemID, cmd.Patch, cmd.Title, cmd.Body)
			return err
		})
	case CmdUpdateRevision:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.UpdateRevision(ctx, cmd.RevisionID, cmd.Body)
		})
	case CmdCommentOnRevision:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.CommentOnRevision(ctx, cmd.RevisionID, cmd.Body)
		})
	case CmdPostRevisionReview:
		x.write(ctx, cmd, func(ctx context.Context) error {
			_, err := x.writer.PostRevisionReview(ctx, cmd.RevisionID, cmd.Verdict, cmd.Summary, cmd.Comments)
			return err
		})
	case CmdUpdateRevisionReview:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.UpdateRevisionReview(ctx, cmd.RevisionID, cmd.ReviewID, cmd.Verdict, cmd.Summary, cmd.Comments)
		})

	case CmdRequestPlannerRun:
		x.requestRun(ctx, cmd, state.RolePlanner)
	case CmdRequestImplementorRun:
		x.requestRun(ctx, cmd, state.RoleImplementor)
	case CmdRequestReviewerRun:
		x.requestRun(ctx, cmd, state.RoleReviewer)

	case CmdApplyPlannerResult:
		x.applyPlannerResult(ctx, cmd)
	case CmdApplyImplementorResult:
		x.applyImplementorResult(ctx, cmd)
	case CmdApplyReviewerResult:
		x.applyReviewerResult(ctx, cmd)

	case CmdCancelPlannerRun, CmdCancelImplementorRun, CmdCancelReviewerRun:
		x.runtime.CancelAgent(cmd.SessionID, agent.CauseCancelled)

	default:
		x.logger.Error("unknown command dropped", "kind", cmd.Kind)
	}
}

// write wraps a provider write with the retry policy; final failure becomes a
// commandFailed event. Nothing retries beyond that; a later handler tick
// re-derives the command if the state still warrants it.
func (x *Executor) write(ctx context.Context, cmd Command, op func(context.Context) error) {
	_, err := provider.Retry(ctx, x.retry, x.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if err != nil {
		x.logger.Warn("command failed", "command", cmd.Key(), "error", err)
		if x.metrics != nil {
			x.metrics.CommandFailuresTotal.Inc()
		}
		x.enqueue(Event{Kind: EventCommandFailed, Command: &cmd, Error: err.Error()})
	}
}

// requestRun dispatches an agent run, enforcing the one-active-run-per-role
// invariant. Violations become commandRejected events.
func (x *Executor) requestRun(ctx context.Context, cmd Command, role state.AgentRole) {
	if !x.claimRole(role) {
		x.logger.Info("command rejected", "command", cmd.Key(), "reason", "role already active")
		if x.metrics != nil {
			x.metrics.CommandRejectionsTotal.Inc()
		}
		x.enqueue(Event{Kind: EventCommandRejected, Command: &cmd, Error: "role already active"})
		return
	}

	sessionID := uuid.New().String()
	params := agent.StartParams{
		SessionID:  sessionID,
		Role:       role,
		Snapshot:   x.store.GetState(),
		SpecPaths:  cmd.SpecPaths,
		WorkItemID: cmd.WorkItemID,
		RevisionID: cmd.RevisionID,
	}
	if role == state.RoleImplementor {
		params.BranchName = "decree/wi-" + cmd.WorkItemID
	}

	// Requested is enqueued before the session starts so the reducer records
	// the run before any Started can arrive.
	x.enqueue(Event{
		Kind:       requestedKind(role),
		SessionID:  sessionID,
		Role:       role,
		SpecPaths:  cmd.SpecPaths,
		WorkItemID: cmd.WorkItemID,
		RevisionID: cmd.RevisionID,
		BranchName: params.BranchName,
	})

	notify := func(u agent.Update) {
		switch u.Phase {
		case agent.PhaseStarted:
			x.enqueue(Event{
				Kind:        startedKind(role),
				SessionID:   sessionID,
				Role:        role,
				LogFilePath: u.LogFilePath,
			})
		case agent.PhaseCompleted:
			x.releaseRole(role)
			x.enqueue(Event{
				Kind:              completedKind(role),
				SessionID:         sessionID,
				Role:              role,
				SpecPaths:         cmd.SpecPaths,
				WorkItemID:        cmd.WorkItemID,
				RevisionID:        cmd.RevisionID,
				PlannerResult:     u.Planner,
				ImplementorResult: u.Implementor,
				ReviewerResult:    u.Reviewer,
			})
		case agent.PhaseFailed:
			x.releaseRole(role)
			x.enqueue(Event{
				Kind:       failedKind(role),
				SessionID:  sessionID,
				Role:       role,
				WorkItemID: cmd.WorkItemID,
				RevisionID: cmd.RevisionID,
				Reason:     FailureReason(u.Cause),
				Error:      u.Error,
			})
		}
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.runtime.StartAgent(ctx, params, notify)
	}()
}

// claimRole reserves the role slot unless an active run already holds it.
func (x *Executor) claimRole(role state.AgentRole) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.inFlight[role] {
		return false
	}
	if _, active := x.store.GetState().ActiveRun(role); active {
		return false
	}
	x.inFlight[role] = true
	return true
}

func (x *Executor) releaseRole(role state.AgentRole) {
	x.mu.Lock()
	delete(x.inFlight, role)
	x.mu.Unlock()
}

// applyPlannerResult expands a planner result into provider writes. Temp IDs
// used in blockedBy references resolve to the real IDs of items created
// earlier in the same result.
func (x *Executor) applyPlannerResult(ctx context.Context, cmd Command) {
	result := cmd.PlannerResult
	if result == nil {
		return
	}

	realIDs := make(map[string]string, len(result.Create))
	for _, create := range result.Create {
		blockedBy := make([]string, 0, len(create.BlockedBy))
		for _, ref := range create.BlockedBy {
			if real, ok := realIDs[ref]; ok {
				blockedBy = append(blockedBy, real)
			} else {
				blockedBy = append(blockedBy, ref)
			}
		}

		id, err := provider.Retry(ctx, x.retry, x.logger, func(ctx context.Context) (string, error) {
			return x.writer.CreateWorkItem(ctx, create.Title, create.Body, create.Labels, blockedBy)
		})
		if err != nil {
			x.enqueue(Event{Kind: EventCommandFailed, Command: &cmd, Error: fmt.Sprintf("create %q: %v", create.Title, err)})
			continue
		}
		if create.TempID != "" {
			realIDs[create.TempID] = id
		}
	}

	for _, id := range result.Close {
		closeCmd := Command{Kind: CmdTransitionWorkItemStatus, WorkItemID: id, Status: state.WorkItemClosed}
		x.write(ctx, closeCmd, func(ctx context.Context) error {
			return x.writer.TransitionStatus(ctx, id, state.WorkItemClosed)
		})
	}

	for _, update := range result.Update {
		// A nil body preserves the existing body; same for labels.
		if update.Body == nil && update.Labels == nil {
			continue
		}
		updateCmd := Command{Kind: CmdUpdateWorkItem, WorkItemID: update.WorkItemID, BodyUpdate: update.Body, Labels: update.Labels}
		x.write(ctx, updateCmd, func(ctx context.Context) error {
			return x.writer.UpdateWorkItem(ctx, update.WorkItemID, update.Body, update.Labels)
		})
	}
}

// applyImplementorResult maps the implementor's outcome onto provider writes:
// a completed run opens a revision and moves the item to review; a blocked
// run parks the item; a validation failure sends it back for refinement.
func (x *Executor) applyImplementorResult(ctx context.Context, cmd Command) {
	result := cmd.ImplementorResult
	if result == nil {
		return
	}

	switch result.Outcome {
	case agent.OutcomeCompleted:
		item, ok := x.store.GetState().WorkItems[cmd.WorkItemID]
		title := "Implement work item " + cmd.WorkItemID
		var blockedBy []string
		if ok {
			title = item.Title
			blockedBy = item.BlockedBy
		}
		body := result.Summary + "\n\nCloses #" + cmd.WorkItemID
		body = provider.AppendBlockedBy(body, blockedBy)

		x.write(ctx, cmd, func(ctx context.Context) error {
			_, err := x.writer.CreateRevisionFromPatch(ctx, cmd.WorkItemID, result.Patch, title, body)
			return err
		})
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.TransitionStatus(ctx, cmd.WorkItemID, state.WorkItemReview)
		})

	case agent.OutcomeBlocked:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.TransitionStatus(ctx, cmd.WorkItemID, state.WorkItemBlocked)
		})

	case agent.OutcomeValidationFailure:
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.TransitionStatus(ctx, cmd.WorkItemID, state.WorkItemNeedsRefinement)
		})
	}
}

// applyReviewerResult posts (or updates) the review and transitions the work
// item per the verdict.
func (x *Executor) applyReviewerResult(ctx context.Context, cmd Command) {
	result := cmd.ReviewerResult
	if result == nil {
		return
	}
	review := result.Review

	existingReviewID := ""
	if rev, ok := x.store.GetState().Revisions[cmd.RevisionID]; ok {
		existingReviewID = rev.ReviewID
	}

	if existingReviewID != "" {
		x.write(ctx, cmd, func(ctx context.Context) error {
			return x.writer.UpdateRevisionReview(ctx, cmd.RevisionID, existingReviewID, string(review.Verdict), review.Summary, review.Comments)
		})
	} else {
		x.write(ctx, cmd, func(ctx context.Context) error {
			_, err := x.writer.PostRevisionReview(ctx, cmd.RevisionID, string(review.Verdict), review.Summary, review.Comments)
			return err
		})
	}

	target := state.WorkItemApproved
	if review.Verdict == agent.VerdictNeedsChanges {
		target = state.WorkItemNeedsRefinement
	}
	x.write(ctx, cmd, func(ctx context.Context) error {
		return x.writer.TransitionStatus(ctx, cmd.WorkItemID, target)
	})
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/decreehq/decree/bashguard"
	"github.com/decreehq/decree/state"
	"github.com/decreehq/decree/worktree"
)

// Adapter runs agent sessions: it assembles the context for a role, starts
// the session against the configured session provider, streams its traffic
// into the session log, and turns the structured output into a typed result.
// It is the engine's AgentRuntime.
type Adapter struct {
	sessions     SessionProvider
	prompts      *PromptBuilder
	defs         *Definitions
	worktrees    *worktree.Manager
	logDir       string
	maxDuration  time.Duration
	contextPaths []string
	repoRoot     string
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]*liveSession
}

// liveSession tracks a session for cancellation. cause records why Abort was
// called so the terminal notification reports the right reason.
type liveSession struct {
	session Session
	cause   FailCause
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// WithSessionLogDir enables per-session log files under dir.
func WithSessionLogDir(dir string) AdapterOption {
	return func(a *Adapter) { a.logDir = dir }
}

// WithMaxDuration bounds a session's wall-clock runtime. Zero means no limit.
func WithMaxDuration(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.maxDuration = d }
}

// WithContextPaths appends the contents of the given repo-relative files to
// every system prompt.
func WithContextPaths(paths []string) AdapterOption {
	return func(a *Adapter) { a.contextPaths = paths }
}

// NewAdapter creates an agent runtime adapter.
func NewAdapter(sessions SessionProvider, prompts *PromptBuilder, defs *Definitions, worktrees *worktree.Manager, repoRoot string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		sessions:  sessions,
		prompts:   prompts,
		defs:      defs,
		worktrees: worktrees,
		repoRoot:  repoRoot,
		logger:    slog.Default(),
		running:   map[string]*liveSession{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartAgent runs one agent session to completion, reporting lifecycle
// phases through notify. Blocks for the session's lifetime; the executor
// calls it on a dedicated goroutine.
func (a *Adapter) StartAgent(ctx context.Context, params StartParams, notify Notify) {
	logger := a.logger.With("session_id", params.SessionID, "role", params.Role)

	update, cause, err := a.run(ctx, params, notify, logger)

	a.mu.Lock()
	delete(a.running, params.SessionID)
	a.mu.Unlock()

	if err != nil {
		logger.Error("agent run failed", "cause", cause, "error", err)
		notify(Update{Phase: PhaseFailed, Cause: cause, Error: err.Error()})
		return
	}
	notify(update)
}

// CancelAgent aborts a running session. The recorded cause shows up in the
// terminal notification.
func (a *Adapter) CancelAgent(sessionID string, cause FailCause) {
	a.mu.Lock()
	live, ok := a.running[sessionID]
	if ok {
		live.cause = cause
	}
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("cancel for unknown session", "session_id", sessionID)
		return
	}
	live.session.Abort()
}

func (a *Adapter) run(ctx context.Context, params StartParams, notify Notify, logger *slog.Logger) (Update, FailCause, error) {
	def, err := a.defs.Get(params.Role)
	if err != nil {
		return Update{}, CauseError, fmt.Errorf("loading agent definition: %w", err)
	}

	workDir := a.repoRoot
	if params.Role == state.RoleImplementor {
		workDir, err = a.worktrees.Create(ctx, params.BranchName)
		if err != nil {
			return Update{}, CauseError, fmt.Errorf("preparing worktree: %w", err)
		}
		defer a.worktrees.Cleanup(context.WithoutCancel(ctx), params.BranchName)
	}

	prompt, err := a.buildPrompt(ctx, params)
	if err != nil {
		return Update{}, CauseError, err
	}

	if a.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.maxDuration)
		defer cancel()
	}

	sessionLog := OpenSessionLog(a.logDir, params.Role, params.WorkItemID, logger)

	session, err := a.sessions.StartSession(ctx, SessionOptions{
		SystemPrompt:    a.systemPrompt(def),
		Prompt:          prompt,
		Model:           def.Model,
		MaxTurns:        def.MaxTurns,
		Tools:           def.Tools,
		DisallowedTools: def.DisallowedTools,
		WorkDir:         workDir,
		OutputSchema:    OutputSchema(params.Role),
		PreToolUse:      vetToolUse,
	})
	if err != nil {
		sessionLog.Close("failed")
		return Update{}, CauseError, fmt.Errorf("starting session: %w", err)
	}

	a.mu.Lock()
	a.running[params.SessionID] = &liveSession{session: session}
	a.mu.Unlock()

	notify(Update{Phase: PhaseStarted, LogFilePath: sessionLog.Path()})

	for msg := range session.Messages() {
		sessionLog.Message(msg)
	}

	result, err := session.Wait(ctx)
	if err != nil {
		cause := a.failCause(params.SessionID, ctx)
		sessionLog.Close(outcomeLabel(cause))
		return Update{}, cause, fmt.Errorf("session: %w", err)
	}

	update, err := a.assembleResult(ctx, params, result)
	if err != nil {
		sessionLog.Close("failed")
		return Update{}, CauseError, err
	}
	sessionLog.Close("completed")
	return update, "", nil
}

// assembleResult parses the structured output and, for a completed
// implementor run, extracts the worktree patch.
func (a *Adapter) assembleResult(ctx context.Context, params StartParams, result Result) (Update, error) {
	switch params.Role {
	case state.RolePlanner:
		parsed, err := ParsePlannerResult(result.Output)
		if err != nil {
			return Update{}, fmt.Errorf("planner output: %w", err)
		}
		return Update{Phase: PhaseCompleted, Planner: parsed}, nil

	case state.RoleImplementor:
		parsed, err := ParseImplementorResult(result.Output)
		if err != nil {
			return Update{}, fmt.Errorf("implementor output: %w", err)
		}
		if parsed.Outcome == OutcomeCompleted {
			patch, err := a.worktrees.Diff(ctx, params.BranchName)
			if err != nil {
				return Update{}, fmt.Errorf("extracting patch: %w", err)
			}
			if strings.TrimSpace(patch) == "" {
				return Update{}, errors.New("implementor reported completed but produced no changes")
			}
			parsed.Patch = patch
		}
		return Update{Phase: PhaseCompleted, Implementor: parsed}, nil

	case state.RoleReviewer:
		parsed, err := ParseReviewerResult(result.Output)
		if err != nil {
			return Update{}, fmt.Errorf("reviewer output: %w", err)
		}
		return Update{Phase: PhaseCompleted, Reviewer: parsed}, nil
	}
	return Update{}, fmt.Errorf("unknown role %q", params.Role)
}

func (a *Adapter) buildPrompt(ctx context.Context, params StartParams) (string, error) {
	switch params.Role {
	case state.RolePlanner:
		return a.prompts.PlannerPrompt(ctx, params.Snapshot, params.SpecPaths)
	case state.RoleImplementor:
		return a.prompts.ImplementorPrompt(ctx, params.Snapshot, params.WorkItemID)
	case state.RoleReviewer:
		return a.prompts.ReviewerPrompt(ctx, params.Snapshot, params.WorkItemID, params.RevisionID)
	}
	return "", fmt.Errorf("unknown role %q", params.Role)
}

// systemPrompt appends the configured context files to the definition's body.
// Entries are doublestar patterns resolved against the repo root; patterns
// that match nothing are skipped.
func (a *Adapter) systemPrompt(def Definition) string {
	var sb strings.Builder
	sb.WriteString(def.SystemPrompt)
	for _, path := range a.expandContextPaths() {
		content, err := os.ReadFile(filepath.Join(a.repoRoot, path))
		if err != nil {
			a.logger.Warn("context file skipped", "path", path, "error", err)
			continue
		}
		sb.WriteString("\n\n")
		sb.Write(content)
	}
	return sb.String()
}

func (a *Adapter) expandContextPaths() []string {
	var paths []string
	root := os.DirFS(a.repoRoot)
	for _, pattern := range a.contextPaths {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			a.logger.Warn("bad context path pattern", "pattern", pattern, "error", err)
			continue
		}
		if len(matches) == 0 {
			a.logger.Warn("context path matched nothing", "pattern", pattern)
			continue
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths
}

// failCause classifies a session failure: an explicit cancellation wins, then
// a blown deadline, then plain error.
func (a *Adapter) failCause(sessionID string, ctx context.Context) FailCause {
	a.mu.Lock()
	live, ok := a.running[sessionID]
	a.mu.Unlock()
	if ok && live.cause != "" {
		return live.cause
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CauseTimeout
	}
	return CauseError
}

func outcomeLabel(cause FailCause) string {
	if cause == CauseCancelled {
		return "cancelled"
	}
	return "failed"
}

// vetToolUse routes Bash invocations through the command validator. All other
// tools pass.
func vetToolUse(toolName string, input map[string]any) error {
	if toolName != "Bash" {
		return nil
	}
	command, _ := input["command"].(string)
	verdict := bashguard.Validate(command)
	if !verdict.Allowed {
		return errors.New(verdict.Reason)
	}
	return nil
}

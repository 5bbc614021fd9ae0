package engine

import (
	"fmt"
	"strings"

	"github.com/decreehq/decree/agent"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// CommandKind discriminates the command set the executor understands.
type CommandKind string

// Work-provider write commands.
const (
	CmdCreateWorkItem           CommandKind = "createWorkItem"
	CmdUpdateWorkItem           CommandKind = "updateWorkItem"
	CmdTransitionWorkItemStatus CommandKind = "transitionWorkItemStatus"
	CmdCreateRevisionFromPatch  CommandKind = "createRevisionFromPatch"
	CmdUpdateRevision           CommandKind = "updateRevision"
	CmdCommentOnRevision        CommandKind = "commentOnRevision"
	CmdPostRevisionReview       CommandKind = "postRevisionReview"
	CmdUpdateRevisionReview     CommandKind = "updateRevisionReview"
)

// Agent dispatch commands.
const (
	CmdRequestPlannerRun     CommandKind = "requestPlannerRun"
	CmdRequestImplementorRun CommandKind = "requestImplementorRun"
	CmdRequestReviewerRun    CommandKind = "requestReviewerRun"

	CmdApplyPlannerResult     CommandKind = "applyPlannerResult"
	CmdApplyImplementorResult CommandKind = "applyImplementorResult"
	CmdApplyReviewerResult    CommandKind = "applyReviewerResult"

	CmdCancelPlannerRun     CommandKind = "cancelPlannerRun"
	CmdCancelImplementorRun CommandKind = "cancelImplementorRun"
	CmdCancelReviewerRun    CommandKind = "cancelReviewerRun"
)

// Command is pure data handed from handlers to the executor.
type Command struct {
	Kind CommandKind

	WorkItemID string
	Status     state.WorkItemStatus // transitionWorkItemStatus target

	Title      string
	Body       string
	BodyUpdate *string // updateWorkItem; nil preserves the existing body
	Labels     []string
	BlockedBy  []string

	RevisionID string
	ReviewID   string
	Patch      string
	Verdict    string
	Summary    string
	Comments   []provider.ReviewComment

	SpecPaths []string // requestPlannerRun
	SessionID string   // cancel* commands

	PlannerResult     *agent.PlannerResult
	ImplementorResult *agent.ImplementorResult
	ReviewerResult    *agent.ReviewerResult
}

// Key returns a stable textual identity for ordering-insensitive comparison
// in tests and for the error ring.
func (c Command) Key() string {
	parts := []string{string(c.Kind)}
	if c.WorkItemID != "" {
		parts = append(parts, "workItem="+c.WorkItemID)
	}
	if c.Status != "" {
		parts = append(parts, "status="+string(c.Status))
	}
	if c.RevisionID != "" {
		parts = append(parts, "revision="+c.RevisionID)
	}
	if len(c.SpecPaths) > 0 {
		parts = append(parts, "specs="+strings.Join(c.SpecPaths, ","))
	}
	if c.SessionID != "" {
		parts = append(parts, "session="+c.SessionID)
	}
	return strings.Join(parts, " ")
}

func (c Command) String() string {
	return fmt.Sprintf("Command(%s)", c.Key())
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// BlobDiffer produces a unified diff between two blobs in the version control
// system. Implemented by the worktree manager.
type BlobDiffer interface {
	DiffBlobs(ctx context.Context, oldSHA, newSHA string) (string, error)
}

// PromptBuilder assembles the trigger prompt each role receives. The prompt
// is everything the agent knows about the system beyond its definition.
type PromptBuilder struct {
	reader provider.Reader
	differ BlobDiffer
	logger *slog.Logger
}

// NewPromptBuilder creates a prompt builder.
func NewPromptBuilder(reader provider.Reader, differ BlobDiffer, logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{reader: reader, differ: differ, logger: logger}
}

// PlannerPrompt describes every changed spec (with a diff against the last
// planned version where one exists) followed by the current work item
// backlog.
func (b *PromptBuilder) PlannerPrompt(ctx context.Context, snapshot state.EngineState, specPaths []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("# Changed specifications\n\n")

	for _, path := range specPaths {
		spec, ok := snapshot.Specs[path]
		if !ok {
			continue
		}
		prior := snapshot.LastPlannedSHAs[path]
		if prior == "" || prior == spec.BlobSHA {
			fmt.Fprintf(&sb, "## %s (added)\n\n", path)
			content, err := b.reader.GetSpecContent(ctx, spec.BlobSHA)
			if err != nil {
				return "", fmt.Errorf("reading spec %s: %w", path, err)
			}
			sb.Write(content)
			sb.WriteString("\n\n")
			continue
		}

		fmt.Fprintf(&sb, "## %s (modified)\n\n", path)
		diff, err := b.differ.DiffBlobs(ctx, prior, spec.BlobSHA)
		if err != nil {
			return "", fmt.Errorf("diffing spec %s: %w", path, err)
		}
		sb.WriteString("```diff\n")
		sb.WriteString(diff)
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString("# Existing work items\n\n")
	for _, item := range sortedWorkItems(snapshot) {
		writeWorkItemSection(&sb, item)
	}
	return sb.String(), nil
}

// ImplementorPrompt describes the work item and, when a revision is already
// linked, its change set, CI failure, and prior review feedback.
func (b *PromptBuilder) ImplementorPrompt(ctx context.Context, snapshot state.EngineState, workItemID string) (string, error) {
	item, ok := snapshot.WorkItems[workItemID]
	if !ok {
		return "", fmt.Errorf("work item %s not in store", workItemID)
	}

	var sb strings.Builder
	sb.WriteString("# Work item\n\n")
	writeWorkItemSection(&sb, item)

	if item.LinkedRevision != "" {
		if rev, ok := snapshot.Revisions[item.LinkedRevision]; ok {
			if err := b.writeRevisionContext(ctx, &sb, rev, true); err != nil {
				return "", err
			}
		}
	}
	return sb.String(), nil
}

// ReviewerPrompt describes the work item and revision under review. CI state
// is omitted: the reviewer only runs on a green pipeline.
func (b *PromptBuilder) ReviewerPrompt(ctx context.Context, snapshot state.EngineState, workItemID, revisionID string) (string, error) {
	var sb strings.Builder
	if item, ok := snapshot.WorkItems[workItemID]; ok {
		sb.WriteString("# Work item\n\n")
		writeWorkItemSection(&sb, item)
	}

	rev, ok := snapshot.Revisions[revisionID]
	if !ok {
		return "", fmt.Errorf("revision %s not in store", revisionID)
	}
	if err := b.writeRevisionContext(ctx, &sb, rev, false); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (b *PromptBuilder) writeRevisionContext(ctx context.Context, sb *strings.Builder, rev state.Revision, includeCI bool) error {
	fmt.Fprintf(sb, "# Revision %s: %s\n\n", rev.ID, rev.Title)

	files, err := b.reader.GetRevisionFiles(ctx, rev.ID)
	if err != nil {
		return fmt.Errorf("revision files for %s: %w", rev.ID, err)
	}
	sb.WriteString("## Changed files\n\n")
	for _, file := range files {
		fmt.Fprintf(sb, "### %s (%s)\n\n", file.Path, file.Status)
		if file.Patch != "" {
			sb.WriteString("```diff\n")
			sb.WriteString(file.Patch)
			sb.WriteString("\n```\n\n")
		}
	}

	if includeCI && rev.Pipeline != nil && rev.Pipeline.Status == state.PipelineFailure {
		sb.WriteString("## CI status\n\n")
		fmt.Fprintf(sb, "The pipeline is failing: %s\n", rev.Pipeline.Reason)
		if rev.Pipeline.URL != "" {
			fmt.Fprintf(sb, "Details: %s\n", rev.Pipeline.URL)
		}
		sb.WriteString("\n")
	}

	history, err := b.reader.GetReviewHistory(ctx, rev.ID)
	if err != nil {
		return fmt.Errorf("review history for %s: %w", rev.ID, err)
	}
	if len(history.Reviews) > 0 {
		sb.WriteString("## Prior reviews\n\n")
		for _, review := range history.Reviews {
			fmt.Fprintf(sb, "- %s (%s): %s\n", review.Author, review.State, review.Body)
		}
		sb.WriteString("\n")
	}
	if len(history.InlineComments) > 0 {
		sb.WriteString("## Prior inline comments\n\n")
		for _, comment := range history.InlineComments {
			if comment.Line > 0 {
				fmt.Fprintf(sb, "- %s:%d (%s): %s\n", comment.Path, comment.Line, comment.Author, comment.Body)
			} else {
				fmt.Fprintf(sb, "- %s (%s): %s\n", comment.Path, comment.Author, comment.Body)
			}
		}
		sb.WriteString("\n")
	}
	return nil
}

func writeWorkItemSection(sb *strings.Builder, item state.WorkItem) {
	fmt.Fprintf(sb, "## #%s: %s\n\n", item.ID, item.Title)
	fmt.Fprintf(sb, "Status: %s\n\n", item.Status)
	if item.Body != "" {
		sb.WriteString(item.Body)
		sb.WriteString("\n\n")
	}
}

func sortedWorkItems(snapshot state.EngineState) []state.WorkItem {
	ids := make([]string, 0, len(snapshot.WorkItems))
	for id := range snapshot.WorkItems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]state.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = snapshot.WorkItems[id]
	}
	return items
}

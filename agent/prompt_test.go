package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// promptReader serves canned provider data for prompt assembly.
type promptReader struct {
	specContent map[string][]byte
	files       map[string][]provider.RevisionFile
	history     map[string]provider.ReviewHistory
}

func (r *promptReader) ListWorkItems(ctx context.Context) ([]state.WorkItem, error) { return nil, nil }
func (r *promptReader) GetWorkItem(ctx context.Context, id string) (state.WorkItem, error) {
	return state.WorkItem{}, nil
}
func (r *promptReader) GetWorkItemBody(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (r *promptReader) ListRevisions(ctx context.Context) ([]state.Revision, error) {
	return nil, nil
}
func (r *promptReader) GetRevision(ctx context.Context, id string) (state.Revision, error) {
	return state.Revision{}, nil
}
func (r *promptReader) GetRevisionFiles(ctx context.Context, id string) ([]provider.RevisionFile, error) {
	return r.files[id], nil
}
func (r *promptReader) GetReviewHistory(ctx context.Context, revisionID string) (provider.ReviewHistory, error) {
	return r.history[revisionID], nil
}
func (r *promptReader) GetCombinedStatus(ctx context.Context, headSHA string) (provider.CombinedStatus, error) {
	return provider.CombinedStatus{}, nil
}
func (r *promptReader) GetCheckRuns(ctx context.Context, headSHA string) ([]provider.CheckRun, error) {
	return nil, nil
}
func (r *promptReader) ListSpecs(ctx context.Context, dir string) (provider.SpecTree, error) {
	return provider.SpecTree{}, nil
}
func (r *promptReader) GetSpecContent(ctx context.Context, blobSHA string) ([]byte, error) {
	content, ok := r.specContent[blobSHA]
	if !ok {
		return nil, fmt.Errorf("unknown blob %s", blobSHA)
	}
	return content, nil
}

// fakeDiffer records the blob pairs it sees and returns a fixed diff.
type fakeDiffer struct {
	calls []string
}

func (d *fakeDiffer) DiffBlobs(ctx context.Context, oldSHA, newSHA string) (string, error) {
	d.calls = append(d.calls, oldSHA+".."+newSHA)
	return "-old line\n+new line", nil
}

func TestPlannerPromptAddedAndModifiedSpecs(t *testing.T) {
	reader := &promptReader{specContent: map[string][]byte{
		"blob-new": []byte("# New spec\n\nFull content."),
	}}
	differ := &fakeDiffer{}
	b := NewPromptBuilder(reader, differ, discardLogger())

	snapshot := state.NewEngineState()
	snapshot.Specs["specs/new.md"] = state.Spec{FilePath: "specs/new.md", BlobSHA: "blob-new", FrontmatterStatus: state.SpecApproved}
	snapshot.Specs["specs/old.md"] = state.Spec{FilePath: "specs/old.md", BlobSHA: "blob-v2", FrontmatterStatus: state.SpecApproved}
	snapshot.LastPlannedSHAs["specs/old.md"] = "blob-v1"
	snapshot.WorkItems["7"] = state.WorkItem{ID: "7", Title: "Existing work", Status: state.WorkItemReady, Body: "details"}

	prompt, err := b.PlannerPrompt(context.Background(), snapshot, []string{"specs/new.md", "specs/old.md"})
	require.NoError(t, err)

	assert.Contains(t, prompt, "## specs/new.md (added)")
	assert.Contains(t, prompt, "Full content.")
	assert.Contains(t, prompt, "## specs/old.md (modified)")
	assert.Contains(t, prompt, "```diff\n-old line\n+new line")
	assert.Equal(t, []string{"blob-v1..blob-v2"}, differ.calls)

	assert.Contains(t, prompt, "# Existing work items")
	assert.Contains(t, prompt, "## #7: Existing work")
	assert.Contains(t, prompt, "Status: ready")
}

func TestPlannerPromptSkipsUnknownPaths(t *testing.T) {
	b := NewPromptBuilder(&promptReader{}, &fakeDiffer{}, discardLogger())
	prompt, err := b.PlannerPrompt(context.Background(), state.NewEngineState(), []string{"specs/gone.md"})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "specs/gone.md")
}

func TestImplementorPromptWithLinkedRevision(t *testing.T) {
	reader := &promptReader{
		files: map[string][]provider.RevisionFile{
			"101": {{Path: "pkg/a.go", Status: provider.FileModified, Patch: "@@ -1 +1 @@"}},
		},
		history: map[string]provider.ReviewHistory{
			"101": {
				Reviews:        []provider.Review{{Author: "alice", State: "changes_requested", Body: "tighten this up"}},
				InlineComments: []provider.InlineComment{{Path: "pkg/a.go", Line: 12, Author: "alice", Body: "nil check"}},
			},
		},
	}
	b := NewPromptBuilder(reader, &fakeDiffer{}, discardLogger())

	snapshot := state.NewEngineState()
	snapshot.WorkItems["42"] = state.WorkItem{ID: "42", Title: "Fix the widget", Status: state.WorkItemNeedsRefinement, LinkedRevision: "101"}
	snapshot.Revisions["101"] = state.Revision{
		ID:       "101",
		Title:    "fix widget",
		Pipeline: &state.Pipeline{Status: state.PipelineFailure, Reason: "lint", URL: "https://ci/1"},
	}

	prompt, err := b.ImplementorPrompt(context.Background(), snapshot, "42")
	require.NoError(t, err)

	assert.Contains(t, prompt, "## #42: Fix the widget")
	assert.Contains(t, prompt, "# Revision 101: fix widget")
	assert.Contains(t, prompt, "### pkg/a.go (modified)")
	assert.Contains(t, prompt, "The pipeline is failing: lint")
	assert.Contains(t, prompt, "Details: https://ci/1")
	assert.Contains(t, prompt, "- alice (changes_requested): tighten this up")
	assert.Contains(t, prompt, "- pkg/a.go:12 (alice): nil check")
}

func TestImplementorPromptUnknownItem(t *testing.T) {
	b := NewPromptBuilder(&promptReader{}, &fakeDiffer{}, discardLogger())
	_, err := b.ImplementorPrompt(context.Background(), state.NewEngineState(), "42")
	assert.Error(t, err)
}

func TestReviewerPromptOmitsCI(t *testing.T) {
	reader := &promptReader{
		files: map[string][]provider.RevisionFile{
			"101": {{Path: "pkg/a.go", Status: provider.FileAdded}},
		},
	}
	b := NewPromptBuilder(reader, &fakeDiffer{}, discardLogger())

	snapshot := state.NewEngineState()
	snapshot.WorkItems["42"] = state.WorkItem{ID: "42", Title: "Fix the widget", Status: state.WorkItemReview}
	snapshot.Revisions["101"] = state.Revision{
		ID:       "101",
		Title:    "fix widget",
		Pipeline: &state.Pipeline{Status: state.PipelineFailure, Reason: "stale"},
	}

	prompt, err := b.ReviewerPrompt(context.Background(), snapshot, "42", "101")
	require.NoError(t, err)

	assert.Contains(t, prompt, "# Revision 101: fix widget")
	assert.NotContains(t, prompt, "pipeline is failing")
}

func TestReviewerPromptRequiresRevision(t *testing.T) {
	b := NewPromptBuilder(&promptReader{}, &fakeDiffer{}, discardLogger())
	_, err := b.ReviewerPrompt(context.Background(), state.NewEngineState(), "42", "missing")
	assert.Error(t, err)
}

func TestPlannerPromptWorkItemOrdering(t *testing.T) {
	b := NewPromptBuilder(&promptReader{}, &fakeDiffer{}, discardLogger())
	snapshot := state.NewEngineState()
	for _, id := range []string{"3", "1", "2"} {
		snapshot.WorkItems[id] = state.WorkItem{ID: id, Title: "t" + id, Status: state.WorkItemPending}
	}

	prompt, err := b.PlannerPrompt(context.Background(), snapshot, nil)
	require.NoError(t, err)

	i1 := strings.Index(prompt, "## #1:")
	i2 := strings.Index(prompt, "## #2:")
	i3 := strings.Index(prompt, "## #3:")
	require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
}

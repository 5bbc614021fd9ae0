package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decreehq/decree/state"
)

func TestParsePlannerResult(t *testing.T) {
	raw := []byte(`{
		"role": "planner",
		"create": [
			{"tempID": "t1", "title": "First", "body": "b", "labels": ["feat"], "blockedBy": []},
			{"tempID": "t2", "title": "Second", "body": "b", "labels": [], "blockedBy": ["t1"]}
		],
		"close": ["9"],
		"update": [{"workItemID": "7", "body": "new body", "labels": null}]
	}`)

	result, err := ParsePlannerResult(raw)
	require.NoError(t, err)
	require.Len(t, result.Create, 2)
	assert.Equal(t, "t1", result.Create[0].TempID)
	assert.Equal(t, []string{"t1"}, result.Create[1].BlockedBy)
	assert.Equal(t, []string{"9"}, result.Close)
	require.Len(t, result.Update, 1)
	require.NotNil(t, result.Update[0].Body)
	assert.Equal(t, "new body", *result.Update[0].Body)
	assert.Nil(t, result.Update[0].Labels)
}

func TestParsePlannerResultRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "planner says hi"},
		{"wrong role", `{"role": "implementor", "create": [], "close": [], "update": []}`},
		{"missing create", `{"role": "planner", "close": [], "update": []}`},
		{"create missing title", `{"role": "planner", "create": [{"tempID": "t1", "body": "", "labels": [], "blockedBy": []}], "close": [], "update": []}`},
		{"empty title", `{"role": "planner", "create": [{"tempID": "t1", "title": "", "body": "", "labels": [], "blockedBy": []}], "close": [], "update": []}`},
		{"extra property", `{"role": "planner", "create": [], "close": [], "update": [], "notes": "hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlannerResult([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseImplementorResult(t *testing.T) {
	result, err := ParseImplementorResult([]byte(`{"role": "implementor", "outcome": "blocked", "summary": "missing API token"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, result.Outcome)
	assert.Equal(t, "missing API token", result.Summary)

	_, err = ParseImplementorResult([]byte(`{"role": "implementor", "outcome": "shipped", "summary": "x"}`))
	assert.Error(t, err, "unknown outcome must fail the enum")

	_, err = ParseImplementorResult([]byte(`{"role": "implementor", "outcome": "completed", "summary": ""}`))
	assert.Error(t, err, "summary must be non-empty")
}

func TestParseReviewerResult(t *testing.T) {
	raw := []byte(`{
		"role": "reviewer",
		"review": {
			"verdict": "needs-changes",
			"summary": "two issues",
			"comments": [
				{"path": "pkg/a.go", "line": 10, "body": "nil check"},
				{"path": "pkg/b.go", "body": "typo"}
			]
		}
	}`)

	result, err := ParseReviewerResult(raw)
	require.NoError(t, err)
	assert.Equal(t, VerdictNeedsChanges, result.Review.Verdict)
	require.Len(t, result.Review.Comments, 2)
	assert.Equal(t, 10, result.Review.Comments[0].Line)
	assert.Zero(t, result.Review.Comments[1].Line)

	_, err = ParseReviewerResult([]byte(`{"role": "reviewer", "review": {"verdict": "lgtm", "summary": "", "comments": []}}`))
	assert.Error(t, err, "unknown verdict must fail the enum")
}

func TestOutputSchemaPerRole(t *testing.T) {
	assert.NotNil(t, OutputSchema(state.RolePlanner))
	assert.NotNil(t, OutputSchema(state.RoleImplementor))
	assert.NotNil(t, OutputSchema(state.RoleReviewer))
	assert.Nil(t, OutputSchema(state.AgentRole("other")))
}

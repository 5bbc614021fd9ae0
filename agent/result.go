package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// ImplementorOutcome is the implementor's self-reported outcome.
type ImplementorOutcome string

// Implementor outcomes.
const (
	OutcomeCompleted         ImplementorOutcome = "completed"
	OutcomeBlocked           ImplementorOutcome = "blocked"
	OutcomeValidationFailure ImplementorOutcome = "validation-failure"
)

// ReviewVerdict is the reviewer's verdict.
type ReviewVerdict string

// Review verdicts.
const (
	VerdictApprove      ReviewVerdict = "approve"
	VerdictNeedsChanges ReviewVerdict = "needs-changes"
)

// PlannerCreate describes one work item the planner wants created. TempID
// lets later creations and blockedBy references point at it before a real
// provider ID exists.
type PlannerCreate struct {
	TempID    string   `json:"tempID"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels"`
	BlockedBy []string `json:"blockedBy"`
}

// PlannerUpdate describes one work item mutation. Nil fields are preserved.
type PlannerUpdate struct {
	WorkItemID string   `json:"workItemID"`
	Body       *string  `json:"body"`
	Labels     []string `json:"labels"`
}

// PlannerResult is the planner's structured output.
type PlannerResult struct {
	Role   string          `json:"role"`
	Create []PlannerCreate `json:"create"`
	Close  []string        `json:"close"`
	Update []PlannerUpdate `json:"update"`
}

// ImplementorResult is the implementor's structured output. Patch is attached
// by the adapter after a completed run; it is not part of the agent's output.
type ImplementorResult struct {
	Role    string             `json:"role"`
	Outcome ImplementorOutcome `json:"outcome"`
	Summary string             `json:"summary"`
	Patch   string             `json:"-"`
}

// ReviewSubmission is the reviewer's verdict with inline comments.
type ReviewSubmission struct {
	Verdict  ReviewVerdict            `json:"verdict"`
	Summary  string                   `json:"summary"`
	Comments []provider.ReviewComment `json:"comments"`
}

// ReviewerResult is the reviewer's structured output.
type ReviewerResult struct {
	Role   string           `json:"role"`
	Review ReviewSubmission `json:"review"`
}

// plannerSchema is the structured-output contract for planner runs. The same
// document is handed to the session provider and compiled for validation.
var plannerSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"role", "create", "close", "update"},
	"additionalProperties": false,
	"properties": map[string]any{
		"role": map[string]any{"const": "planner"},
		"create": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []any{"tempID", "title", "body", "labels", "blockedBy"},
				"additionalProperties": false,
				"properties": map[string]any{
					"tempID":    map[string]any{"type": "string"},
					"title":     map[string]any{"type": "string", "minLength": 1},
					"body":      map[string]any{"type": "string"},
					"labels":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"blockedBy": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
		},
		"close": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"update": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"required":             []any{"workItemID"},
				"additionalProperties": false,
				"properties": map[string]any{
					"workItemID": map[string]any{"type": "string", "minLength": 1},
					"body":       map[string]any{"type": []any{"string", "null"}},
					"labels": map[string]any{
						"type":  []any{"array", "null"},
						"items": map[string]any{"type": "string"},
					},
				},
			},
		},
	},
}

var implementorSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"role", "outcome", "summary"},
	"additionalProperties": false,
	"properties": map[string]any{
		"role":    map[string]any{"const": "implementor"},
		"outcome": map[string]any{"enum": []any{"completed", "blocked", "validation-failure"}},
		"summary": map[string]any{"type": "string", "minLength": 1},
	},
}

var reviewerSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"role", "review"},
	"additionalProperties": false,
	"properties": map[string]any{
		"role": map[string]any{"const": "reviewer"},
		"review": map[string]any{
			"type":                 "object",
			"required":             []any{"verdict", "summary", "comments"},
			"additionalProperties": false,
			"properties": map[string]any{
				"verdict": map[string]any{"enum": []any{"approve", "needs-changes"}},
				"summary": map[string]any{"type": "string"},
				"comments": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":                 "object",
						"required":             []any{"path", "body"},
						"additionalProperties": false,
						"properties": map[string]any{
							"path": map[string]any{"type": "string", "minLength": 1},
							"line": map[string]any{"type": []any{"integer", "null"}},
							"body": map[string]any{"type": "string", "minLength": 1},
						},
					},
				},
			},
		},
	},
}

// OutputSchema returns the structured-output JSON schema document for a role.
func OutputSchema(role state.AgentRole) map[string]any {
	switch role {
	case state.RolePlanner:
		return plannerSchema
	case state.RoleImplementor:
		return implementorSchema
	case state.RoleReviewer:
		return reviewerSchema
	default:
		return nil
	}
}

// compileSchema compiles a schema document for validation.
func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

var (
	compiledPlanner     = mustCompile(plannerSchema)
	compiledImplementor = mustCompile(implementorSchema)
	compiledReviewer    = mustCompile(reviewerSchema)
)

func mustCompile(doc map[string]any) *jsonschema.Schema {
	s, err := compileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// validateOutput checks raw structured output against the role's schema.
func validateOutput(role state.AgentRole, raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("structured output is not valid JSON: %w", err)
	}

	var schema *jsonschema.Schema
	switch role {
	case state.RolePlanner:
		schema = compiledPlanner
	case state.RoleImplementor:
		schema = compiledImplementor
	case state.RoleReviewer:
		schema = compiledReviewer
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("structured output failed %s schema: %w", role, err)
	}
	return nil
}

// ParsePlannerResult validates and decodes planner structured output.
func ParsePlannerResult(raw json.RawMessage) (*PlannerResult, error) {
	if err := validateOutput(state.RolePlanner, raw); err != nil {
		return nil, err
	}
	var result PlannerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode planner result: %w", err)
	}
	return &result, nil
}

// ParseImplementorResult validates and decodes implementor structured output.
func ParseImplementorResult(raw json.RawMessage) (*ImplementorResult, error) {
	if err := validateOutput(state.RoleImplementor, raw); err != nil {
		return nil, err
	}
	var result ImplementorResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode implementor result: %w", err)
	}
	return &result, nil
}

// ParseReviewerResult validates and decodes reviewer structured output.
func ParseReviewerResult(raw json.RawMessage) (*ReviewerResult, error) {
	if err := validateOutput(state.RoleReviewer, raw); err != nil {
		return nil, err
	}
	var result ReviewerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode reviewer result: %w", err)
	}
	return &result, nil
}

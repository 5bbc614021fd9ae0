package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

func TestDerivePipelineStatus(t *testing.T) {
	tests := []struct {
		name     string
		combined provider.CombinedStatus
		checks   []provider.CheckRun
		want     state.Pipeline
	}{
		{
			name:     "all green",
			combined: provider.CombinedStatus{State: "success", TotalCount: 2},
			checks: []provider.CheckRun{
				{Name: "build", Status: "completed", Conclusion: "success"},
			},
			want: state.Pipeline{Status: state.PipelineSuccess},
		},
		{
			name:     "failing check wins over green combined status",
			combined: provider.CombinedStatus{State: "success", TotalCount: 1},
			checks: []provider.CheckRun{
				{Name: "build", Status: "completed", Conclusion: "success"},
				{Name: "lint", Status: "completed", Conclusion: "failure", DetailsURL: "u2"},
			},
			want: state.Pipeline{Status: state.PipelineFailure, URL: "u2", Reason: "lint"},
		},
		{
			name:     "first failing check carries url and reason",
			combined: provider.CombinedStatus{State: "failure", TotalCount: 1},
			checks: []provider.CheckRun{
				{Name: "a", Status: "completed", Conclusion: "timed_out", DetailsURL: "ua"},
				{Name: "b", Status: "completed", Conclusion: "failure", DetailsURL: "ub"},
			},
			want: state.Pipeline{Status: state.PipelineFailure, URL: "ua", Reason: "a"},
		},
		{
			name:     "cancelled check fails",
			combined: provider.CombinedStatus{State: "pending", TotalCount: 1},
			checks: []provider.CheckRun{
				{Name: "e2e", Status: "completed", Conclusion: "cancelled", DetailsURL: "u"},
			},
			want: state.Pipeline{Status: state.PipelineFailure, URL: "u", Reason: "e2e"},
		},
		{
			name:     "combined failure without failing checks",
			combined: provider.CombinedStatus{State: "failure", TotalCount: 3},
			checks:   []provider.CheckRun{{Name: "build", Status: "completed", Conclusion: "success"}},
			want:     state.Pipeline{Status: state.PipelineFailure, Reason: "combined status failure"},
		},
		{
			name:     "incomplete check keeps it pending",
			combined: provider.CombinedStatus{State: "success", TotalCount: 1},
			checks: []provider.CheckRun{
				{Name: "build", Status: "in_progress"},
			},
			want: state.Pipeline{Status: state.PipelinePending},
		},
		{
			name:     "pending combined status with contexts",
			combined: provider.CombinedStatus{State: "pending", TotalCount: 2},
			want:     state.Pipeline{Status: state.PipelinePending},
		},
		{
			name: "nothing reported anywhere means CI not configured",
			want: state.Pipeline{Status: state.PipelinePending},
		},
		{
			name:     "pending combined status with zero contexts but green checks",
			combined: provider.CombinedStatus{State: "pending", TotalCount: 0},
			checks:   []provider.CheckRun{{Name: "build", Status: "completed", Conclusion: "success"}},
			want:     state.Pipeline{Status: state.PipelineSuccess},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePipelineStatus(tt.combined, tt.checks))
		})
	}
}

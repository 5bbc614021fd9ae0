// Package reconcile polls the work provider and turns observed differences
// into engine events. Three pollers share one scheduler: work items,
// revisions, and the spec tree. Pollers never mutate the store directly;
// everything flows through the event loop.
package reconcile

import (
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// failedConclusions are check-run conclusions that fail the pipeline.
var failedConclusions = map[string]bool{
	"failure":   true,
	"cancelled": true,
	"timed_out": true,
}

// DerivePipelineStatus folds the provider's combined status and check runs
// into one pipeline result. Precedence, highest first:
//
//  1. a check run with a failing conclusion fails the pipeline, carrying the
//     first such run's name and details URL
//  2. a failing combined status fails the pipeline
//  3. an incomplete check run keeps it pending
//  4. a pending combined status with at least one context keeps it pending
//  5. nothing reported on either endpoint means CI is not configured yet,
//     which also reads as pending
//  6. everything else is success
func DerivePipelineStatus(combined provider.CombinedStatus, checks []provider.CheckRun) state.Pipeline {
	for _, check := range checks {
		if failedConclusions[check.Conclusion] {
			return state.Pipeline{
				Status: state.PipelineFailure,
				URL:    check.DetailsURL,
				Reason: check.Name,
			}
		}
	}

	if combined.State == "failure" {
		return state.Pipeline{Status: state.PipelineFailure, Reason: "combined status failure"}
	}

	for _, check := range checks {
		if check.Status != "completed" {
			return state.Pipeline{Status: state.PipelinePending}
		}
	}

	if combined.State == "pending" && combined.TotalCount > 0 {
		return state.Pipeline{Status: state.PipelinePending}
	}

	if combined.TotalCount == 0 && len(checks) == 0 {
		return state.Pipeline{Status: state.PipelinePending}
	}

	return state.Pipeline{Status: state.PipelineSuccess}
}

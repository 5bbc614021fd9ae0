// Package provider defines the abstract work-provider surface the engine
// talks to: read operations used by the reconciler and prompt assembly, write
// operations issued by the command executor, and the retry policy wrapped
// around both. Concrete code-hosting clients live outside this module and are
// injected at wiring time.
package provider

import (
	"context"

	"github.com/decreehq/decree/state"
)

// FileStatus is the status of one file in a revision's change set.
type FileStatus string

// Revision file statuses.
const (
	FileAdded     FileStatus = "added"
	FileModified  FileStatus = "modified"
	FileRemoved   FileStatus = "removed"
	FileRenamed   FileStatus = "renamed"
	FileCopied    FileStatus = "copied"
	FileChanged   FileStatus = "changed"
	FileUnchanged FileStatus = "unchanged"
)

// RevisionFile is one file of a revision's change set.
type RevisionFile struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
	Patch  string     `json:"patch,omitempty"`
}

// Review is a prior review submission on a revision.
type Review struct {
	Author string `json:"author"`
	State  string `json:"state"`
	Body   string `json:"body"`
}

// InlineComment is a prior inline comment on a revision.
type InlineComment struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"` // 0 means no line anchor
	Author string `json:"author"`
	Body   string `json:"body"`
}

// ReviewHistory is the full review record of a revision.
type ReviewHistory struct {
	Reviews        []Review        `json:"reviews"`
	InlineComments []InlineComment `json:"inlineComments"`
}

// ReviewComment is one inline comment of a reviewer verdict being posted.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Body string `json:"body"`
}

// CombinedStatus is the provider's combined commit status for a head SHA.
type CombinedStatus struct {
	State      string `json:"state"` // "success", "failure", "pending"
	TotalCount int    `json:"total_count"`
}

// CheckRun is one CI check run for a head SHA.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`     // "queued", "in_progress", "completed"
	Conclusion string `json:"conclusion"` // "success", "failure", "cancelled", "timed_out", ...
	DetailsURL string `json:"details_url"`
}

// SpecFile is one spec document in the watched tree.
type SpecFile struct {
	Path    string `json:"path"`
	BlobSHA string `json:"blobSHA"`
}

// SpecTree is the observed state of the spec directory.
type SpecTree struct {
	TreeSHA string `json:"treeSHA"`
	// CommitSHA is the commit that introduced the current tree, when the
	// provider can resolve it; empty otherwise.
	CommitSHA string     `json:"commitSHA"`
	Files     []SpecFile `json:"files"`
}

// Reader is the read side of the work provider. Revisions are returned
// without a derived pipeline; the reconciler combines GetCombinedStatus and
// GetCheckRuns to fill it in.
type Reader interface {
	ListWorkItems(ctx context.Context) ([]state.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (state.WorkItem, error)
	GetWorkItemBody(ctx context.Context, id string) (string, error)

	ListRevisions(ctx context.Context) ([]state.Revision, error)
	GetRevision(ctx context.Context, id string) (state.Revision, error)
	GetRevisionFiles(ctx context.Context, id string) ([]RevisionFile, error)
	GetReviewHistory(ctx context.Context, revisionID string) (ReviewHistory, error)

	GetCombinedStatus(ctx context.Context, headSHA string) (CombinedStatus, error)
	GetCheckRuns(ctx context.Context, headSHA string) ([]CheckRun, error)

	// ListSpecs walks the tree under dir. A missing directory yields an empty
	// tree, not an error.
	ListSpecs(ctx context.Context, dir string) (SpecTree, error)
	GetSpecContent(ctx context.Context, blobSHA string) ([]byte, error)
}

// Writer is the write side of the work provider.
type Writer interface {
	CreateWorkItem(ctx context.Context, title, body string, labels, blockedBy []string) (string, error)
	// UpdateWorkItem leaves the body untouched when body is nil and the labels
	// untouched when labels is nil.
	UpdateWorkItem(ctx context.Context, id string, body *string, labels []string) error
	TransitionStatus(ctx context.Context, id string, status state.WorkItemStatus) error

	CreateRevisionFromPatch(ctx context.Context, workItemID, patch, title, body string) (string, error)
	UpdateRevision(ctx context.Context, id, body string) error
	CommentOnRevision(ctx context.Context, id, body string) error
	PostRevisionReview(ctx context.Context, revisionID, verdict, summary string, comments []ReviewComment) (string, error)
	UpdateRevisionReview(ctx context.Context, revisionID, reviewID, verdict, summary string, comments []ReviewComment) error
}

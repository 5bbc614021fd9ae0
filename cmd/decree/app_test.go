package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/decreehq/decree/config"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

type stubClient struct{}

func (stubClient) ListWorkItems(ctx context.Context) ([]state.WorkItem, error) { return nil, nil }
func (stubClient) GetWorkItem(ctx context.Context, id string) (state.WorkItem, error) {
	return state.WorkItem{}, nil
}
func (stubClient) GetWorkItemBody(ctx context.Context, id string) (string, error) { return "", nil }
func (stubClient) ListRevisions(ctx context.Context) ([]state.Revision, error)   { return nil, nil }
func (stubClient) GetRevision(ctx context.Context, id string) (state.Revision, error) {
	return state.Revision{}, nil
}
func (stubClient) GetRevisionFiles(ctx context.Context, id string) ([]provider.RevisionFile, error) {
	return nil, nil
}
func (stubClient) GetReviewHistory(ctx context.Context, revisionID string) (provider.ReviewHistory, error) {
	return provider.ReviewHistory{}, nil
}
func (stubClient) GetCombinedStatus(ctx context.Context, headSHA string) (provider.CombinedStatus, error) {
	return provider.CombinedStatus{}, nil
}
func (stubClient) GetCheckRuns(ctx context.Context, headSHA string) ([]provider.CheckRun, error) {
	return nil, nil
}
func (stubClient) ListSpecs(ctx context.Context, dir string) (provider.SpecTree, error) {
	return provider.SpecTree{}, nil
}
func (stubClient) GetSpecContent(ctx context.Context, blobSHA string) ([]byte, error) {
	return nil, nil
}
func (stubClient) CreateWorkItem(ctx context.Context, title, body string, labels, blockedBy []string) (string, error) {
	return "1", nil
}
func (stubClient) UpdateWorkItem(ctx context.Context, id string, body *string, labels []string) error {
	return nil
}
func (stubClient) TransitionStatus(ctx context.Context, id string, status state.WorkItemStatus) error {
	return nil
}
func (stubClient) CreateRevisionFromPatch(ctx context.Context, workItemID, patch, title, body string) (string, error) {
	return "1", nil
}
func (stubClient) UpdateRevision(ctx context.Context, id, body string) error      { return nil }
func (stubClient) CommentOnRevision(ctx context.Context, id, body string) error   { return nil }
func (stubClient) PostRevisionReview(ctx context.Context, revisionID, verdict, summary string, comments []provider.ReviewComment) (string, error) {
	return "r1", nil
}
func (stubClient) UpdateRevisionReview(ctx context.Context, revisionID, reviewID, verdict, summary string, comments []provider.ReviewComment) error {
	return nil
}

func TestNewAppWiresComponents(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Repo.Path = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var client stubClient
	app, err := NewApp(cfg, client, client, logger)
	require.NoError(t, err)
	defer app.defs.Close()

	require.NotNil(t, app.store)
	require.NotNil(t, app.loop)
	require.NotNil(t, app.executor)
	require.NotNil(t, app.reconciler)
	require.NotNil(t, app.adapter)
}

func TestNewAppRejectsUnknownSessionProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Repo.Path = t.TempDir()
	cfg.Agents.SessionProvider = "nope"

	var client stubClient
	_, err := NewApp(cfg, client, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestCheckCommandSubcommand(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"check-command", "rm -rf /"})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger := newLogger(config.LoggingConfig{Level: level, Format: "text"})
		require.NotNil(t, logger)
	}
	require.NotNil(t, newLogger(config.LoggingConfig{Level: "info", Format: "json"}))
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRepo() model.RepoID {
	return model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
}

func TestUpsertAndGetIssueRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()

	got, err := s.GetIssueRecord(ctx, repo, 42)
	require.NoError(t, err)
	require.Nil(t, got)

	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	err = s.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID:                   repo,
		IssueNumber:              42,
		LastObservedStatus:       model.StatusResearch,
		LastProcessedCommentTime: now,
	})
	require.NoError(t, err)

	got, err = s.GetIssueRecord(ctx, repo, 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, model.StatusResearch, got.LastObservedStatus)
	require.True(t, now.Equal(got.LastProcessedCommentTime))

	// Re-upsert changes fields in place rather than creating a second row.
	err = s.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID:                   repo,
		IssueNumber:              42,
		LastObservedStatus:       model.StatusPlan,
		LastProcessedCommentTime: now,
	})
	require.NoError(t, err)

	got, err = s.GetIssueRecord(ctx, repo, 42)
	require.NoError(t, err)
	require.Equal(t, model.StatusPlan, got.LastObservedStatus)
}

func TestSessionHandleLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()

	h, err := s.GetSessionHandle(ctx, repo, 1, "Research")
	require.NoError(t, err)
	require.Empty(t, h)

	require.NoError(t, s.SetSessionHandle(ctx, repo, 1, "Research", "sess-A"))
	h, err = s.GetSessionHandle(ctx, repo, 1, "Research")
	require.NoError(t, err)
	require.Equal(t, "sess-A", h)

	require.NoError(t, s.ClearSessionHandle(ctx, repo, 1, "Research"))
	h, err = s.GetSessionHandle(ctx, repo, 1, "Research")
	require.NoError(t, err)
	require.Empty(t, h)
}

func TestClearAllSessionHandles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()

	require.NoError(t, s.SetSessionHandle(ctx, repo, 1, "Research", "sess-A"))
	require.NoError(t, s.SetSessionHandle(ctx, repo, 1, "Plan", "sess-B"))
	require.NoError(t, s.ClearAllSessionHandles(ctx, repo, 1))

	h, err := s.GetSessionHandle(ctx, repo, 1, "Research")
	require.NoError(t, err)
	require.Empty(t, h)
	h, err = s.GetSessionHandle(ctx, repo, 1, "Plan")
	require.NoError(t, err)
	require.Empty(t, h)
}

func TestProcessingCommentSetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()

	require.NoError(t, s.AddProcessingComment(ctx, repo, 42, "comment-1"))
	list, err := s.ListProcessingComments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "comment-1", list[0].CommentHandle)

	require.NoError(t, s.RemoveProcessingComment(ctx, repo, 42, "comment-1"))
	list, err = s.ListProcessingComments(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestTouchAndClearFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()
	require.NoError(t, s.UpsertIssueRecord(ctx, model.IssueRecord{RepoID: repo, IssueNumber: 1, LastObservedStatus: model.StatusResearch}))

	n, err := s.TouchFailure(ctx, repo, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.TouchFailure(ctx, repo, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.ClearFailure(ctx, repo, 1))
	got, err := s.GetIssueRecord(ctx, repo, 1)
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailureCount)
}

func TestRunRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()
	start := time.Now().UTC()

	id, err := s.InsertRunRecord(ctx, repo, 42, model.StatusResearch, start)
	require.NoError(t, err)
	require.NotZero(t, id)

	end := start.Add(5 * time.Minute)
	err = s.FinishRunRecord(ctx, id, end, model.OutcomeSuccess, "sess-A", model.UsageMetrics{
		DurationMS: 300000,
		CostUSD:    1.25,
		Turns:      3,
		Tokens:     map[string]int64{"input": 100, "output": 200},
	})
	require.NoError(t, err)
}

func TestListInProgressOnlyWorkflowColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()

	require.NoError(t, s.UpsertIssueRecord(ctx, model.IssueRecord{RepoID: repo, IssueNumber: 1, LastObservedStatus: model.StatusResearch}))
	require.NoError(t, s.UpsertIssueRecord(ctx, model.IssueRecord{RepoID: repo, IssueNumber: 2, LastObservedStatus: model.StatusBacklog}))
	require.NoError(t, s.UpsertIssueRecord(ctx, model.IssueRecord{RepoID: repo, IssueNumber: 3, LastObservedStatus: model.StatusValidate}))

	list, err := s.ListInProgress(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestHiddenUntilRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := testRepo()
	require.NoError(t, s.UpsertIssueRecord(ctx, model.IssueRecord{RepoID: repo, IssueNumber: 1, LastObservedStatus: model.StatusResearch}))

	got, err := s.GetHiddenUntil(ctx, repo, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	deadline := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.SetHiddenUntil(ctx, repo, 1, deadline))

	got, err = s.GetHiddenUntil(ctx, repo, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.WithinDuration(t, deadline, *got, time.Second)
}

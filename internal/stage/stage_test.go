package stage

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/store"
)

type fakeBackend struct {
	backend.Adapter
	statusActor  string
	issueBody    string
	boardMeta    backend.BoardMetadata
	comments     []string
	updatedTo    string
	archived     bool
	labelsAdded  []string
}

func (f *fakeBackend) GetLastStatusActor(ctx context.Context, repo model.RepoID, issueNumber int) (string, error) {
	return f.statusActor, nil
}

func (f *fakeBackend) GetIssueBody(ctx context.Context, repo model.RepoID, issueNumber int) (string, error) {
	return f.issueBody, nil
}

func (f *fakeBackend) AddComment(ctx context.Context, repo model.RepoID, issueNumber int, body string) (model.Comment, error) {
	f.comments = append(f.comments, body)
	return model.Comment{Body: body}, nil
}

func (f *fakeBackend) GetBoardMetadata(ctx context.Context, boardURL string) (backend.BoardMetadata, error) {
	return f.boardMeta, nil
}

func (f *fakeBackend) UpdateItemStatus(ctx context.Context, meta backend.BoardMetadata, itemHandle, newStatus string) error {
	f.updatedTo = newStatus
	return nil
}

func (f *fakeBackend) ArchiveItem(ctx context.Context, meta backend.BoardMetadata, itemHandle string) error {
	f.archived = true
	return nil
}

func (f *fakeBackend) AddLabel(ctx context.Context, repo model.RepoID, issueNumber int, label string) error {
	f.labelsAdded = append(f.labelsAdded, label)
	return nil
}

type fakeWorktrees struct{ dir string }

func (f *fakeWorktrees) Ensure(ctx context.Context, repo model.RepoID, issueNumber int, remoteURL string) (string, error) {
	return f.dir, nil
}

type fakeRunner struct {
	result agent.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	return f.result, f.err
}

func (f *fakeRunner) ValidateSessionExists(ctx context.Context, handle string) (bool, error) {
	return true, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/kiln.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestExecuteStageSuccessAdvancesColumn(t *testing.T) {
	ctx := context.Background()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{
		RepoID: repo, IssueNumber: 1, Status: model.StatusResearch,
		ItemHandle: "item1", BoardURL: "board1",
	}

	be := &fakeBackend{statusActor: "alice", issueBody: "do the thing"}
	st := openStore(t)
	runner := &fakeRunner{result: agent.Result{ResponseText: "done", SessionID: "sess-1"}}

	exec := New(Config{}, be, st, &fakeWorktrees{dir: t.TempDir()}, runner, nil, nil, nil, nil, nil, nil)

	require.NoError(t, exec.ExecuteStage(ctx, item, nil))
	require.Equal(t, model.StatusPlan, be.updatedTo)
	require.Len(t, be.comments, 1)
	require.Contains(t, be.comments[0], "done")

	record, err := st.GetIssueRecord(ctx, repo, 1)
	require.NoError(t, err)
	require.Equal(t, "sess-1", record.SessionHandles[model.StatusResearch])
}

func TestExecuteStageFailurePostsNeutralCommentAndLabel(t *testing.T) {
	ctx := context.Background()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{
		RepoID: repo, IssueNumber: 2, Status: model.StatusPlan,
		ItemHandle: "item2", BoardURL: "board1",
	}

	be := &fakeBackend{statusActor: "alice", issueBody: "plan it"}
	st := openStore(t)
	runner := &fakeRunner{err: agentFailureErr()}

	exec := New(Config{NeedsHumanLabel: "needs-human"}, be, st, &fakeWorktrees{dir: t.TempDir()}, runner, nil, nil, nil, nil, nil, nil)

	err := exec.ExecuteStage(ctx, item, nil)
	require.Error(t, err)
	require.Empty(t, be.updatedTo)
	require.Contains(t, be.labelsAdded, "needs-human")
	require.Len(t, be.comments, 1)
}

func TestExecuteStageAbortsWhenClaimChanges(t *testing.T) {
	ctx := context.Background()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{
		RepoID: repo, IssueNumber: 3, Status: model.StatusResearch,
		ItemHandle: "item3", BoardURL: "board1",
	}

	be := &changingActorBackend{fakeBackend: fakeBackend{issueBody: "x"}, actors: []string{"alice", "mallory"}}
	st := openStore(t)
	runner := &fakeRunner{result: agent.Result{ResponseText: "done"}}

	exec := New(Config{}, be, st, &fakeWorktrees{dir: t.TempDir()}, runner, nil, nil, nil, nil, nil, nil)

	require.NoError(t, exec.ExecuteStage(ctx, item, nil))
	require.Empty(t, be.updatedTo)
	require.Empty(t, be.comments)
}

type changingActorBackend struct {
	fakeBackend
	actors []string
	calls  int
}

func (b *changingActorBackend) GetLastStatusActor(ctx context.Context, repo model.RepoID, issueNumber int) (string, error) {
	idx := b.calls
	if idx >= len(b.actors) {
		idx = len(b.actors) - 1
	}
	b.calls++
	return b.actors[idx], nil
}

func agentFailureErr() error {
	return errors.Wrap(kerr.AgentFailure, "agent exited non-zero")
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/store"
)

type fakeBackend struct {
	backend.Adapter
	items       map[string][]model.BoardItem
	statusActor map[string]string // "repo#issue" -> login
	comments    map[string][]model.Comment
}

func key(repo model.RepoID, issue int) string {
	return fmt.Sprintf("%s#%d", repo.String(), issue)
}

func (f *fakeBackend) GetBoardItems(ctx context.Context, boardURL string) ([]model.BoardItem, error) {
	return f.items[boardURL], nil
}

func (f *fakeBackend) GetLastStatusActor(ctx context.Context, repo model.RepoID, issueNumber int) (string, error) {
	return f.statusActor[key(repo, issueNumber)], nil
}

func (f *fakeBackend) GetLabelActor(ctx context.Context, repo model.RepoID, issueNumber int, label string) (string, error) {
	return "", nil
}

func (f *fakeBackend) GetCommentsSince(ctx context.Context, repo model.RepoID, issueNumber int, since time.Time) ([]model.Comment, error) {
	return f.comments[key(repo, issueNumber)], nil
}

type countingStage struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *countingStage) ExecuteStage(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fail {
		return errFake
	}
	return nil
}

type countingReviser struct{ calls int32 }

func (c *countingReviser) Revise(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

type countingReset struct{ calls int32 }

func (c *countingReset) Reset(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

var errFake = errors.New("fake stage failure")

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/kiln.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollDispatchesAuthorizedCandidate(t *testing.T) {
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{RepoID: repo, IssueNumber: 1, Status: model.StatusResearch}

	be := &fakeBackend{
		items:       map[string][]model.BoardItem{"board1": {item}},
		statusActor: map[string]string{key(repo, 1): "alice"},
	}
	st := openStore(t)
	stage := &countingStage{}

	d := New(Config{
		BoardURLs:              []string{"board1"},
		AllowList:              map[string]struct{}{"alice": {}},
		MaxConcurrentWorkflows: 2,
	}, be, st, stage, &countingReviser{}, &countingReset{})

	require.NoError(t, d.Poll(context.Background()))
	stage.mu.Lock()
	defer stage.mu.Unlock()
	require.Equal(t, 1, stage.calls)
}

func TestPollSkipsUnauthorizedActor(t *testing.T) {
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{RepoID: repo, IssueNumber: 1, Status: model.StatusResearch}

	be := &fakeBackend{
		items:       map[string][]model.BoardItem{"board1": {item}},
		statusActor: map[string]string{key(repo, 1): "mallory"},
	}
	st := openStore(t)
	stage := &countingStage{}

	d := New(Config{
		BoardURLs: []string{"board1"},
		AllowList: map[string]struct{}{"alice": {}},
	}, be, st, stage, &countingReviser{}, &countingReset{})

	require.NoError(t, d.Poll(context.Background()))
	stage.mu.Lock()
	defer stage.mu.Unlock()
	require.Equal(t, 0, stage.calls)
}

func TestPollSkipsHiddenIssue(t *testing.T) {
	ctx := context.Background()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{RepoID: repo, IssueNumber: 1, Status: model.StatusResearch}

	be := &fakeBackend{
		items:       map[string][]model.BoardItem{"board1": {item}},
		statusActor: map[string]string{key(repo, 1): "alice"},
	}
	st := openStore(t)
	require.NoError(t, st.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID: repo, IssueNumber: 1, LastObservedStatus: model.StatusResearch,
	}))
	require.NoError(t, st.SetHiddenUntil(ctx, repo, 1, time.Now().Add(time.Hour)))

	stage := &countingStage{}
	d := New(Config{
		BoardURLs: []string{"board1"},
		AllowList: map[string]struct{}{"alice": {}},
	}, be, st, stage, &countingReviser{}, &countingReset{})

	require.NoError(t, d.Poll(ctx))
	stage.mu.Lock()
	defer stage.mu.Unlock()
	require.Equal(t, 0, stage.calls)
}

func TestPollRoutesResetOnBacklogTransition(t *testing.T) {
	ctx := context.Background()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	item := model.BoardItem{RepoID: repo, IssueNumber: 7, Status: model.StatusBacklog}

	be := &fakeBackend{
		items:       map[string][]model.BoardItem{"board1": {item}},
		statusActor: map[string]string{key(repo, 7): "alice"},
	}
	st := openStore(t)
	require.NoError(t, st.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID: repo, IssueNumber: 7, LastObservedStatus: model.StatusImplement,
	}))

	reset := &countingReset{}
	d := New(Config{
		BoardURLs: []string{"board1"},
		AllowList: map[string]struct{}{"alice": {}},
	}, be, st, &countingStage{}, &countingReviser{}, reset)

	require.NoError(t, d.Poll(ctx))
	require.EqualValues(t, 1, atomic.LoadInt32(&reset.calls))
}

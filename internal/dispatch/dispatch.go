// Package dispatch implements the claim-and-dispatch loop (spec §4.6):
// one poll sweeps every configured board, filters candidates through
// the authorization gate, and routes each to the stage executor, the
// comment-revision engine, or the reset handler on a bounded worker
// pool. The per-issue lock is a keyed-mutex map generalized from the
// teacher's ratelimit.go in-memory limiter (same "map guarded by one
// mutex, entries are per-key state" shape, repurposed from a counter
// to a busy-set).
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/store"
)

// StageExecutor runs one workflow-column stage to completion.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error
}

// Reviser applies pending human feedback comments to a stage's output.
type Reviser interface {
	Revise(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error
}

// ResetHandler unwinds an issue that was moved back to Backlog.
type ResetHandler interface {
	Reset(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error
}

// Config is the operator-tunable behavior of one Dispatcher.
type Config struct {
	BoardURLs              []string
	AllowList              map[string]struct{}
	ProceedLabel           string
	MaxConcurrentWorkflows int
	FailureCooldown        time.Duration
	// FailureThreshold is how many consecutive stage failures hide an
	// issue for FailureCooldown; spec §4.6 names three.
	FailureThreshold int
}

// Dispatcher owns one poll-diff-dispatch sweep.
type Dispatcher struct {
	cfg     Config
	backend backend.Adapter
	store   *store.Store
	stages  StageExecutor
	revise  Reviser
	reset   ResetHandler

	locks *issueLocks
	sem   chan struct{}
}

// New builds a Dispatcher. Zero-valued MaxConcurrentWorkflows and
// FailureThreshold are given sane defaults (1 and 3 respectively).
func New(cfg Config, be backend.Adapter, st *store.Store, stages StageExecutor, revise Reviser, reset ResetHandler) *Dispatcher {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Dispatcher{
		cfg:     cfg,
		backend: be,
		store:   st,
		stages:  stages,
		revise:  revise,
		reset:   reset,
		locks:   newIssueLocks(),
		sem:     make(chan struct{}, cfg.MaxConcurrentWorkflows),
	}
}

func (d *Dispatcher) allowed(login string) bool {
	if login == "" {
		return false
	}
	_, ok := d.cfg.AllowList[login]
	return ok
}

type issueKey struct {
	Repo  model.RepoID
	Issue int
}

// issueLocks is a set of currently-busy (repo, issue) pairs guarded by
// a single mutex, mirroring the teacher's per-key map pattern.
type issueLocks struct {
	mu       sync.Mutex
	inFlight map[issueKey]struct{}
}

func newIssueLocks() *issueLocks {
	return &issueLocks{inFlight: make(map[issueKey]struct{})}
}

func (l *issueLocks) tryAcquire(k issueKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[k]; busy {
		return false
	}
	l.inFlight[k] = struct{}{}
	return true
}

func (l *issueLocks) release(k issueKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, k)
}

type candidateKind int

const (
	candidateStage candidateKind = iota
	candidateRevision
	candidateReset
)

type candidate struct {
	kind candidateKind
}

// Poll runs one full sweep: fetch every board, diff against stored
// records, gate on authorization, and dispatch onto the worker pool.
// It returns the first network_failure encountered (spec §4.10 treats
// that specially); all other errors are logged and swallowed so one
// bad board or issue never stalls the sweep.
func (d *Dispatcher) Poll(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstNetErr error

	for _, boardURL := range d.cfg.BoardURLs {
		items, err := d.backend.GetBoardItems(ctx, boardURL)
		if err != nil {
			if errors.Is(err, kerr.NetworkFailure) {
				mu.Lock()
				if firstNetErr == nil {
					firstNetErr = err
				}
				mu.Unlock()
				continue
			}
			logging.L().Errorw("dispatch: poll board failed", "board", boardURL, "error", err)
			continue
		}

		for _, item := range items {
			item := item

			record, err := d.store.GetIssueRecord(ctx, item.RepoID, item.IssueNumber)
			if err != nil {
				logging.L().Errorw("dispatch: load issue record failed", "repo", item.RepoID.String(), "issue", item.IssueNumber, "error", err)
				continue
			}

			cand, ok := d.classify(ctx, item, record)
			if !ok {
				continue
			}

			key := issueKey{Repo: item.RepoID, Issue: item.IssueNumber}
			if !d.locks.tryAcquire(key) {
				continue // invariant 3.2(2): already in flight
			}

			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				d.locks.release(key)
				wg.Wait()
				return ctx.Err()
			}

			wg.Add(1)
			go func(item model.BoardItem, record *model.IssueRecord, cand candidate) {
				defer wg.Done()
				defer func() { <-d.sem }()
				defer d.locks.release(key)
				d.runCandidate(ctx, item, record, cand)
			}(item, record, cand)
		}
	}

	wg.Wait()
	return firstNetErr
}

// classify applies retry suppression, the authorization gate, and
// revision/reset routing to decide whether and how to dispatch item.
func (d *Dispatcher) classify(ctx context.Context, item model.BoardItem, record *model.IssueRecord) (candidate, bool) {
	if record != nil && record.HiddenUntil != nil && record.HiddenUntil.After(time.Now()) {
		return candidate{}, false
	}

	wasWorkflowColumn := record != nil && model.IsWorkflowColumn(record.LastObservedStatus)

	// Reset routing: a workflow column -> Backlog transition.
	if wasWorkflowColumn && item.Status == model.StatusBacklog {
		actor, err := d.backend.GetLastStatusActor(ctx, item.RepoID, item.IssueNumber)
		if err != nil && !errors.Is(err, kerr.BackendCapabilityMissing) {
			logging.L().Debugw("dispatch: status actor lookup failed", "error", err)
			return candidate{}, false
		}
		if !d.allowed(actor) {
			return candidate{}, false
		}
		return candidate{kind: candidateReset}, true
	}

	if !model.IsWorkflowColumn(item.Status) {
		return candidate{}, false
	}

	// Authorization gate: who moved the Status field, or who added the
	// proceed-anyway label.
	actor, err := d.backend.GetLastStatusActor(ctx, item.RepoID, item.IssueNumber)
	authorized := err == nil && d.allowed(actor)
	if !authorized && d.cfg.ProceedLabel != "" && item.HasLabel(d.cfg.ProceedLabel) {
		labelActor, labelErr := d.backend.GetLabelActor(ctx, item.RepoID, item.IssueNumber, d.cfg.ProceedLabel)
		authorized = labelErr == nil && d.allowed(labelActor)
	}
	if !authorized {
		logging.L().Debugw("dispatch: candidate not authorized", "repo", item.RepoID.String(), "issue", item.IssueNumber)
		return candidate{}, false
	}

	// Revision routing: Research/Plan with newer allow-listed comments.
	if item.Status == model.StatusResearch || item.Status == model.StatusPlan {
		since := time.Time{}
		if record != nil {
			since = record.LastProcessedCommentTime
		}
		comments, err := d.backend.GetCommentsSince(ctx, item.RepoID, item.IssueNumber, since)
		if err == nil {
			for _, c := range comments {
				if c.CreatedAt.After(since) && d.allowed(c.Author) {
					return candidate{kind: candidateRevision}, true
				}
			}
		}
	}

	return candidate{kind: candidateStage}, true
}

func (d *Dispatcher) runCandidate(ctx context.Context, item model.BoardItem, record *model.IssueRecord, cand candidate) {
	var err error
	switch cand.kind {
	case candidateReset:
		err = d.reset.Reset(ctx, item, record)
	case candidateRevision:
		err = d.revise.Revise(ctx, item, record)
	default:
		err = d.stages.ExecuteStage(ctx, item, record)
	}

	if err == nil || cand.kind != candidateStage {
		return
	}

	// Retry suppression: the stage executor already incremented the
	// failure counter (spec §4.7 step 9); here we just re-read it and
	// hide the issue once it crosses the threshold.
	updated, rerr := d.store.GetIssueRecord(ctx, item.RepoID, item.IssueNumber)
	if rerr != nil {
		logging.L().Errorw("dispatch: read failure count failed", "error", rerr)
		return
	}
	if updated == nil {
		return
	}
	if updated.ConsecutiveFailureCount >= d.cfg.FailureThreshold && d.cfg.FailureCooldown > 0 {
		hiddenUntil := time.Now().Add(d.cfg.FailureCooldown)
		if serr := d.store.SetHiddenUntil(ctx, item.RepoID, item.IssueNumber, hiddenUntil); serr != nil {
			logging.L().Errorw("dispatch: set hidden_until failed", "error", serr)
		}
	}
}

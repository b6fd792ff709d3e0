// Package stage implements the ten-step stage executor (spec §4.7):
// one run of the Research/Plan/Implement/Validate pipeline for one
// issue, from claim re-verification through run-ledger bookkeeping.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/chat"
	"github.com/golithk/kiln/internal/credentials"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/oauth"
	"github.com/golithk/kiln/internal/paging"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/telemetry"
	"github.com/golithk/kiln/internal/workflow"
)

// AgentRunner is the subset of *agent.Runner the executor depends on,
// pulled out as an interface so tests can substitute a fake subprocess.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
	ValidateSessionExists(ctx context.Context, handle string) (bool, error)
}

// Worktrees is the subset of *worktree.Provisioner the executor
// depends on, pulled out as an interface for the same reason.
type Worktrees interface {
	Ensure(ctx context.Context, repo model.RepoID, issueNumber int, remoteURL string) (string, error)
}

// Config carries the operator-tunable knobs of one Executor.
type Config struct {
	NeedsHumanLabel   string
	OAuthHosts        []string // hosts whose tokens are force-refreshed in step 3
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
}

// Executor runs one stage for one candidate issue.
type Executor struct {
	cfg         Config
	backend     backend.Adapter
	store       *store.Store
	worktrees   Worktrees
	runner      AgentRunner
	plugins     *mcp.Resolver // nil when no tool-plugin config is configured
	minter      *oauth.Minter // nil when no OAuth-backed plugins are configured
	credentials *credentials.Injector
	chat        *chat.Notifier
	pager       *paging.Alerter
	telemetry   *telemetry.Exporter
	now         func() time.Time
}

// New builds an Executor. Any of plugins, minter, credentials, chat,
// pager, telemetryExporter may be nil; each is an optional collaborator
// per spec §6.3/§6.4.
func New(
	cfg Config,
	be backend.Adapter,
	st *store.Store,
	worktrees Worktrees,
	runner AgentRunner,
	plugins *mcp.Resolver,
	minter *oauth.Minter,
	creds *credentials.Injector,
	notifier *chat.Notifier,
	pager *paging.Alerter,
	telemetryExporter *telemetry.Exporter,
) *Executor {
	return &Executor{
		cfg:         cfg,
		backend:     be,
		store:       st,
		worktrees:   worktrees,
		runner:      runner,
		plugins:     plugins,
		minter:      minter,
		credentials: creds,
		chat:        notifier,
		pager:       pager,
		telemetry:   telemetryExporter,
		now:         time.Now,
	}
}

func cloneURL(repo model.RepoID) string {
	return fmt.Sprintf("https://%s/%s/%s.git", repo.Host, repo.Owner, repo.Name)
}

func dedupKey(repo model.RepoID, issueNumber int) string {
	return fmt.Sprintf("kiln:%s#%d", repo.String(), issueNumber)
}

// ExecuteStage runs the ten-step sequence for item. A nil return means
// the stage either succeeded or was safely skipped (e.g. the claim
// changed out from under it); callers never need to distinguish the
// two for retry-suppression purposes since neither increments the
// failure counter.
func (e *Executor) ExecuteStage(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	stageDef, ok := workflow.For(item.Status)
	if !ok {
		return nil
	}

	// Step 1 (part one): snapshot who currently owns the claim so we
	// can detect a concurrent change later, right before the
	// expensive agent invocation.
	claimActor, err := e.backend.GetLastStatusActor(ctx, item.RepoID, item.IssueNumber)
	if err != nil && !errors.Is(err, kerr.BackendCapabilityMissing) {
		return err
	}

	// Step 2: tool-plugin preflight.
	pluginConfigSuppressed := false
	if e.plugins != nil {
		if perr := e.probePlugins(ctx); perr != nil {
			if e.plugins.FailOnError() {
				return perr
			}
			e.notifyChat(ctx, fmt.Sprintf("tool plugin preflight failed for %s: %v", qualifiedIssue(item), perr))
			pluginConfigSuppressed = true
		}
	}

	// Step 3: force a credential refresh before writing the plugin
	// config file.
	if e.minter != nil {
		for _, host := range e.cfg.OAuthHosts {
			e.minter.ClearToken(host)
		}
	}

	// Step 4: provision the worktree.
	worktreeDir, err := e.worktrees.Ensure(ctx, item.RepoID, item.IssueNumber, cloneURL(item.RepoID))
	if err != nil {
		return err
	}

	// Step 5: build context and prompt; clear a stale session handle.
	sessionHandle := ""
	if record != nil {
		sessionHandle = record.SessionHandles[stageDef.Name]
	}
	if sessionHandle != "" {
		stillValid, vErr := e.runner.ValidateSessionExists(ctx, sessionHandle)
		if vErr == nil && !stillValid {
			sessionHandle = ""
			_ = e.store.ClearSessionHandle(ctx, item.RepoID, item.IssueNumber, stageDef.Name)
		}
	}

	pluginConfigPath := ""
	if !pluginConfigSuppressed && e.plugins != nil {
		pluginConfigPath, err = e.plugins.WriteResolvedConfig(ctx, worktreeDir)
		if err != nil {
			return err
		}
	}
	if e.credentials != nil {
		if err := e.credentials.Inject(item.RepoID, worktreeDir); err != nil {
			return err
		}
	}

	issueBody, err := e.backend.GetIssueBody(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		return err
	}
	prompt := stageDef.Prompt(workflow.PromptInput{IssueBody: issueBody})

	// Step 1 (part two): abort without mutation if the claim moved.
	if claimActor != "" {
		currentActor, cErr := e.backend.GetLastStatusActor(ctx, item.RepoID, item.IssueNumber)
		if cErr == nil && currentActor != claimActor {
			logging.L().Debugw("stage: claim changed under us, aborting", "issue", qualifiedIssue(item))
			return nil
		}
	}

	// Step 6: insert the run record.
	start := e.now()
	runID, err := e.store.InsertRunRecord(ctx, item.RepoID, item.IssueNumber, stageDef.Name, start)
	if err != nil {
		return err
	}

	// Step 7: invoke the runner.
	result, runErr := e.runner.Run(ctx, agent.Request{
		Prompt:            prompt,
		Cwd:               worktreeDir,
		ResumeSession:     sessionHandle,
		PluginConfigPath:  pluginConfigPath,
		TotalTimeout:      e.cfg.TotalTimeout,
		InactivityTimeout: e.cfg.InactivityTimeout,
		TelemetryEnabled:  e.telemetry != nil,
	})
	end := e.now()

	if runErr != nil {
		return e.onFailure(ctx, item, stageDef, runID, start, end, runErr)
	}
	return e.onSuccess(ctx, item, stageDef, runID, start, end, result)
}

func (e *Executor) probePlugins(ctx context.Context) error {
	for _, name := range e.plugins.Names() {
		if err := e.plugins.Probe(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) notifyChat(ctx context.Context, text string) {
	if e.chat != nil {
		e.chat.Notify(ctx, text)
	}
}

func qualifiedIssue(item model.BoardItem) string {
	return fmt.Sprintf("%s#%d", item.RepoID.String(), item.IssueNumber)
}

// Step 8.
func (e *Executor) onSuccess(ctx context.Context, item model.BoardItem, stageDef workflow.Stage, runID int64, start, end time.Time, result agent.Result) error {
	body := stageDef.OutputMarker + "\n\n" + result.ResponseText
	if _, err := e.backend.AddComment(ctx, item.RepoID, item.IssueNumber, body); err != nil {
		logging.L().Errorw("stage: post success comment failed", "issue", qualifiedIssue(item), "error", err)
	}

	meta, metaErr := e.backend.GetBoardMetadata(ctx, item.BoardURL)
	if metaErr == nil {
		if stageDef.NextColumn != "" {
			if err := e.backend.UpdateItemStatus(ctx, meta, item.ItemHandle, stageDef.NextColumn); err != nil {
				logging.L().Errorw("stage: advance column failed", "issue", qualifiedIssue(item), "error", err)
			}
		} else {
			if err := e.backend.ArchiveItem(ctx, meta, item.ItemHandle); err != nil {
				logging.L().Errorw("stage: archive item failed", "issue", qualifiedIssue(item), "error", err)
			}
		}
	} else {
		logging.L().Errorw("stage: load board metadata failed", "issue", qualifiedIssue(item), "error", metaErr)
	}

	if result.SessionID != "" {
		if err := e.store.SetSessionHandle(ctx, item.RepoID, item.IssueNumber, stageDef.Name, result.SessionID); err != nil {
			logging.L().Errorw("stage: store session handle failed", "issue", qualifiedIssue(item), "error", err)
		}
	}
	if err := e.store.ClearFailure(ctx, item.RepoID, item.IssueNumber); err != nil {
		logging.L().Errorw("stage: clear failure counter failed", "issue", qualifiedIssue(item), "error", err)
	}

	nextStatus := stageDef.NextColumn
	if nextStatus == "" {
		nextStatus = item.Status
	}
	if err := e.store.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID:             item.RepoID,
		IssueNumber:        item.IssueNumber,
		LastObservedStatus: nextStatus,
	}); err != nil {
		logging.L().Errorw("stage: upsert issue record failed", "issue", qualifiedIssue(item), "error", err)
	}

	if e.pager != nil {
		e.pager.Resolve(ctx, dedupKey(item.RepoID, item.IssueNumber))
	}

	if ferr := e.store.FinishRunRecord(ctx, runID, end, model.OutcomeSuccess, result.SessionID, result.Metrics); ferr != nil {
		logging.L().Errorw("stage: finish run record failed", "issue", qualifiedIssue(item), "error", ferr)
	}
	if e.telemetry != nil {
		e.telemetry.Observe(stageDef.Name, item.RepoID, model.OutcomeSuccess, end.Sub(start).Seconds(), result.Metrics)
	}
	return nil
}

// Step 9.
func (e *Executor) onFailure(ctx context.Context, item model.BoardItem, stageDef workflow.Stage, runID int64, start, end time.Time, runErr error) error {
	outcome := model.OutcomeInternalErr
	switch {
	case errors.Is(runErr, kerr.AgentTimeoutTotal):
		outcome = model.OutcomeTimeout
	case errors.Is(runErr, kerr.AgentTimeoutInactivity):
		outcome = model.OutcomeTimeout
		if e.pager != nil {
			e.pager.Trigger(ctx, dedupKey(item.RepoID, item.IssueNumber),
				fmt.Sprintf("agent inactivity timeout on %s stage %s", qualifiedIssue(item), stageDef.Name), "kiln")
		}
	case errors.Is(runErr, kerr.AgentFailure):
		outcome = model.OutcomeAgentFailure
	}

	if _, ferr := e.store.TouchFailure(ctx, item.RepoID, item.IssueNumber); ferr != nil {
		logging.L().Errorw("stage: touch failure counter failed", "issue", qualifiedIssue(item), "error", ferr)
	}

	if _, err := e.backend.AddComment(ctx, item.RepoID, item.IssueNumber,
		stageDef.OutputMarker+"\n\nI need a human to take a look at this one."); err != nil {
		logging.L().Errorw("stage: post failure comment failed", "issue", qualifiedIssue(item), "error", err)
	}
	if e.cfg.NeedsHumanLabel != "" {
		if err := e.backend.AddLabel(ctx, item.RepoID, item.IssueNumber, e.cfg.NeedsHumanLabel); err != nil {
			logging.L().Errorw("stage: add needs-human label failed", "issue", qualifiedIssue(item), "error", err)
		}
	}

	if ferr := e.store.FinishRunRecord(ctx, runID, end, outcome, "", model.UsageMetrics{}); ferr != nil {
		logging.L().Errorw("stage: finish run record failed", "issue", qualifiedIssue(item), "error", ferr)
	}
	if e.telemetry != nil {
		e.telemetry.Observe(stageDef.Name, item.RepoID, outcome, end.Sub(start).Seconds(), model.UsageMetrics{})
	}
	return runErr
}

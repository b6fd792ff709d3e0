// Package revision implements the comment-revision engine (spec §4.8):
// the per-issue loop that turns an allow-listed human comment into an
// edit of the engine's own prior post, grounded on the stage executor's
// worktree/session handling in internal/stage, generalized from "run a
// stage" to "revise what a stage already posted".
package revision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/golithk/kiln/internal/agent"
	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/store"
	"github.com/golithk/kiln/internal/workflow"
)

// ResponseMarker is the sentinel the engine puts on every revision reply
// comment, mirroring the per-stage OutputMarker but identifying a
// revision rather than a fresh stage run.
const ResponseMarker = "<!-- KILN:REVISION_APPLIED -->"

const diffWrapWidth = 100

// AgentRunner is the subset of *agent.Runner the engine depends on.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
	ValidateSessionExists(ctx context.Context, handle string) (bool, error)
}

// Worktrees is the subset of *worktree.Provisioner the engine depends
// on; MaterializeConfig is exercised here rather than duplicated inline,
// unlike the stage executor which writes plugin config and credentials
// directly.
type Worktrees interface {
	Ensure(ctx context.Context, repo model.RepoID, issueNumber int, remoteURL string) (string, error)
	MaterializeConfig(ctx context.Context, repo model.RepoID, dir string) (string, error)
}

// Config carries the operator-tunable knobs of one Engine.
type Config struct {
	EngineLogin       string // the engine's own comment author login, for the identity filter
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
}

// Engine runs the revision loop for one candidate issue.
type Engine struct {
	cfg       Config
	backend   backend.Adapter
	store     *store.Store
	worktrees Worktrees
	runner    AgentRunner
}

// New builds an Engine.
func New(cfg Config, be backend.Adapter, st *store.Store, worktrees Worktrees, runner AgentRunner) *Engine {
	return &Engine{cfg: cfg, backend: be, store: st, worktrees: worktrees, runner: runner}
}

func cloneURL(repo model.RepoID) string {
	return fmt.Sprintf("https://%s/%s/%s.git", repo.Host, repo.Owner, repo.Name)
}

func qualifiedIssue(repo model.RepoID, issueNumber int) string {
	return fmt.Sprintf("%s#%d", repo.String(), issueNumber)
}

// Revise implements dispatch.Reviser. item.Status must already be a
// candidate per the dispatcher's classification (Research or Plan, a
// newer allow-listed comment present); record may be nil for an issue
// observed for the first time, in which case the Backlog skip and "no
// target post yet" skip both still apply trivially.
func (e *Engine) Revise(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	// Backlog skip: no reactions, no database writes.
	if item.Status == model.StatusBacklog {
		return nil
	}

	stageDef, ok := workflow.For(item.Status)
	if !ok {
		return nil
	}

	since := time.Time{}
	if record != nil {
		since = record.LastProcessedCommentTime
	}

	all, err := e.backend.GetCommentsSince(ctx, item.RepoID, item.IssueNumber, time.Time{})
	if err != nil {
		return err
	}

	target := latestOwnMarkedComment(all, e.cfg.EngineLogin, stageDef.OutputMarker)
	if target == nil {
		// Nothing to revise yet; this is not a failure.
		return nil
	}

	pending := pendingComments(all, since, e.cfg.EngineLogin)
	if len(pending) == 0 {
		return nil
	}

	newest := since
	for i := range pending {
		c := pending[i]
		if err := e.applyOne(ctx, item, stageDef, target, c); err != nil {
			logging.L().Errorw("revision: apply comment failed, leaving for retry",
				"issue", qualifiedIssue(item.RepoID, item.IssueNumber), "comment", c.Handle, "error", err)
			continue
		}
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}

	if newest.After(since) {
		if err := e.store.SetLastProcessedCommentTime(ctx, item.RepoID, item.IssueNumber, newest); err != nil {
			return err
		}
	}
	return nil
}

// latestOwnMarkedComment returns the most recent comment authored by
// the engine whose body carries stage's output marker — the target kiln
// post (spec §4.8 step 3b) — or nil if the engine has not posted one yet.
func latestOwnMarkedComment(comments []model.Comment, engineLogin, marker string) *model.Comment {
	var latest *model.Comment
	for i := range comments {
		c := &comments[i]
		if c.Author != engineLogin || !strings.Contains(c.Body, marker) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

// pendingComments applies the spec §4.8 step 2 filter: new since the
// high-water mark, not the engine's own, not already processed or
// in-flight, in chronological order.
func pendingComments(comments []model.Comment, since time.Time, engineLogin string) []model.Comment {
	var out []model.Comment
	for _, c := range comments {
		if !c.CreatedAt.After(since) {
			continue
		}
		if c.Author == engineLogin {
			continue
		}
		if strings.Contains(c.Body, ResponseMarker) || isStageMarkerComment(c.Body) {
			continue
		}
		if c.ProcessedFlag || c.InFlightFlag {
			continue
		}
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func isStageMarkerComment(body string) bool {
	for _, s := range workflow.Registry {
		if strings.Contains(body, s.OutputMarker) {
			return true
		}
	}
	return false
}

// applyOne runs steps 3a-3g of spec §4.8 for one user comment against
// the current body of target. target.Body is updated in place so a
// second pending comment in the same call revises against the first
// comment's result.
func (e *Engine) applyOne(ctx context.Context, item model.BoardItem, stageDef workflow.Stage, target *model.Comment, userComment model.Comment) (err error) {
	if rerr := e.backend.AddReaction(ctx, item.RepoID, userComment.Handle, model.ReactionEyes); rerr != nil {
		return rerr
	}
	if rerr := e.store.AddProcessingComment(ctx, item.RepoID, item.IssueNumber, userComment.Handle); rerr != nil {
		return rerr
	}

	defer func() {
		if rerr := e.store.RemoveProcessingComment(ctx, item.RepoID, item.IssueNumber, userComment.Handle); rerr != nil {
			logging.L().Errorw("revision: clear processing comment failed", "comment", userComment.Handle, "error", rerr)
		}
		if err != nil {
			if rerr := e.backend.RemoveReaction(ctx, item.RepoID, userComment.Handle, model.ReactionEyes); rerr != nil {
				logging.L().Errorw("revision: clear eyes reaction failed", "comment", userComment.Handle, "error", rerr)
			}
		}
	}()

	targetContent := extractTargetContent(target.Body, stageDef.OutputMarker)

	worktreeDir, werr := e.worktrees.Ensure(ctx, item.RepoID, item.IssueNumber, cloneURL(item.RepoID))
	if werr != nil {
		return werr
	}
	pluginConfigPath, cerr := e.worktrees.MaterializeConfig(ctx, item.RepoID, worktreeDir)
	if cerr != nil {
		return cerr
	}

	sessionHandle, serr := e.store.GetSessionHandle(ctx, item.RepoID, item.IssueNumber, stageDef.Name)
	if serr != nil {
		return serr
	}
	if sessionHandle != "" {
		stillValid, vErr := e.runner.ValidateSessionExists(ctx, sessionHandle)
		if vErr == nil && !stillValid {
			sessionHandle = ""
			if cerr := e.store.ClearSessionHandle(ctx, item.RepoID, item.IssueNumber, stageDef.Name); cerr != nil {
				logging.L().Errorw("revision: clear stale session handle failed", "error", cerr)
			}
		}
	}

	prompt := revisionPrompt(targetContent, userComment.Body)
	result, runErr := e.runner.Run(ctx, agent.Request{
		Prompt:            prompt,
		Cwd:               worktreeDir,
		ResumeSession:     sessionHandle,
		PluginConfigPath:  pluginConfigPath,
		TotalTimeout:      e.cfg.TotalTimeout,
		InactivityTimeout: e.cfg.InactivityTimeout,
	})
	if runErr != nil {
		return runErr
	}

	revisedContent := strings.TrimSpace(result.ResponseText)
	if err := e.backend.UpdateComment(ctx, item.RepoID, target.Handle, stageDef.OutputMarker+"\n\n"+revisedContent); err != nil {
		return err
	}
	target.Body = stageDef.OutputMarker + "\n\n" + revisedContent

	if result.SessionID != "" {
		if serr := e.store.SetSessionHandle(ctx, item.RepoID, item.IssueNumber, stageDef.Name, result.SessionID); serr != nil {
			logging.L().Errorw("revision: store session handle failed", "error", serr)
		}
	}

	reply := ResponseMarker + "\n\n```diff\n" + wrapDiffLines(unifiedDiff(targetContent, revisedContent)) + "```\n"
	if _, err := e.backend.AddComment(ctx, item.RepoID, item.IssueNumber, reply); err != nil {
		return err
	}

	if err := e.backend.AddReaction(ctx, item.RepoID, userComment.Handle, model.ReactionThumbsUp); err != nil {
		return err
	}
	if err := e.backend.RemoveReaction(ctx, item.RepoID, userComment.Handle, model.ReactionEyes); err != nil {
		return err
	}
	return nil
}

// extractTargetContent returns the markdown body following marker, the
// inverse of how onSuccess in internal/stage composes a posted comment.
func extractTargetContent(body, marker string) string {
	idx := strings.Index(body, marker)
	if idx < 0 {
		return body
	}
	rest := body[idx+len(marker):]
	return strings.TrimLeft(rest, "\n")
}

func revisionPrompt(targetContent, userFeedback string) string {
	var sb strings.Builder
	sb.WriteString("<system-instructions>\n")
	sb.WriteString("You previously produced the content below for this stage of an automated engineering workflow. ")
	sb.WriteString("A human has left feedback on it. Revise the content to address the feedback, keeping everything that still applies.\n")
	sb.WriteString("</system-instructions>\n\n")

	sb.WriteString("<previous-output>\n")
	sb.WriteString(targetContent)
	sb.WriteString("\n</previous-output>\n\n")

	sb.WriteString("<user-feedback>\n")
	sb.WriteString(userFeedback)
	sb.WriteString("\n</user-feedback>\n\n")

	sb.WriteString("Reply with the complete revised content only, with no surrounding commentary.\n")
	return sb.String()
}

// unifiedDiff renders a context-less diff between a and b, per spec
// §4.8 step f.
func unifiedDiff(a, b string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "before",
		ToFile:   "after",
		Context:  0,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return out
}

// wrapDiffLines wraps every diff line to diffWrapWidth columns, keeping
// the leading +/-/space prefix on every wrapped continuation and never
// wrapping a "@@ ... @@" hunk header.
func wrapDiffLines(diffText string) string {
	if diffText == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(diffText, "\n"), "\n")
	var sb strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") || line == "" {
			sb.WriteString(line)
			sb.WriteString("\n")
			continue
		}
		prefix := line[:1]
		rest := line[1:]
		for len(rest) > diffWrapWidth-1 {
			sb.WriteString(prefix)
			sb.WriteString(rest[:diffWrapWidth-1])
			sb.WriteString("\n")
			rest = rest[diffWrapWidth-1:]
		}
		sb.WriteString(prefix)
		sb.WriteString(rest)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Package reset implements the reset handler (spec §4.9): returning an
// issue to Backlog tidies up everything the workflow pipeline built up
// for it, grounded on the teacher's server/poller.go cleanup branch for
// a cancelled Mattermost request, generalized to Kiln's linked-change
// and session-handle bookkeeping.
package reset

import (
	"context"
	"fmt"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/backend/github"
	"github.com/golithk/kiln/internal/logging"
	"github.com/golithk/kiln/internal/model"
	"github.com/golithk/kiln/internal/store"
)

// Handler implements dispatch.ResetHandler.
type Handler struct {
	backend backend.Adapter
	store   *store.Store
}

// New builds a Handler.
func New(be backend.Adapter, st *store.Store) *Handler {
	return &Handler{backend: be, store: st}
}

// Reset runs spec §4.9's S -> Backlog cleanup for item. record may be
// nil when the issue was never observed before; every step below is
// still safe to run unconditionally.
func (h *Handler) Reset(ctx context.Context, item model.BoardItem, record *model.IssueRecord) error {
	changes, err := h.backend.GetLinkedChanges(ctx, item.RepoID, item.IssueNumber)
	if err != nil {
		return err
	}

	for _, c := range changes {
		stripped := github.StripClosingKeyword(c.Body)
		if stripped != c.Body {
			if uerr := h.backend.UpdateChangeBody(ctx, item.RepoID, c.Number, stripped); uerr != nil {
				logging.L().Errorw("reset: strip closing keyword failed", "issue", qualifiedIssue(item), "change", c.Number, "error", uerr)
			}
		}

		if cerr := h.backend.CloseChange(ctx, item.RepoID, c.Number); cerr != nil {
			logging.L().Errorw("reset: close change failed", "issue", qualifiedIssue(item), "change", c.Number, "error", cerr)
		}

		if c.BranchName != "" {
			// Best-effort per spec §4.9: a protected or already-deleted
			// branch is not an error the reset needs to surface.
			if derr := h.backend.DeleteBranch(ctx, item.RepoID, c.BranchName); derr != nil {
				logging.L().Debugw("reset: delete branch failed", "issue", qualifiedIssue(item), "branch", c.BranchName, "error", derr)
			}
		}
	}

	if err := h.store.ClearAllSessionHandles(ctx, item.RepoID, item.IssueNumber); err != nil {
		return err
	}
	if err := h.store.ClearCommentTimestamp(ctx, item.RepoID, item.IssueNumber); err != nil {
		return err
	}
	if err := h.store.ClearFailure(ctx, item.RepoID, item.IssueNumber); err != nil {
		return err
	}

	return h.store.UpsertIssueRecord(ctx, model.IssueRecord{
		RepoID:             item.RepoID,
		IssueNumber:        item.IssueNumber,
		LastObservedStatus: model.StatusBacklog,
	})
}

func qualifiedIssue(item model.BoardItem) string {
	return fmt.Sprintf("%s#%d", item.RepoID.String(), item.IssueNumber)
}

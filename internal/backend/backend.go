// Package backend defines the board-backend facade the engine consumes
// (spec §4.2, §6.1): issue, comment, label, reaction, project-field, and
// timeline operations, abstracted behind capability flags so callers can
// degrade gracefully against older backend variants instead of failing.
package backend

import (
	"context"
	"time"

	"github.com/golithk/kiln/internal/model"
)

// Capabilities advertises which optional features a backend variant
// supports. The adapter's own methods consult these flags and either run
// a documented fallback (the timeline scan behind GetLinkedChanges) or
// report kerr.BackendCapabilityMissing, which the dispatcher's
// authorization gate and the stage executor handle instead of failing —
// see SPEC_FULL.md §4.2 and §9.
type Capabilities struct {
	SupportsSubIssues           bool
	SupportsLinkedPRsFirstClass bool
	SupportsStatusActorCheck    bool
}

// ConnectionStatus is the outcome of a connectivity probe.
type ConnectionStatus int

const (
	ConnectionOK ConnectionStatus = iota
	ConnectionAuthFailure
	ConnectionNetworkFailure
)

// BoardMetadata describes a project board's Status field. ProjectHandle
// and StatusFieldHandle are opaque ids the adapter needs back in order
// to mutate an item's Status later; callers treat them as tokens.
type BoardMetadata struct {
	ProjectHandle     string
	StatusFieldHandle string
	StatusOptions     map[string]string // column name -> opaque option id
}

// Adapter is the polymorphic interface every backend variant implements.
// All operations are synchronous from the engine's point of view;
// network errors surface wrapped around kerr.NetworkFailure, auth
// errors around kerr.AuthFailure.
type Adapter interface {
	Capabilities() Capabilities

	GetBoardItems(ctx context.Context, boardURL string) ([]model.BoardItem, error)
	GetBoardMetadata(ctx context.Context, boardURL string) (BoardMetadata, error)
	UpdateItemStatus(ctx context.Context, meta BoardMetadata, itemHandle, newStatus string) error
	ArchiveItem(ctx context.Context, meta BoardMetadata, itemHandle string) error

	GetIssueBody(ctx context.Context, repo model.RepoID, issueNumber int) (string, error)
	GetIssueLabels(ctx context.Context, repo model.RepoID, issueNumber int) (map[string]struct{}, error)
	AddLabel(ctx context.Context, repo model.RepoID, issueNumber int, label string) error
	RemoveLabel(ctx context.Context, repo model.RepoID, issueNumber int, label string) error

	// GetCommentsSince returns comments on (repo, issue). If since is
	// the zero time, every comment is returned (paginated internally);
	// otherwise only comments created after since.
	GetCommentsSince(ctx context.Context, repo model.RepoID, issueNumber int, since time.Time) ([]model.Comment, error)
	AddComment(ctx context.Context, repo model.RepoID, issueNumber int, body string) (model.Comment, error)
	UpdateComment(ctx context.Context, repo model.RepoID, commentHandle, body string) error

	AddReaction(ctx context.Context, repo model.RepoID, commentHandle string, reaction model.Reaction) error
	RemoveReaction(ctx context.Context, repo model.RepoID, commentHandle string, reaction model.Reaction) error

	GetLastStatusActor(ctx context.Context, repo model.RepoID, issueNumber int) (string, error)
	GetLabelActor(ctx context.Context, repo model.RepoID, issueNumber int, label string) (string, error)

	GetLinkedChanges(ctx context.Context, repo model.RepoID, issueNumber int) ([]model.ChangeRef, error)
	UpdateChangeBody(ctx context.Context, repo model.RepoID, changeNumber int, body string) error
	CloseChange(ctx context.Context, repo model.RepoID, changeNumber int) error
	DeleteBranch(ctx context.Context, repo model.RepoID, branchName string) error

	ValidateConnection(ctx context.Context, host string) (ConnectionStatus, error)
}

// Package model holds the data types shared across Kiln's components:
// the board observation, the persisted per-issue bookkeeping, the
// append-only run ledger, and the transient context a stage executor
// builds for one dispatch.
package model

import (
	"fmt"
	"strings"
	"time"
)

// RepoID identifies a repository by the host it lives on plus its
// owner/name pair. The host is part of identity: the same owner/name on
// two different GitHub Enterprise hosts are unrelated repositories.
type RepoID struct {
	Host  string
	Owner string
	Name  string
}

func (r RepoID) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Host, r.Owner, r.Name)
}

// ParseRepoID parses the "host/owner/repo" form produced by the board
// backend, falling back to a legacy two-part "owner/repo" form (assumed
// to be github.com) for records written before hosts were tracked.
func ParseRepoID(s string) (RepoID, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) >= 3 && strings.Contains(parts[0], "."):
		return RepoID{Host: parts[0], Owner: parts[1], Name: parts[2]}, nil
	case len(parts) == 2:
		return RepoID{Host: "github.com", Owner: parts[0], Name: parts[1]}, nil
	default:
		return RepoID{}, fmt.Errorf("model: cannot parse repo id %q", s)
	}
}

// Status column names. Only the four workflow columns make an item a
// stage candidate; "Backlog" matters to the dispatcher only as the
// target of a reset, and "Unknown" or any other status is left alone.
const (
	StatusResearch   = "Research"
	StatusPlan       = "Plan"
	StatusImplement  = "Implement"
	StatusValidate   = "Validate"
	StatusBacklog    = "Backlog"
	StatusUnknown    = "Unknown"
)

// WorkflowColumns are, in order, the columns the dispatcher may enqueue
// work for.
var WorkflowColumns = []string{StatusResearch, StatusPlan, StatusImplement, StatusValidate}

// IsWorkflowColumn reports whether status names one of the four active
// workflow columns.
func IsWorkflowColumn(status string) bool {
	for _, c := range WorkflowColumns {
		if c == status {
			return true
		}
	}
	return false
}

// Reaction is one of the small set of reactions the engine places on
// comments.
type Reaction string

const (
	ReactionEyes     Reaction = "EYES"
	ReactionThumbsUp Reaction = "THUMBS_UP"
	ReactionThumbsDn Reaction = "THUMBS_DOWN"
)

// BoardItem is one observation of one issue on one board at one polling
// instant.
type BoardItem struct {
	ItemHandle       string
	BoardURL         string
	RepoID           RepoID
	IssueNumber      int
	Status           string
	Title            string
	Labels           map[string]struct{}
	State            string // OPEN | CLOSED
	StateReason      string // "", COMPLETED, NOT_PLANNED
	HasMergedChanges bool
	CommentCount     int
}

// HasLabel reports whether the item carries the named label.
func (b BoardItem) HasLabel(name string) bool {
	_, ok := b.Labels[name]
	return ok
}

// IssueRecord is the engine's durable memory for one (repo, issue) pair.
type IssueRecord struct {
	RepoID                       RepoID
	IssueNumber                  int
	LastObservedStatus           string
	LastProcessedCommentTime     time.Time
	LastKnownCommentCount        int
	ConsecutiveFailureCount      int
	HiddenUntil                  *time.Time
	SessionHandles               map[string]string // stage name -> session handle
}

// RunOutcome is the terminal state of one stage attempt.
type RunOutcome string

const (
	OutcomeSuccess      RunOutcome = "success"
	OutcomeAgentFailure RunOutcome = "agent_failure"
	OutcomeTimeout      RunOutcome = "timeout"
	OutcomeInternalErr  RunOutcome = "internal_error"
	OutcomeCancelled    RunOutcome = "cancelled"
)

// UsageMetrics aggregates what the agent runner reported for one run.
type UsageMetrics struct {
	DurationMS int64
	CostUSD    float64
	Turns      int
	Tokens     map[string]int64 // e.g. "input", "output", "cache_read"
}

// RunRecord is one append-only row in the run ledger.
type RunRecord struct {
	ID          int64
	RepoID      RepoID
	IssueNumber int
	Stage       string
	StartTime   time.Time
	EndTime     *time.Time
	Outcome     RunOutcome
	SessionID   string
	Metrics     UsageMetrics
}

// Comment is one comment on an issue, as reported by the backend
// adapter.
type Comment struct {
	Handle       string
	StableDBID   string
	Body         string
	CreatedAt    time.Time
	Author       string // "" for a deleted/anonymized author
	ProcessedFlag bool
	InFlightFlag bool
}

// ChangeRef is a linked pull request / merge request the backend
// believes closes an issue.
type ChangeRef struct {
	Number     int
	URL        string
	Body       string
	State      string
	Merged     bool
	BranchName string
}

// StageContext is the transient context built for one dispatch: the
// observed item plus everything the worktree and agent runner need.
type StageContext struct {
	BoardItem
	WorktreePath        string
	StageName           string
	ResumeSessionHandle string
	IssueBody           string
	PluginConfigPath    string
}

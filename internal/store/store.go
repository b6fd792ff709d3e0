// Package store implements Kiln's persistent bookkeeping (spec §4.1) on
// top of a single-writer SQLite file, migrated forward-only at startup
// with goose and queried through sqlx. Every write method is a single
// SQL statement; GetIssueRecord reads the record and its session
// handles with two separate queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/golithk/kiln/internal/model"
)

// Store is the embedded relational persisted state described in spec
// §6.5. All access is serialized at the connection-pool level (one
// open connection) rather than with an in-process mutex, since SQLite
// itself enforces single-writer semantics at that granularity.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite file at path and applies
// every pending migration.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}
	// A single writer at a time, per spec §4.1; SQLite serializes
	// writers anyway, but capping the pool avoids "database is locked"
	// churn under the worker pool's concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, errors.Wrap(err, "store: enable foreign keys")
	}

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errors.Wrap(err, "store: set migration dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, errors.Wrap(err, "store: apply migrations")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

// GetIssueRecord returns the stored record for (repo, issue), or nil if
// none has been observed yet.
func (s *Store) GetIssueRecord(ctx context.Context, repo model.RepoID, issueNumber int) (*model.IssueRecord, error) {
	var row issueRow
	err := s.db.GetContext(ctx, &row, `
		SELECT host, owner, name, issue_number, last_observed_status,
		       last_processed_comment_time, last_known_comment_count,
		       consecutive_failure_count, hidden_until
		FROM issue_records
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get issue record")
	}

	record, err := row.toModel()
	if err != nil {
		return nil, err
	}

	handles, err := s.sessionHandles(ctx, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	record.SessionHandles = handles
	return record, nil
}

// UpsertIssueRecord writes record, creating it if this is the first
// observation of (repo, issue).
func (s *Store) UpsertIssueRecord(ctx context.Context, record model.IssueRecord) error {
	var hiddenUntil *string
	if record.HiddenUntil != nil {
		v := record.HiddenUntil.UTC().Format(timeLayout)
		hiddenUntil = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_records
			(host, owner, name, issue_number, last_observed_status,
			 last_processed_comment_time, last_known_comment_count,
			 consecutive_failure_count, hidden_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, owner, name, issue_number) DO UPDATE SET
			last_observed_status = excluded.last_observed_status,
			last_processed_comment_time = excluded.last_processed_comment_time,
			last_known_comment_count = excluded.last_known_comment_count,
			consecutive_failure_count = excluded.consecutive_failure_count,
			hidden_until = excluded.hidden_until`,
		record.RepoID.Host, record.RepoID.Owner, record.RepoID.Name, record.IssueNumber,
		record.LastObservedStatus,
		record.LastProcessedCommentTime.UTC().Format(timeLayout),
		record.LastKnownCommentCount,
		record.ConsecutiveFailureCount,
		hiddenUntil,
	)
	return errors.Wrap(err, "store: upsert issue record")
}

// InProgressEntry is one row returned by ListInProgress.
type InProgressEntry struct {
	RepoID      model.RepoID
	IssueNumber int
	Stage       string
}

// ListInProgress returns every issue record whose last observed status
// is one of the active workflow columns.
func (s *Store) ListInProgress(ctx context.Context) ([]InProgressEntry, error) {
	var rows []struct {
		Host        string `db:"host"`
		Owner       string `db:"owner"`
		Name        string `db:"name"`
		IssueNumber int    `db:"issue_number"`
		Status      string `db:"last_observed_status"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT host, owner, name, issue_number, last_observed_status
		FROM issue_records
		WHERE last_observed_status IN (?, ?, ?, ?)`,
		model.StatusResearch, model.StatusPlan, model.StatusImplement, model.StatusValidate)
	if err != nil {
		return nil, errors.Wrap(err, "store: list in progress")
	}

	out := make([]InProgressEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, InProgressEntry{
			RepoID:      model.RepoID{Host: r.Host, Owner: r.Owner, Name: r.Name},
			IssueNumber: r.IssueNumber,
			Stage:       r.Status,
		})
	}
	return out, nil
}

// InsertRunRecord creates a new run ledger row and returns its id.
func (s *Store) InsertRunRecord(ctx context.Context, repo model.RepoID, issueNumber int, stage string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_records (host, owner, name, issue_number, stage, start_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		repo.Host, repo.Owner, repo.Name, issueNumber, stage, start.UTC().Format(timeLayout))
	if err != nil {
		return 0, errors.Wrap(err, "store: insert run record")
	}
	return res.LastInsertId()
}

// FinishRunRecord sets the end fields of a run record exactly once.
func (s *Store) FinishRunRecord(ctx context.Context, id int64, end time.Time, outcome model.RunOutcome, sessionID string, metrics model.UsageMetrics) error {
	tokensJSON, err := json.Marshal(metrics.Tokens)
	if err != nil {
		return errors.Wrap(err, "store: marshal token usage")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE run_records SET
			end_time = ?, outcome = ?, session_id = ?,
			duration_ms = ?, cost_usd = ?, turns = ?, tokens_json = ?
		WHERE id = ?`,
		end.UTC().Format(timeLayout), string(outcome), sessionID,
		metrics.DurationMS, metrics.CostUSD, metrics.Turns, string(tokensJSON), id)
	return errors.Wrap(err, "store: finish run record")
}

// AddProcessingComment records a comment as "being applied right now".
func (s *Store) AddProcessingComment(ctx context.Context, repo model.RepoID, issueNumber int, commentHandle string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processing_comments (host, owner, name, issue_number, comment_handle)
		VALUES (?, ?, ?, ?, ?)`,
		repo.Host, repo.Owner, repo.Name, issueNumber, commentHandle)
	return errors.Wrap(err, "store: add processing comment")
}

// RemoveProcessingComment clears the in-flight marker for a comment,
// on both success and failure per invariant 3.2(5).
func (s *Store) RemoveProcessingComment(ctx context.Context, repo model.RepoID, issueNumber int, commentHandle string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processing_comments
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ? AND comment_handle = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber, commentHandle)
	return errors.Wrap(err, "store: remove processing comment")
}

// ProcessingComment identifies one in-flight comment.
type ProcessingComment struct {
	RepoID        model.RepoID
	IssueNumber   int
	CommentHandle string
}

// ListProcessingComments returns every comment currently marked
// in-flight in the ProcessingCommentSet table.
func (s *Store) ListProcessingComments(ctx context.Context) ([]ProcessingComment, error) {
	var rows []struct {
		Host          string `db:"host"`
		Owner         string `db:"owner"`
		Name          string `db:"name"`
		IssueNumber   int    `db:"issue_number"`
		CommentHandle string `db:"comment_handle"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT host, owner, name, issue_number, comment_handle FROM processing_comments`); err != nil {
		return nil, errors.Wrap(err, "store: list processing comments")
	}

	out := make([]ProcessingComment, 0, len(rows))
	for _, r := range rows {
		out = append(out, ProcessingComment{
			RepoID:        model.RepoID{Host: r.Host, Owner: r.Owner, Name: r.Name},
			IssueNumber:   r.IssueNumber,
			CommentHandle: r.CommentHandle,
		})
	}
	return out, nil
}

// GetSessionHandle returns the stored session handle for (repo, issue,
// stage), or "" if none is stored.
func (s *Store) GetSessionHandle(ctx context.Context, repo model.RepoID, issueNumber int, stage string) (string, error) {
	var handle string
	err := s.db.GetContext(ctx, &handle, `
		SELECT handle FROM session_handles
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ? AND stage = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return handle, errors.Wrap(err, "store: get session handle")
}

// SetSessionHandle stores the session handle returned at the end of a
// successful stage (invariant lifecycle rule 3.3).
func (s *Store) SetSessionHandle(ctx context.Context, repo model.RepoID, issueNumber int, stage, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_handles (host, owner, name, issue_number, stage, handle)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, owner, name, issue_number, stage) DO UPDATE SET handle = excluded.handle`,
		repo.Host, repo.Owner, repo.Name, issueNumber, stage, handle)
	return errors.Wrap(err, "store: set session handle")
}

// ClearSessionHandle removes a single stage's stored session handle,
// e.g. when invariant 3.2(3) (worktree purged) is detected.
func (s *Store) ClearSessionHandle(ctx context.Context, repo model.RepoID, issueNumber int, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_handles
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ? AND stage = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber, stage)
	return errors.Wrap(err, "store: clear session handle")
}

// ClearAllSessionHandles removes every stage's session handle for an
// issue, used by the reset handler (spec §4.9).
func (s *Store) ClearAllSessionHandles(ctx context.Context, repo model.RepoID, issueNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_handles
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	return errors.Wrap(err, "store: clear all session handles")
}

func (s *Store) sessionHandles(ctx context.Context, repo model.RepoID, issueNumber int) (map[string]string, error) {
	var rows []struct {
		Stage  string `db:"stage"`
		Handle string `db:"handle"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT stage, handle FROM session_handles
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	if err != nil {
		return nil, errors.Wrap(err, "store: list session handles")
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Stage] = r.Handle
	}
	return out, nil
}

// TouchFailure increments the consecutive-failure counter and returns
// the new value, creating the record if this is the issue's first one.
func (s *Store) TouchFailure(ctx context.Context, repo model.RepoID, issueNumber int) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		INSERT INTO issue_records (host, owner, name, issue_number, consecutive_failure_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (host, owner, name, issue_number) DO UPDATE SET
			consecutive_failure_count = consecutive_failure_count + 1
		RETURNING consecutive_failure_count`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	return count, errors.Wrap(err, "store: touch failure")
}

// ClearFailure resets the consecutive-failure counter to zero.
func (s *Store) ClearFailure(ctx context.Context, repo model.RepoID, issueNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issue_records SET consecutive_failure_count = 0
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	return errors.Wrap(err, "store: clear failure")
}

// ClearCommentTimestamp resets last_processed_comment_time, used by the
// reset handler when an issue reverts to Backlog.
func (s *Store) ClearCommentTimestamp(ctx context.Context, repo model.RepoID, issueNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issue_records SET last_processed_comment_time = ?
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		time.Unix(0, 0).UTC().Format(timeLayout),
		repo.Host, repo.Owner, repo.Name, issueNumber)
	return errors.Wrap(err, "store: clear comment timestamp")
}

// SetLastProcessedCommentTime advances the revision engine's high-water
// mark (spec §4.8 step 5) without touching any of the issue record's
// other bookkeeping fields.
func (s *Store) SetLastProcessedCommentTime(ctx context.Context, repo model.RepoID, issueNumber int, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issue_records SET last_processed_comment_time = ?
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		t.UTC().Format(timeLayout), repo.Host, repo.Owner, repo.Name, issueNumber)
	return errors.Wrap(err, "store: set last processed comment time")
}

// SetHiddenUntil suppresses retries for an issue until t.
func (s *Store) SetHiddenUntil(ctx context.Context, repo model.RepoID, issueNumber int, t time.Time) error {
	v := t.UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE issue_records SET hidden_until = ?
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		v, repo.Host, repo.Owner, repo.Name, issueNumber)
	return errors.Wrap(err, "store: set hidden until")
}

// GetHiddenUntil returns the stored retry-suppression deadline, if any.
func (s *Store) GetHiddenUntil(ctx context.Context, repo model.RepoID, issueNumber int) (*time.Time, error) {
	var v *string
	err := s.db.GetContext(ctx, &v, `
		SELECT hidden_until FROM issue_records
		WHERE host = ? AND owner = ? AND name = ? AND issue_number = ?`,
		repo.Host, repo.Owner, repo.Name, issueNumber)
	if errors.Is(err, sql.ErrNoRows) || v == nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get hidden until")
	}
	t, err := time.Parse(timeLayout, *v)
	if err != nil {
		return nil, errors.Wrap(err, "store: parse hidden until")
	}
	return &t, nil
}

type issueRow struct {
	Host                     string  `db:"host"`
	Owner                    string  `db:"owner"`
	Name                     string  `db:"name"`
	IssueNumber              int     `db:"issue_number"`
	LastObservedStatus       string  `db:"last_observed_status"`
	LastProcessedCommentTime string  `db:"last_processed_comment_time"`
	LastKnownCommentCount    int     `db:"last_known_comment_count"`
	ConsecutiveFailureCount  int     `db:"consecutive_failure_count"`
	HiddenUntil              *string `db:"hidden_until"`
}

func (r issueRow) toModel() (*model.IssueRecord, error) {
	lastProcessed, err := time.Parse(timeLayout, r.LastProcessedCommentTime)
	if err != nil {
		return nil, errors.Wrap(err, "store: parse last processed comment time")
	}

	record := &model.IssueRecord{
		RepoID:                   model.RepoID{Host: r.Host, Owner: r.Owner, Name: r.Name},
		IssueNumber:              r.IssueNumber,
		LastObservedStatus:       r.LastObservedStatus,
		LastProcessedCommentTime: lastProcessed,
		LastKnownCommentCount:    r.LastKnownCommentCount,
		ConsecutiveFailureCount:  r.ConsecutiveFailureCount,
	}

	if r.HiddenUntil != nil {
		t, err := time.Parse(timeLayout, *r.HiddenUntil)
		if err != nil {
			return nil, errors.Wrap(err, "store: parse hidden until")
		}
		record.HiddenUntil = &t
	}

	return record, nil
}

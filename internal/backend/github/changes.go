package github

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/model"
)

type closedByPRsResponse struct {
	Data struct {
		Repository struct {
			Issue struct {
				ClosedByPullRequestsReferences struct {
					Nodes []struct {
						Number     int    `json:"number"`
						URL        string `json:"url"`
						Body       string `json:"body"`
						State      string `json:"state"`
						Merged     bool   `json:"merged"`
						HeadRefName string `json:"headRefName"`
					} `json:"nodes"`
				} `json:"closedByPullRequestsReferences"`
			} `json:"issue"`
		} `json:"repository"`
	} `json:"data"`
}

const closedByPRsQuery = `
query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    issue(number: $number) {
      closedByPullRequestsReferences(first: 20) {
        nodes { number url body state merged headRefName }
      }
    }
  }
}`

// GetLinkedChanges returns the change-sets that declare they close an
// issue. On the primary and recent GHE variants this is a direct
// GraphQL query; on variants without
// SupportsLinkedPRsFirstClass it falls back to a timeline scan plus the
// closing-keyword regex, grounded on
// original_source/src/ticket_clients/github_enterprise_3_14.py.
func (c *Client) GetLinkedChanges(ctx context.Context, repo model.RepoID, issueNumber int) ([]model.ChangeRef, error) {
	if c.caps.SupportsLinkedPRsFirstClass {
		var resp closedByPRsResponse
		if err := c.graphQL(ctx, closedByPRsQuery, map[string]any{
			"owner": repo.Owner, "name": repo.Name, "number": issueNumber,
		}, &resp); err != nil {
			return nil, err
		}
		out := make([]model.ChangeRef, 0, len(resp.Data.Repository.Issue.ClosedByPullRequestsReferences.Nodes))
		for _, n := range resp.Data.Repository.Issue.ClosedByPullRequestsReferences.Nodes {
			out = append(out, model.ChangeRef{
				Number: n.Number, URL: n.URL, Body: n.Body,
				State: n.State, Merged: n.Merged, BranchName: n.HeadRefName,
			})
		}
		return out, nil
	}

	return c.linkedChangesByTimelineScan(ctx, repo, issueNumber)
}

// linkedChangesByTimelineScan is the documented fallback for backend
// variants lacking closedByPullRequestsReferences: scan cross-referenced
// PRs in the issue timeline and keep the ones whose body matches the
// closing-keyword regex against this issue number.
func (c *Client) linkedChangesByTimelineScan(ctx context.Context, repo model.RepoID, issueNumber int) ([]model.ChangeRef, error) {
	events, _, err := c.gh.Issues.ListIssueTimeline(ctx, repo.Owner, repo.Name, issueNumber, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, wrapAPIErr(err)
	}

	var out []model.ChangeRef
	seen := map[int]struct{}{}
	for _, ev := range events {
		if ev.GetEvent() != "cross-referenced" || ev.Source == nil || ev.Source.Issue == nil {
			continue
		}
		pr := ev.Source.Issue
		if pr.PullRequestLinks == nil {
			continue
		}
		if _, ok := seen[pr.GetNumber()]; ok {
			continue
		}
		if !closingKeywordRE.MatchString(pr.GetBody()) {
			continue
		}
		matches := closingKeywordRE.FindAllStringSubmatch(pr.GetBody(), -1)
		references := false
		for _, m := range matches {
			if n, _ := strconv.Atoi(m[2]); n == issueNumber {
				references = true
			}
		}
		if !references {
			continue
		}

		fullPR, _, prErr := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, pr.GetNumber())
		if prErr != nil {
			continue
		}
		seen[pr.GetNumber()] = struct{}{}
		out = append(out, model.ChangeRef{
			Number:     fullPR.GetNumber(),
			URL:        fullPR.GetHTMLURL(),
			Body:       fullPR.GetBody(),
			State:      fullPR.GetState(),
			Merged:     fullPR.GetMerged(),
			BranchName: fullPR.GetHead().GetRef(),
		})
	}
	return out, nil
}

func (c *Client) UpdateChangeBody(ctx context.Context, repo model.RepoID, changeNumber int, body string) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, repo.Owner, repo.Name, changeNumber, &github.PullRequest{Body: &body})
	return wrapAPIErr(err)
}

func (c *Client) CloseChange(ctx context.Context, repo model.RepoID, changeNumber int) error {
	state := "closed"
	_, _, err := c.gh.PullRequests.Edit(ctx, repo.Owner, repo.Name, changeNumber, &github.PullRequest{State: &state})
	return wrapAPIErr(err)
}

// DeleteBranch best-effort deletes a branch. Per boundary behavior B3,
// branch names containing "/" (e.g. "feature/foo") must be
// URL-encoded on the way into the REST path, and the call is
// non-fatal: a branch already deleted or protected is not an error the
// reset handler needs to surface.
func (c *Client) DeleteBranch(ctx context.Context, repo model.RepoID, branchName string) error {
	ref := "heads/" + url.PathEscape(branchName)
	_, err := c.gh.Git.DeleteRef(ctx, repo.Owner, repo.Name, ref)
	if err != nil {
		if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response.StatusCode == 422 {
			return nil // already gone
		}
		return wrapAPIErr(err)
	}
	return nil
}

// GetLastStatusActor asks the timeline "who most recently changed the
// Status field on this item" (spec §4.2). Variants without
// SupportsStatusActorCheck report kerr.BackendCapabilityMissing so the
// dispatcher's authorization gate can fall back to its documented
// conservative default (treat as unauthorized).
func (c *Client) GetLastStatusActor(ctx context.Context, repo model.RepoID, issueNumber int) (string, error) {
	if !c.caps.SupportsStatusActorCheck {
		return "", errors.Wrap(kerr.BackendCapabilityMissing, "github: status actor check unsupported on this backend variant")
	}

	events, _, err := c.gh.Issues.ListIssueTimeline(ctx, repo.Owner, repo.Name, issueNumber, &github.ListOptions{PerPage: 100})
	if err != nil {
		return "", wrapAPIErr(err)
	}

	var actor string
	for _, ev := range events {
		if ev.GetEvent() == "project_v2_item_status_changed" && ev.GetActor() != nil {
			actor = ev.GetActor().GetLogin()
		}
	}
	return actor, nil
}

// GetLabelActor asks "who added label L" via the issue timeline.
func (c *Client) GetLabelActor(ctx context.Context, repo model.RepoID, issueNumber int, label string) (string, error) {
	events, _, err := c.gh.Issues.ListIssueTimeline(ctx, repo.Owner, repo.Name, issueNumber, &github.ListOptions{PerPage: 100})
	if err != nil {
		return "", wrapAPIErr(err)
	}

	var actor string
	for _, ev := range events {
		if ev.GetEvent() == "labeled" && ev.GetLabel() != nil && ev.GetLabel().GetName() == label && ev.GetActor() != nil {
			actor = ev.GetActor().GetLogin()
		}
	}
	return actor, nil
}

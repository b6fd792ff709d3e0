package github

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/golithk/kiln/internal/model"
)

// reactionContent maps Kiln's small reaction vocabulary to GitHub's
// reaction content strings.
func reactionContent(r model.Reaction) string {
	switch r {
	case model.ReactionEyes:
		return "eyes"
	case model.ReactionThumbsUp:
		return "+1"
	case model.ReactionThumbsDn:
		return "-1"
	default:
		return ""
	}
}

// GetCommentsSince returns comments on (repo, issue). If since is the
// zero time, every comment is fetched with cursor-advancing pagination
// (spec §6.1 "all, with cursor paging"); otherwise GitHub's native
// since-timestamp REST filter is used directly (spec §6.1 "since
// ISO-8601 timestamp"). since is normalized to UTC before being handed
// to go-github's querystring encoder: RFC3339 renders a UTC time with
// a "Z" suffix rather than "+00:00", which matters because a literal
// "+" in a query string decodes as a space (boundary behavior B5).
func (c *Client) GetCommentsSince(ctx context.Context, repo model.RepoID, issueNumber int, since time.Time) ([]model.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		t := since.UTC()
		opts.Since = &t
	}

	var out []model.Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, issueNumber, opts)
		if err != nil {
			return nil, wrapAPIErr(err)
		}
		for _, cm := range comments {
			out = append(out, commentFromGitHub(cm))
		}

		// B2: a cursor that fails to advance must break the loop rather
		// than spin forever.
		if resp.NextPage == 0 || resp.NextPage <= opts.Page {
			break
		}
		opts.Page = resp.NextPage
	}

	for i := range out {
		processed, inFlight, rerr := c.commentReactionFlags(ctx, repo, out[i].Handle)
		if rerr != nil {
			continue
		}
		out[i].ProcessedFlag = processed
		out[i].InFlightFlag = inFlight
	}

	return out, nil
}

// commentReactionFlags reports whether commentHandle already carries a
// THUMBS_UP (processed) or EYES (in-flight from a prior crash) reaction,
// per spec §4.8 step 2. A reaction counts whoever placed it; the
// reacting user is not checked.
func (c *Client) commentReactionFlags(ctx context.Context, repo model.RepoID, commentHandle string) (processed, inFlight bool, err error) {
	id, err := strconv.ParseInt(commentHandle, 10, 64)
	if err != nil {
		return false, false, err
	}
	opts := &github.ListCommentReactionOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		reactions, resp, rerr := c.gh.Reactions.ListIssueCommentReactions(ctx, repo.Owner, repo.Name, id, opts)
		if rerr != nil {
			return false, false, wrapAPIErr(rerr)
		}
		for _, r := range reactions {
			switch r.GetContent() {
			case reactionContent(model.ReactionThumbsUp):
				processed = true
			case reactionContent(model.ReactionEyes):
				inFlight = true
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return processed, inFlight, nil
}

func commentFromGitHub(cm *github.IssueComment) model.Comment {
	author := ""
	// B4: comments by deleted users carry a nil author; leave Author
	// empty rather than dereferencing a nil user.
	if cm.GetUser() != nil {
		author = cm.GetUser().GetLogin()
	}
	return model.Comment{
		Handle:     strconv.FormatInt(cm.GetID(), 10),
		StableDBID: strconv.FormatInt(cm.GetID(), 10),
		Body:       cm.GetBody(),
		CreatedAt:  cm.GetCreatedAt().Time,
		Author:     author,
	}
}

func (c *Client) AddComment(ctx context.Context, repo model.RepoID, issueNumber int, body string) (model.Comment, error) {
	cm, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, issueNumber, &github.IssueComment{Body: &body})
	if err != nil {
		return model.Comment{}, wrapAPIErr(err)
	}
	return commentFromGitHub(cm), nil
}

func (c *Client) UpdateComment(ctx context.Context, repo model.RepoID, commentHandle, body string) error {
	id, err := strconv.ParseInt(commentHandle, 10, 64)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.EditComment(ctx, repo.Owner, repo.Name, id, &github.IssueComment{Body: &body})
	return wrapAPIErr(err)
}

func (c *Client) AddReaction(ctx context.Context, repo model.RepoID, commentHandle string, reaction model.Reaction) error {
	id, err := strconv.ParseInt(commentHandle, 10, 64)
	if err != nil {
		return err
	}
	content := reactionContent(reaction)
	// Reactions are idempotent at the protocol level (spec §5): adding
	// an existing reaction is a no-op rather than an error.
	_, resp, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, repo.Owner, repo.Name, id, content)
	if resp != nil && resp.StatusCode == http.StatusOK {
		return nil
	}
	return wrapAPIErr(err)
}

func (c *Client) RemoveReaction(ctx context.Context, repo model.RepoID, commentHandle string, reaction model.Reaction) error {
	id, err := strconv.ParseInt(commentHandle, 10, 64)
	if err != nil {
		return err
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		reactions, resp, err := c.gh.Reactions.ListIssueCommentReactions(ctx, repo.Owner, repo.Name, id, &github.ListCommentReactionOptions{ListOptions: *opts})
		if err != nil {
			return wrapAPIErr(err)
		}
		want := reactionContent(reaction)
		for _, r := range reactions {
			if r.GetContent() == want {
				if _, delErr := c.gh.Reactions.DeleteIssueCommentReaction(ctx, repo.Owner, repo.Name, id, r.GetID()); delErr != nil {
					return wrapAPIErr(delErr)
				}
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return nil
}

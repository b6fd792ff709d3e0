package github

import (
	"context"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/backend"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/model"
)

// boardURLRE parses URLs of the form
// https://github.com/orgs/<login>/projects/<number>[/views/<n>] and the
// user-scoped https://github.com/users/<login>/projects/<number> form,
// grounded on original_source/src/ticket_clients/base.py's
// _parse_board_url.
var boardURLRE = regexp.MustCompile(`https://([^/]+)/(orgs|users)/([^/]+)/projects/(\d+)`)

func parseBoardURL(boardURL string) (host, entityType, login string, number int, err error) {
	m := boardURLRE.FindStringSubmatch(boardURL)
	if m == nil {
		return "", "", "", 0, errors.Errorf("github: cannot parse board url %q", boardURL)
	}
	entityType = "organization"
	if m[2] == "users" {
		entityType = "user"
	}
	n, convErr := strconv.Atoi(m[4])
	if convErr != nil {
		return "", "", "", 0, convErr
	}
	return m[1], entityType, m[3], n, nil
}

type projectV2FieldsResponse struct {
	Data struct {
		Organization *projectV2Owner `json:"organization"`
		User         *projectV2Owner `json:"user"`
	} `json:"data"`
}

type projectV2Owner struct {
	ProjectV2 struct {
		ID     string `json:"id"`
		Fields struct {
			Nodes []struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Options []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"options"`
			} `json:"nodes"`
		} `json:"fields"`
	} `json:"projectV2"`
}

const boardMetadataQuery = `
query($login: String!, $number: Int!) {
  organization(login: $login) {
    projectV2(number: $number) {
      id
      fields(first: 50) {
        nodes {
          ... on ProjectV2SingleSelectField { id name options { id name } }
        }
      }
    }
  }
}`

const boardMetadataQueryUser = `
query($login: String!, $number: Int!) {
  user(login: $login) {
    projectV2(number: $number) {
      id
      fields(first: 50) {
        nodes {
          ... on ProjectV2SingleSelectField { id name options { id name } }
        }
      }
    }
  }
}`

// GetBoardMetadata reads the project's Status field and its column
// options (spec §6.1 get_board_metadata).
func (c *Client) GetBoardMetadata(ctx context.Context, boardURL string) (backend.BoardMetadata, error) {
	_, entityType, login, number, err := parseBoardURL(boardURL)
	if err != nil {
		return backend.BoardMetadata{}, err
	}

	query := boardMetadataQuery
	if entityType == "user" {
		query = boardMetadataQueryUser
	}

	var resp projectV2FieldsResponse
	if err := c.graphQL(ctx, query, map[string]any{"login": login, "number": number}, &resp); err != nil {
		return backend.BoardMetadata{}, err
	}

	owner := resp.Data.Organization
	if entityType == "user" {
		owner = resp.Data.User
	}
	if owner == nil {
		return backend.BoardMetadata{}, errors.Errorf("github: board metadata not found for %q", boardURL)
	}

	options := map[string]string{}
	var statusFieldID string
	for _, f := range owner.ProjectV2.Fields.Nodes {
		if f.Name == "Status" {
			statusFieldID = f.ID
			for _, o := range f.Options {
				options[o.Name] = o.ID
			}
		}
	}

	return backend.BoardMetadata{
		ProjectHandle:     owner.ProjectV2.ID,
		StatusFieldHandle: statusFieldID,
		StatusOptions:     options,
	}, nil
}

type projectV2ItemsResponse struct {
	Data struct {
		Organization *projectV2ItemsOwner `json:"organization"`
		User         *projectV2ItemsOwner `json:"user"`
	} `json:"data"`
}

type projectV2ItemsOwner struct {
	ProjectV2 struct {
		Items struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []projectV2ItemNode `json:"nodes"`
		} `json:"items"`
	} `json:"projectV2"`
}

type projectV2ItemNode struct {
	ID          string `json:"id"`
	StatusValue *struct {
		Name string `json:"name"`
	} `json:"fieldValueByName"`
	Content *struct {
		Number     int    `json:"number"`
		Title      string `json:"title"`
		State      string `json:"state"`
		StateReason string `json:"stateReason"`
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
		Labels struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"labels"`
		Comments struct {
			TotalCount int `json:"totalCount"`
		} `json:"comments"`
	} `json:"content"`
}

const boardItemsQuery = `
query($login: String!, $number: Int!, $cursor: String) {
  organization(login: $login) {
    projectV2(number: $number) {
      items(first: 50, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValueByName(name: "Status") { ... on ProjectV2ItemFieldSingleSelectValue { name } }
          content {
            ... on Issue {
              number title state stateReason
              repository { name owner { login } }
              labels(first: 50) { nodes { name } }
              comments { totalCount }
            }
          }
        }
      }
    }
  }
}`

const boardItemsQueryUser = `
query($login: String!, $number: Int!, $cursor: String) {
  user(login: $login) {
    projectV2(number: $number) {
      items(first: 50, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValueByName(name: "Status") { ... on ProjectV2ItemFieldSingleSelectValue { name } }
          content {
            ... on Issue {
              number title state stateReason
              repository { name owner { login } }
              labels(first: 50) { nodes { name } }
              comments { totalCount }
            }
          }
        }
      }
    }
  }
}`

// GetBoardItems fetches every item on a board, paginating internally
// with cursor-advancing pagination that bails (B2) if the cursor fails
// to advance.
func (c *Client) GetBoardItems(ctx context.Context, boardURL string) ([]model.BoardItem, error) {
	host, entityType, login, number, err := parseBoardURL(boardURL)
	if err != nil {
		return nil, err
	}

	query := boardItemsQuery
	if entityType == "user" {
		query = boardItemsQueryUser
	}

	var out []model.BoardItem
	cursor := ""
	for {
		var resp projectV2ItemsResponse
		vars := map[string]any{"login": login, "number": number, "cursor": nil}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		if err := c.graphQL(ctx, query, vars, &resp); err != nil {
			return nil, err
		}
		owner := resp.Data.Organization
		if entityType == "user" {
			owner = resp.Data.User
		}
		if owner == nil {
			break
		}
		items := owner.ProjectV2.Items

		for _, n := range items.Nodes {
			if n.Content == nil {
				continue
			}
			status := model.StatusUnknown
			if n.StatusValue != nil && n.StatusValue.Name != "" {
				status = n.StatusValue.Name
			}
			labels := map[string]struct{}{}
			for _, l := range n.Content.Labels.Nodes {
				labels[l.Name] = struct{}{}
			}
			out = append(out, model.BoardItem{
				ItemHandle:  n.ID,
				BoardURL:    boardURL,
				RepoID:      model.RepoID{Host: host, Owner: n.Content.Repository.Owner.Login, Name: n.Content.Repository.Name},
				IssueNumber: n.Content.Number,
				Status:      status,
				Title:       n.Content.Title,
				Labels:      labels,
				State:       n.Content.State,
				StateReason: n.Content.StateReason,
				CommentCount: n.Content.Comments.TotalCount,
			})
		}

		if !items.PageInfo.HasNextPage || items.PageInfo.EndCursor == cursor {
			break
		}
		cursor = items.PageInfo.EndCursor
	}

	return out, nil
}

const updateItemStatusMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $project, itemId: $item, fieldId: $field,
    value: { singleSelectOptionId: $option }
  }) { clientMutationId }
}`

// UpdateItemStatus changes an item's Status column, using the project
// and field ids returned by a prior GetBoardMetadata call.
func (c *Client) UpdateItemStatus(ctx context.Context, meta backend.BoardMetadata, itemHandle, newStatus string) error {
	optionID, ok := meta.StatusOptions[newStatus]
	if !ok {
		return errors.Wrapf(kerr.InternalError, "github: unknown status column %q", newStatus)
	}
	var resp struct{}
	return c.graphQL(ctx, updateItemStatusMutation, map[string]any{
		"project": meta.ProjectHandle,
		"item":    itemHandle,
		"field":   meta.StatusFieldHandle,
		"option":  optionID,
	}, &resp)
}

const archiveItemMutation = `
mutation($project: ID!, $item: ID!) {
  archiveProjectV2Item(input: { projectId: $project, itemId: $item }) { item { id } }
}`

// ArchiveItem archives a board item.
func (c *Client) ArchiveItem(ctx context.Context, meta backend.BoardMetadata, itemHandle string) error {
	var resp struct{}
	return c.graphQL(ctx, archiveItemMutation, map[string]any{
		"project": meta.ProjectHandle,
		"item":    itemHandle,
	}, &resp)
}

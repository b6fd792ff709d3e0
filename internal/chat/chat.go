// Package chat posts operator-facing notifications to an incoming
// webhook, grounded on the teacher's own use of Mattermost incoming
// webhooks for bot posts (server/plugin.go's CreatePost calls), but
// generalized to a transport-agnostic webhook URL since Kiln runs
// outside any specific chat host. No repo in the corpus imports a
// dedicated Slack SDK, so this stays a thin net/http client.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golithk/kiln/internal/logging"
)

// Notifier posts messages to one webhook URL.
type Notifier struct {
	WebhookURL string
	// NotifyOnComment toggles whether individual revision replies also
	// trigger a chat notification (spec §6.4's per-comment DM toggle).
	NotifyOnComment bool
	HTTPClient      *http.Client
}

// NewNotifier builds a Notifier for the given webhook URL.
func NewNotifier(webhookURL string, notifyOnComment bool) *Notifier {
	return &Notifier{
		WebhookURL:      webhookURL,
		NotifyOnComment: notifyOnComment,
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// Notify posts text to the webhook. Failures are logged and swallowed;
// a chat outage must never block the engine.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		logging.L().Errorw("chat: marshal payload failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		logging.L().Errorw("chat: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.L().Warnw("chat: notify failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.L().Warnw("chat: webhook rejected notification", "status", resp.StatusCode)
	}
}

// NotifyComment posts text only if per-comment notifications are
// enabled.
func (n *Notifier) NotifyComment(ctx context.Context, text string) {
	if !n.NotifyOnComment {
		return
	}
	n.Notify(ctx, text)
}

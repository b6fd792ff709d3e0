// Package paging sends incident pages via the PagerDuty Events API v2.
// No repo in the corpus imports a PagerDuty SDK, so this is a thin
// hand-rolled client over net/http, shaped like the teacher's own
// cursor.Client (constructor takes the routing key, the events URL
// defaults to PagerDuty's and can be overridden through EventsURL, one
// method per logical operation, every failure is non-fatal to the
// caller per spec §6.4).
package paging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golithk/kiln/internal/logging"
)

const defaultEventsURL = "https://events.pagerduty.com/v2/enqueue"

// Alerter triggers and resolves incidents keyed by a stable dedup key.
type Alerter struct {
	RoutingKey string
	EventsURL  string
	HTTPClient *http.Client
}

// NewAlerter builds an Alerter for the given PagerDuty integration
// routing key.
func NewAlerter(routingKey string) *Alerter {
	return &Alerter{
		RoutingKey: routingKey,
		EventsURL:  defaultEventsURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type eventPayload struct {
	RoutingKey  string      `json:"routing_key"`
	EventAction string      `json:"event_action"`
	DedupKey    string      `json:"dedup_key"`
	Payload     *eventBody  `json:"payload,omitempty"`
}

type eventBody struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

// Trigger opens (or re-triggers) an incident identified by dedupKey.
// Failures are logged and swallowed: paging must never block the
// supervisor loop.
func (a *Alerter) Trigger(ctx context.Context, dedupKey, summary, source string) {
	a.send(ctx, eventPayload{
		RoutingKey:  a.RoutingKey,
		EventAction: "trigger",
		DedupKey:    dedupKey,
		Payload: &eventBody{
			Summary:  summary,
			Source:   source,
			Severity: "error",
		},
	})
}

// Resolve closes the incident identified by dedupKey.
func (a *Alerter) Resolve(ctx context.Context, dedupKey string) {
	a.send(ctx, eventPayload{
		RoutingKey:  a.RoutingKey,
		EventAction: "resolve",
		DedupKey:    dedupKey,
	})
}

func (a *Alerter) send(ctx context.Context, ev eventPayload) {
	if a.RoutingKey == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		logging.L().Errorw("paging: marshal event failed", "error", err)
		return
	}

	url := a.EventsURL
	if url == "" {
		url = defaultEventsURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logging.L().Errorw("paging: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.L().Warnw("paging: send event failed", "dedup_key", ev.DedupKey, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.L().Warnw("paging: event rejected", "dedup_key", ev.DedupKey, "status", resp.StatusCode)
	}
}

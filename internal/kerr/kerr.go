// Package kerr defines Kiln's error taxonomy as sentinel values rather
// than types, so call sites compare with errors.Is after wrapping with
// github.com/pkg/errors and never need a type switch.
package kerr

import (
	"errors"
	"strings"
)

var (
	// NetworkFailure covers TLS handshake timeouts, connect timeouts,
	// connection refused, DNS failures, and I/O timeouts. The supervisor
	// enters hibernation when it sees this.
	NetworkFailure = errors.New("kiln: network failure")

	// AuthFailure covers an invalid token, missing scopes, or a 401.
	// Fatal at startup; at runtime it degrades only the affected host.
	AuthFailure = errors.New("kiln: authentication failure")

	// AgentTimeoutTotal fires when the agent subprocess exceeds its
	// total wall-clock budget.
	AgentTimeoutTotal = errors.New("kiln: agent total timeout")

	// AgentTimeoutInactivity fires when the agent subprocess produces no
	// stdout for longer than the inactivity budget. Pages the operator.
	AgentTimeoutInactivity = errors.New("kiln: agent inactivity timeout")

	// AgentFailure covers a non-zero exit code or an `error` event
	// emitted by the runner.
	AgentFailure = errors.New("kiln: agent failure")

	// PluginUnavailable means the tool-plugin preflight probe failed.
	PluginUnavailable = errors.New("kiln: tool plugin unavailable")

	// BackendCapabilityMissing means the adapter was asked for a feature
	// the configured backend variant does not support.
	BackendCapabilityMissing = errors.New("kiln: backend capability missing")

	// InternalError is the catch-all for anything else.
	InternalError = errors.New("kiln: internal error")
)

// NetworkErrorSubstrings are the upstream heuristic substrings that, when
// found in subprocess stderr or a transport error string, identify a
// network failure rather than a permanent one.
var NetworkErrorSubstrings = []string{
	"tls handshake timeout",
	"connect: connection timed out",
	"connection refused",
	"no such host",
	"i/o timeout",
	"context deadline exceeded while awaiting headers",
	"dial tcp",
}

// LooksLikeNetworkFailure applies the fixed-substring heuristic to the
// lower-cased text of an error or stderr capture.
func LooksLikeNetworkFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range NetworkErrorSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

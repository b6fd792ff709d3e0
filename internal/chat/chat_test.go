package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyPostsTextPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, false)
	n.Notify(context.Background(), "stage failed")

	require.Equal(t, "stage failed", got.Text)
}

func TestNotifyCommentRespectsToggle(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	off := NewNotifier(srv.URL, false)
	off.NotifyComment(context.Background(), "revision applied")
	require.Equal(t, 0, calls)

	on := NewNotifier(srv.URL, true)
	on.NotifyComment(context.Background(), "revision applied")
	require.Equal(t, 1, calls)
}

func TestNotifyIsNoopWithoutWebhookURL(t *testing.T) {
	n := NewNotifier("", true)
	// No server is listening anywhere; a non-empty URL would hang or
	// fail the test via a connection error instead of returning quietly.
	n.Notify(context.Background(), "ignored")
}

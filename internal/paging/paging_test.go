package paging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTriggerPostsEventPayload(t *testing.T) {
	var got eventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewAlerter("routing-key")
	a.EventsURL = srv.URL

	a.Trigger(context.Background(), "kiln:dedup", "connectivity lost", "kiln")

	require.Equal(t, "routing-key", got.RoutingKey)
	require.Equal(t, "trigger", got.EventAction)
	require.Equal(t, "kiln:dedup", got.DedupKey)
	require.NotNil(t, got.Payload)
	require.Equal(t, "connectivity lost", got.Payload.Summary)
}

func TestResolvePostsResolveAction(t *testing.T) {
	var got eventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewAlerter("routing-key")
	a.EventsURL = srv.URL

	a.Resolve(context.Background(), "kiln:dedup")

	require.Equal(t, "resolve", got.EventAction)
	require.Nil(t, got.Payload)
}

func TestSendIsNoopWithoutRoutingKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	a := NewAlerter("")
	a.EventsURL = srv.URL

	a.Trigger(context.Background(), "kiln:dedup", "summary", "kiln")
	require.False(t, called)
}

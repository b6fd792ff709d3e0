package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenMintsAndCaches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	m := NewMinter(map[string]HostConfig{
		"tools.example.com": {TokenURL: srv.URL, ClientID: "kiln", ClientSecret: "s3cr3t"},
	})

	tok, err := m.Token(context.Background(), "tools.example.com")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	tok, err = m.Token(context.Background(), "tools.example.com")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.Equal(t, 1, requests)
}

func TestClearTokenForcesRemint(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, requests)
	}))
	defer srv.Close()

	m := NewMinter(map[string]HostConfig{
		"tools.example.com": {TokenURL: srv.URL, ClientID: "kiln", ClientSecret: "s3cr3t"},
	})

	tok1, err := m.Token(context.Background(), "tools.example.com")
	require.NoError(t, err)

	m.ClearToken("tools.example.com")

	tok2, err := m.Token(context.Background(), "tools.example.com")
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok2)
	require.Equal(t, 2, requests)
}

func TestTokenErrorsForUnconfiguredHost(t *testing.T) {
	m := NewMinter(map[string]HostConfig{})
	_, err := m.Token(context.Background(), "unknown.example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown.example.com")
}

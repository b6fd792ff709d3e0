// Package oauth mints and caches OAuth tokens for downstream tool
// plugins, grounded on
// original_source/src/integrations/azure_oauth.py's expiry-margin cache
// contract, re-expressed on top of golang.org/x/oauth2's client
// credentials flow.
package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshMargin is how much validity must remain before a cached token
// is considered still good; spec §6.4 calls for "refreshes when < 5
// minutes of validity remain".
const refreshMargin = 5 * time.Minute

// HostConfig is one configured OAuth client per downstream host.
type HostConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Minter is a thread-safe, per-host token cache.
type Minter struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
	cached  map[string]*oauth2.Token
	configs map[string]HostConfig
}

// NewMinter builds a minter for the given per-host configs.
func NewMinter(configs map[string]HostConfig) *Minter {
	m := &Minter{
		sources: make(map[string]oauth2.TokenSource, len(configs)),
		cached:  make(map[string]*oauth2.Token, len(configs)),
		configs: configs,
	}
	return m
}

// Token returns a valid access token for host, minting or refreshing as
// needed.
func (m *Minter) Token(ctx context.Context, host string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, ok := m.cached[host]; ok && tok.Expiry.Sub(time.Now()) >= refreshMargin {
		return tok.AccessToken, nil
	}

	source, err := m.sourceLocked(host)
	if err != nil {
		return "", err
	}

	tok, err := source.Token()
	if err != nil {
		return "", err
	}
	m.cached[host] = tok
	return tok.AccessToken, nil
}

// ClearToken forces the next Token call for host to re-mint.
func (m *Minter) ClearToken(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, host)
}

func (m *Minter) sourceLocked(host string) (oauth2.TokenSource, error) {
	if src, ok := m.sources[host]; ok {
		return src, nil
	}
	cfg, ok := m.configs[host]
	if !ok {
		return nil, errNoConfig(host)
	}
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	src := mintSource{cfg: ccCfg}
	m.sources[host] = src
	return src, nil
}

// mintSource requests a new token on every call. The TokenSource that
// clientcredentials.Config builds reuses its token until shortly before
// expiry, which would bypass refreshMargin and ClearToken.
type mintSource struct {
	cfg *clientcredentials.Config
}

func (s mintSource) Token() (*oauth2.Token, error) {
	return s.cfg.Token(context.Background())
}

type errNoConfig string

func (e errNoConfig) Error() string {
	return "oauth: no client configured for host " + string(e)
}

// Package mcp resolves the operator-authored tool-plugin config file
// (spec §6.3) into a worktree-local copy, substituting
// ${BEARER_TOKEN}-style placeholders with tokens minted by
// internal/oauth, grounded on
// original_source/src/integrations/mcp_config.py's plugin declaration
// shape.
package mcp

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/oauth"
)

// Plugin is one named tool plugin declaration: either a remote endpoint
// (URL set) or a local subprocess launch spec (Command set).
type Plugin struct {
	Name    string            `yaml:"-"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	// OAuthHost names the internal/oauth host whose token fills
	// ${BEARER_TOKEN} in Headers.
	OAuthHost string `yaml:"oauth_host,omitempty"`
}

type configFile struct {
	Plugins map[string]Plugin `yaml:"plugins"`
	// FailOnError, when true, blocks startup if any plugin's preflight
	// probe fails (spec §6.3).
	FailOnError bool `yaml:"fail_on_error"`
}

// Resolver reads the tool-plugin config file once and writes a resolved
// (token-substituted) copy into each worktree.
type Resolver struct {
	cfg    configFile
	minter *oauth.Minter
}

var placeholderRE = regexp.MustCompile(`\$\{BEARER_TOKEN\}`)

// Load reads the tool-plugin config YAML at path.
func Load(path string, minter *oauth.Minter) (*Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "mcp: read plugin config")
	}

	var cfg configFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "mcp: parse plugin config")
	}
	for name, p := range cfg.Plugins {
		p.Name = name
		cfg.Plugins[name] = p
	}

	return &Resolver{cfg: cfg, minter: minter}, nil
}

// FailOnError reports whether a failed preflight probe should block
// startup rather than degrade gracefully.
func (r *Resolver) FailOnError() bool { return r.cfg.FailOnError }

// Names returns every configured plugin name, for callers that need to
// probe all of them (spec §4.7 step 2).
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.cfg.Plugins))
	for name := range r.cfg.Plugins {
		names = append(names, name)
	}
	return names
}

// Probe performs the connectivity probe named in spec §4.7 step 2: an
// HTTP HEAD for URL-backed plugins, a --version invocation for
// subprocess-backed ones.
func (r *Resolver) Probe(ctx context.Context, name string) error {
	p, ok := r.cfg.Plugins[name]
	if !ok {
		return errors.Errorf("mcp: unknown plugin %q", name)
	}

	if p.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
		if err != nil {
			return errors.Wrap(kerr.PluginUnavailable, err.Error())
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(kerr.PluginUnavailable, err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Wrapf(kerr.PluginUnavailable, "plugin %q returned %d", name, resp.StatusCode)
		}
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, p.Command, "--version").Run(); err != nil {
		return errors.Wrapf(kerr.PluginUnavailable, "plugin %q: %v", name, err)
	}
	return nil
}

// WriteResolvedConfig substitutes ${BEARER_TOKEN} placeholders in the
// headers of every remote plugin that names an oauth_host, and writes the
// resolved file into worktreeDir, returning its path. Without a minter,
// or for a plugin with no oauth_host, the headers are written unchanged.
func (r *Resolver) WriteResolvedConfig(ctx context.Context, worktreeDir string) (string, error) {
	resolved := configFile{Plugins: make(map[string]Plugin, len(r.cfg.Plugins)), FailOnError: r.cfg.FailOnError}

	for name, p := range r.cfg.Plugins {
		if p.URL != "" && p.OAuthHost != "" && r.minter != nil {
			token, err := r.minter.Token(ctx, p.OAuthHost)
			if err != nil {
				return "", errors.Wrapf(err, "mcp: mint token for plugin %q", name)
			}
			headers := make(map[string]string, len(p.Headers))
			for k, v := range p.Headers {
				headers[k] = placeholderRE.ReplaceAllString(v, token)
			}
			p.Headers = headers
		}
		resolved.Plugins[name] = p
	}

	out, err := yaml.Marshal(resolved)
	if err != nil {
		return "", errors.Wrap(err, "mcp: marshal resolved config")
	}

	path := filepath.Join(worktreeDir, ".kiln", "mcp.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "mcp: create config directory")
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", errors.Wrap(err, "mcp: write resolved config")
	}
	return path, nil
}

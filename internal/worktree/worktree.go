// Package worktree provisions isolated git working copies for stage
// execution (spec §4.3), grounded on
// _examples/other_examples/re-cinq-detergent's engine.go worktree
// creation/refresh logic: shelling out to the system git binary rather
// than a Go git library, since no repo in the pack imports one.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/credentials"
	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/mcp"
	"github.com/golithk/kiln/internal/model"
)

// Provisioner implements ensure_worktree (spec §4.3).
type Provisioner struct {
	// Root is the workspace directory under which per-issue worktrees
	// are created, one per <repo_short>-issue-<number> directory.
	Root string
	// CloneRoot holds the bare/mirror clones worktrees are added from;
	// one per repo, fetched and kept at the default branch tip.
	CloneRoot string
	// Credentials injects per-repo secrets files after provisioning.
	Credentials *credentials.Injector
	// Plugins resolves and writes the tool-plugin config file.
	Plugins *mcp.Resolver
}

func (p *Provisioner) worktreeDir(repo model.RepoID, issueNumber int) string {
	short := fmt.Sprintf("%s-%s", repo.Owner, repo.Name)
	return filepath.Join(p.Root, fmt.Sprintf("%s-issue-%d", short, issueNumber))
}

func (p *Provisioner) bareDir(repo model.RepoID) string {
	return filepath.Join(p.CloneRoot, repo.Host, repo.Owner, repo.Name+".git")
}

// Ensure returns a path containing a fresh checkout at the tip of the
// default branch for (repo, issue), reusing an existing worktree whose
// recorded head already matches the remote tip.
func (p *Provisioner) Ensure(ctx context.Context, repo model.RepoID, issueNumber int, remoteURL string) (string, error) {
	bare := p.bareDir(repo)
	if err := p.ensureBareClone(ctx, bare, remoteURL); err != nil {
		return "", err
	}

	_, tip, err := p.defaultBranchTip(ctx, bare)
	if err != nil {
		return "", err
	}

	dir := p.worktreeDir(repo, issueNumber)
	if head, err := p.currentHead(ctx, dir); err == nil && head == tip {
		return dir, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", errors.Wrap(err, "worktree: remove stale checkout")
	}
	if err := p.run(ctx, bare, "worktree", "add", "--force", "-B", fmt.Sprintf("kiln/issue-%d", issueNumber), dir, tip); err != nil {
		return "", err
	}

	return dir, nil
}

// MaterializeConfig writes the resolved tool-plugin config and any
// mapped credentials file into dir, per spec §4.3's ordering (after the
// checkout, before the stage executor invokes the runner).
func (p *Provisioner) MaterializeConfig(ctx context.Context, repo model.RepoID, dir string) (pluginConfigPath string, err error) {
	if p.Plugins != nil {
		pluginConfigPath, err = p.Plugins.WriteResolvedConfig(ctx, dir)
		if err != nil {
			return "", err
		}
	}
	if p.Credentials != nil {
		if err := p.Credentials.Inject(repo, dir); err != nil {
			return pluginConfigPath, err
		}
	}
	return pluginConfigPath, nil
}

// ensureBareClone keeps a mirror clone (not a plain --bare clone) so
// that updating it via "remote update" overwrites every ref 1:1 with
// upstream, HEAD included — a plain bare clone has no refspec and
// silently stops tracking new commits on subsequent fetches.
func (p *Provisioner) ensureBareClone(ctx context.Context, bare, remoteURL string) error {
	if _, err := os.Stat(bare); err == nil {
		return p.run(ctx, bare, "remote", "update", "--prune")
	}
	if err := os.MkdirAll(filepath.Dir(bare), 0o755); err != nil {
		return errors.Wrap(err, "worktree: create clone root")
	}
	return p.runIn(ctx, filepath.Dir(bare), "git", "clone", "--mirror", remoteURL, bare)
}

// defaultBranchTip reads HEAD directly off the mirror, which tracks
// upstream's default branch symbolic ref.
func (p *Provisioner) defaultBranchTip(ctx context.Context, bare string) (branch, tip string, err error) {
	out, err := p.output(ctx, bare, "symbolic-ref", "HEAD")
	if err != nil {
		return "", "", err
	}
	branch = strings.TrimPrefix(strings.TrimSpace(out), "refs/heads/")

	tipOut, err := p.output(ctx, bare, "rev-parse", branch)
	if err != nil {
		return "", "", err
	}
	return branch, strings.TrimSpace(tipOut), nil
}

func (p *Provisioner) currentHead(ctx context.Context, dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		return "", err
	}
	out, err := p.output(ctx, dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (p *Provisioner) run(ctx context.Context, dir string, args ...string) error {
	_, err := p.output(ctx, dir, args...)
	return err
}

func (p *Provisioner) runIn(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if kerr.LooksLikeNetworkFailure(string(out)) {
			return errors.Wrap(kerr.NetworkFailure, string(out))
		}
		return errors.Wrapf(kerr.InternalError, "worktree: %s %v: %s", name, args, string(out))
	}
	return nil
}

func (p *Provisioner) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if kerr.LooksLikeNetworkFailure(string(out)) {
			return "", errors.Wrap(kerr.NetworkFailure, string(out))
		}
		return "", errors.Wrapf(kerr.InternalError, "worktree: git %v: %s", args, string(out))
	}
	return string(out), nil
}

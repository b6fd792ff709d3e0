// Package credentials injects per-repo secrets files into a freshly
// provisioned worktree, grounded on
// original_source/src/integrations/repo_credentials.py's
// host/owner/repo -> source path -> destination mapping.
package credentials

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/golithk/kiln/internal/model"
)

// Mapping is one entry in the credentials YAML file: the absolute path
// of a secrets file on the operator's machine, and the path (relative
// to the worktree root) it should be copied to.
type Mapping struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// file is the on-disk shape of the credentials YAML: a mapping of
// "host/owner/repo" strings to a Mapping.
type file map[string]Mapping

// Injector copies the configured credentials file into a worktree after
// provisioning (spec §4.3, §6.4).
type Injector struct {
	entries map[model.RepoID]Mapping
}

// Load reads the credentials YAML at path.
func Load(path string) (*Injector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Injector{entries: map[model.RepoID]Mapping{}}, nil
		}
		return nil, errors.Wrap(err, "credentials: read mapping file")
	}

	var parsed file
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "credentials: parse mapping file")
	}

	entries := make(map[model.RepoID]Mapping, len(parsed))
	for key, mapping := range parsed {
		repo, err := model.ParseRepoID(key)
		if err != nil {
			return nil, errors.Wrapf(err, "credentials: invalid repo key %q", key)
		}
		entries[repo] = mapping
	}
	return &Injector{entries: entries}, nil
}

// Inject copies the mapped secrets file into worktreeDir, if this repo
// has a mapping configured. Absence of a mapping is not an error: most
// repos need no injected credentials.
func (i *Injector) Inject(repo model.RepoID, worktreeDir string) error {
	mapping, ok := i.entries[repo]
	if !ok {
		return nil
	}

	dest := filepath.Join(worktreeDir, mapping.Destination)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "credentials: create destination directory")
	}

	src, err := os.Open(mapping.Source)
	if err != nil {
		return errors.Wrap(err, "credentials: open source secrets file")
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "credentials: create destination file")
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return errors.Wrap(err, "credentials: copy secrets file")
}

package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/model"
)

func TestInjectCopiesMappedFile(t *testing.T) {
	secretsDir := t.TempDir()
	secretFile := filepath.Join(secretsDir, "npmrc")
	require.NoError(t, os.WriteFile(secretFile, []byte("//registry.npmjs.org/:_authToken=abc123\n"), 0o600))

	mappingFile := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(mappingFile, []byte(`
github.com/acme/app:
  source: `+secretFile+`
  destination: .npmrc
`), 0o600))

	inj, err := Load(mappingFile)
	require.NoError(t, err)

	worktree := t.TempDir()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "app"}
	require.NoError(t, inj.Inject(repo, worktree))

	got, err := os.ReadFile(filepath.Join(worktree, ".npmrc"))
	require.NoError(t, err)
	require.Contains(t, string(got), "_authToken=abc123")
}

func TestInjectNoopWithoutMapping(t *testing.T) {
	inj, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	worktree := t.TempDir()
	repo := model.RepoID{Host: "github.com", Owner: "acme", Name: "other"}
	require.NoError(t, inj.Inject(repo, worktree))
}

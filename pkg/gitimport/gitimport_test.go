package gitimport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

func createRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: "refs/heads/main",
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "malware"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "malware", "apt.yar"), []byte("rule APT { condition: true }"), 0o644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("malware/apt.yar")
	require.NoError(t, err)
	hash, err := w.Commit("add rules", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestClone(t *testing.T) {
	src, commit := createRepo(t)
	shallow := false

	co, err := Clone(context.Background(), Options{URL: src, Branch: "main", Shallow: &shallow}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Remove() })

	assert.Equal(t, commit, co.Commit)
	data, err := os.ReadFile(filepath.Join(co.Dir, "malware", "apt.yar"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rule APT")

	require.NoError(t, co.Remove())
	_, err = os.Stat(co.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCloneErrors(t *testing.T) {
	_, err := Clone(context.Background(), Options{}, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))

	_, err = Clone(context.Background(), Options{URL: filepath.Join(t.TempDir(), "missing")}, nil)
	require.Error(t, err)
}

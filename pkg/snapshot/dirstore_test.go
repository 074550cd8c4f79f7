package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestDirStoreCommitCheckoutPublish(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	publish := filepath.Join(dir, "publish")

	lower := filepath.Join(dir, "lower.tar")
	upper := filepath.Join(dir, "upper.tar")
	writeTar(t, lower, map[string]string{"usr/lib/os-release": "lower", "flatpak.yaml": "app"})
	writeTar(t, upper, map[string]string{"usr/lib/os-release": "upper"})

	s := NewDirStore()
	require.NoError(t, s.Init(ctx, repo, ModeBareUserOnly))
	require.NoError(t, s.Init(ctx, publish, ModeArchive))
	assert.True(t, IsRepo(repo))

	require.NoError(t, s.Commit(ctx, repo, "base", []TreeSource{TarTree(lower), TarTree(upper)}, CommitOptions{}))

	content, err := os.ReadFile(filepath.Join(s.Tree(repo, "base"), "usr", "lib", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "upper", string(content))

	files := filepath.Join(dir, "subtree", "files")
	require.NoError(t, s.Checkout(ctx, repo, "base", "/usr", files))
	_, err = os.Stat(filepath.Join(files, "lib", "os-release"))
	require.NoError(t, err)

	app := filepath.Join(dir, "app")
	require.NoError(t, s.Checkout(ctx, repo, "base", "/flatpak.yaml", app))
	content, err = os.ReadFile(filepath.Join(app, "flatpak.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "app", string(content))

	opts := CommitOptions{Metadata: map[string]string{"xa.metadata": "meta"}}
	require.NoError(t, s.Commit(ctx, repo, "runtime/x/x86_64/1", []TreeSource{DirTree(filepath.Dir(files))}, opts))
	require.NoError(t, s.PullLocal(ctx, publish, repo, "runtime/x/x86_64/1"))
	require.NoError(t, s.UpdateSummary(ctx, publish))

	rec, ok := s.Committed(publish, "runtime/x/x86_64/1")
	require.True(t, ok)
	assert.Equal(t, "meta", rec.Options.Metadata["xa.metadata"])
	_, err = os.Stat(filepath.Join(s.Tree(publish, "runtime/x/x86_64/1"), "files", "lib", "os-release"))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Summaries(publish))

	assert.Equal(t, []string{
		"init", "init", "commit", "checkout", "checkout", "commit", "pull-local", "update-summary",
	}, s.Ops())
}

func TestDirStoreTarSourcesKeepWhiteouts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")

	lower := filepath.Join(dir, "lower.tar")
	upper := filepath.Join(dir, "upper.tar")
	writeTar(t, lower, map[string]string{"usr/lib/gone": "x"})
	writeTar(t, upper, map[string]string{"usr/lib/.wh.gone": ""})

	s := NewDirStore()
	require.NoError(t, s.Init(ctx, repo, ModeBareUserOnly))
	require.NoError(t, s.Commit(ctx, repo, "base", []TreeSource{TarTree(lower), TarTree(upper)}, CommitOptions{}))

	tree := s.Tree(repo, "base")
	_, err := os.Stat(filepath.Join(tree, "usr", "lib", "gone"))
	assert.NoError(t, err, "tar trees are not overlay aware")
	_, err = os.Stat(filepath.Join(tree, "usr", "lib", ".wh.gone"))
	assert.NoError(t, err, "whiteout markers are committed as files")
}

func TestDirStoreErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	s := NewDirStore()

	err := s.Commit(ctx, repo, "base", []TreeSource{DirTree(dir)}, CommitOptions{})
	assert.True(t, errdefs.IsNotFound(err), "commit into missing repo")

	require.NoError(t, s.Init(ctx, repo, ModeBareUserOnly))
	err = s.Checkout(ctx, repo, "base", "/usr", filepath.Join(dir, "out"))
	assert.True(t, errdefs.IsNotFound(err), "checkout of missing branch")

	err = s.PullLocal(ctx, filepath.Join(dir, "absent"), repo, "base")
	assert.True(t, errdefs.IsNotFound(err), "pull of missing branch")
}

func TestDirStoreFailOn(t *testing.T) {
	boom := errors.New("boom")
	s := NewDirStore()
	s.FailOn("init", boom)

	err := s.Init(context.Background(), filepath.Join(t.TempDir(), "repo"), ModeArchive)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"init"}, s.Ops())
}

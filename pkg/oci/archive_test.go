package oci

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveImage(t *testing.T, layers ...[]byte) v1.Image {
	t.Helper()
	img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{
		Architecture: "amd64",
		OS:           "linux",
		Config:       v1.Config{Labels: map[string]string{LabelAppName: "Foo"}},
	})
	require.NoError(t, err)
	for _, l := range layers {
		img, err = mutate.AppendLayers(img, static.NewLayer(l, types.DockerLayer))
		require.NoError(t, err)
	}
	return img
}

func TestArchiveSourceSingleImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foo.docker.tar")
	first := gzipTar(t, tarEntry{name: "usr/lib/os-release", content: "one"})
	second := gzipTar(t, tarEntry{name: "usr/bin/foo", content: "foo"})

	tag, err := name.NewTag("registry.example/foo:1")
	require.NoError(t, err)
	require.NoError(t, tarball.WriteToFile(path, tag, archiveImage(t, first, second)))

	src := NewArchiveSource(path)
	assert.Equal(t, path, src.Info())

	img, err := src.GetImage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, img.Digest)
	require.Len(t, img.Layers, 2)

	label, ok := img.Config.Label(LabelAppName)
	assert.True(t, ok)
	assert.Equal(t, "Foo", label)

	rc, err := img.Layers[1].Uncompressed(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	hdr, err := tar.NewReader(rc).Next()
	require.NoError(t, err)
	assert.Equal(t, "usr/bin/foo", hdr.Name)
}

func TestArchiveSourceRejectsMultipleImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two.tar")
	a, err := name.NewTag("registry.example/first:1")
	require.NoError(t, err)
	b, err := name.NewTag("registry.example/second:1")
	require.NoError(t, err)

	layer := gzipTar(t, tarEntry{name: "a", content: "a"})
	require.NoError(t, tarball.MultiWriteToFile(path, map[name.Tag]v1.Image{
		a: archiveImage(t, layer),
		b: archiveImage(t),
	}))

	_, err = NewArchiveSource(path).GetImage(context.Background())
	var formatErr *ArchiveFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestArchiveSourceWithoutManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "hello", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg}))
	_, err = io.WriteString(tw, "hi")
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	_, err = NewArchiveSource(path).GetImage(context.Background())
	var formatErr *ArchiveFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestArchiveSourceMissingFile(t *testing.T) {
	_, err := NewArchiveSource(filepath.Join(t.TempDir(), "absent.tar")).GetImage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

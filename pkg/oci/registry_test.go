package oci

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/progress"
)

type tarEntry struct {
	name    string
	content string
}

func gzipTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// startRegistry runs an in-memory registry and returns its base URL.
func startRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return srv.URL
}

func pushImage(t *testing.T, baseURL, repo string, labels map[string]string, layers ...[]byte) v1.Image {
	t.Helper()

	img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{
		Architecture: "amd64",
		OS:           "linux",
		Config:       v1.Config{Labels: labels},
	})
	require.NoError(t, err)

	for _, l := range layers {
		img, err = mutate.AppendLayers(img, static.NewLayer(l, types.OCILayer))
		require.NoError(t, err)
	}

	host := strings.TrimPrefix(baseURL, "http://")
	ref, err := name.ParseReference(host+"/"+repo, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))
	return img
}

func TestNewRegistryClientURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		host     string
		insecure bool
		wantErr  bool
	}{
		{name: "https registry", input: "https://registry.opensuse.org", host: "registry.opensuse.org"},
		{name: "http registry is insecure", input: "http://localhost:5000", host: "localhost:5000", insecure: true},
		{name: "missing scheme", input: "registry.opensuse.org", wantErr: true},
		{name: "unsupported scheme", input: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewRegistryClient(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, c.Host())
			assert.Equal(t, tt.insecure, c.insecure)
		})
	}
}

func TestRegistryClientManifestConfigAndBlob(t *testing.T) {
	ctx := context.Background()
	base := startRegistry(t)

	layer := gzipTar(t, tarEntry{name: "usr/bin/foo", content: "foo"})
	img := pushImage(t, base, "home/user/images/foo:3", map[string]string{
		LabelAppName: "Foo",
		LabelVersion: "3",
	}, layer)

	rec := &progress.Recorder{}
	c, err := NewRegistryClient(base, WithProgress(rec))
	require.NoError(t, err)

	m, dgst, err := c.GetManifest(ctx, "home/user/images/foo", "3")
	require.NoError(t, err)
	want, err := img.Digest()
	require.NoError(t, err)
	assert.Equal(t, want.String(), dgst.String())
	require.Len(t, m.Layers, 1)
	assert.Equal(t, digest.FromBytes(layer), m.Layers[0].Digest)

	cfg, err := c.GetConfig(ctx, "home/user/images/foo", m.Config)
	require.NoError(t, err)
	assert.Equal(t, "amd64", cfg.Architecture)
	app, err := cfg.RequireLabel(LabelAppName)
	require.NoError(t, err)
	assert.Equal(t, "Foo", app)

	rc, size, err := c.DownloadBlob(ctx, "home/user/images/foo", m.Layers[0].Digest)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, int64(len(layer)), size)
	assert.Equal(t, layer, data)

	events := rec.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, progress.Finished, last.Kind)
	assert.Equal(t, size, last.BytesRead)
}

func TestRegistryClientMissingManifest(t *testing.T) {
	base := startRegistry(t)
	c, err := NewRegistryClient(base)
	require.NoError(t, err)

	_, _, err = c.GetManifest(context.Background(), "home/user/images/absent", "latest")

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 404, regErr.StatusCode)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestRegistryClientMissingBlob(t *testing.T) {
	base := startRegistry(t)
	pushImage(t, base, "home/user/images/foo:1", nil)
	c, err := NewRegistryClient(base)
	require.NoError(t, err)

	_, _, err = c.DownloadBlob(context.Background(), "home/user/images/foo", digest.FromString("nope"))

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestRegistryClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	base := srv.URL
	srv.Close()

	c, err := NewRegistryClient(base)
	require.NoError(t, err)

	_, _, err = c.GetManifest(context.Background(), "foo", "latest")
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 0, regErr.StatusCode)
}

func TestRegistrySourceGetImage(t *testing.T) {
	base := startRegistry(t)
	first := gzipTar(t, tarEntry{name: "etc/os-release", content: "one"})
	second := gzipTar(t, tarEntry{name: "etc/os-release", content: "two"})
	pushImage(t, base, "home/user/images/foo:3", map[string]string{LabelAppName: "Foo"}, first, second)

	c, err := NewRegistryClient(base)
	require.NoError(t, err)
	ref, err := ParseContainer("home:user", "images", "foo:3")
	require.NoError(t, err)

	src := c.Source(ref)
	assert.Contains(t, src.Info(), "home/user/images/foo:3")

	img, err := src.GetImage(context.Background())
	require.NoError(t, err)
	require.Len(t, img.Layers, 2)
	assert.Equal(t, digest.FromBytes(first), img.Layers[0].Digest())
	assert.Equal(t, digest.FromBytes(second), img.Layers[1].Digest())

	rc, err := img.Layers[1].Uncompressed(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	hdr, err := tar.NewReader(rc).Next()
	require.NoError(t, err)
	assert.Equal(t, "etc/os-release", hdr.Name)
}

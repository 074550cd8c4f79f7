package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  []byte
	linkname string
	mode     int64
}

// newLayer builds a gzip compressed layer from tar entries
func newLayer(t *testing.T, entries ...tarEntry) *oci.BytesLayer {
	t.Helper()

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, entry := range entries {
		header := &tar.Header{
			Name:     entry.name,
			Typeflag: entry.typeflag,
			Size:     int64(len(entry.content)),
			Mode:     entry.mode,
			Linkname: entry.linkname,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if len(entry.content) > 0 {
			if _, err := tarWriter.Write(entry.content); err != nil {
				t.Fatalf("write content: %v", err)
			}
		}
	}

	if err := tarWriter.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gzipWriter.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	return oci.NewBytesLayer("application/vnd.oci.image.layer.v1.tar+gzip", buf.Bytes())
}

func flatten(t *testing.T, dir string, layers ...*oci.BytesLayer) error {
	t.Helper()
	ls := make([]oci.Layer, len(layers))
	for i, l := range layers {
		ls[i] = l
	}
	return NewLayerFlattener().BuildFs(context.Background(), ls, dir)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(content)
}

func TestLayerFlattenerBasicExtraction(t *testing.T) {
	tmpDir := t.TempDir()

	layer := newLayer(t,
		tarEntry{name: "file.txt", typeflag: tar.TypeReg, content: []byte("hello"), mode: 0o644},
		tarEntry{name: "dir/", typeflag: tar.TypeDir, mode: 0o755},
		tarEntry{name: "dir/nested.txt", typeflag: tar.TypeReg, content: []byte("world"), mode: 0o600},
	)

	if err := flatten(t, tmpDir, layer); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	if got := readFile(t, filepath.Join(tmpDir, "file.txt")); got != "hello" {
		t.Errorf("file.txt content = %q, want %q", got, "hello")
	}
	if got := readFile(t, filepath.Join(tmpDir, "dir", "nested.txt")); got != "world" {
		t.Errorf("dir/nested.txt content = %q, want %q", got, "world")
	}

	fi, err := os.Stat(filepath.Join(tmpDir, "dir", "nested.txt"))
	if err != nil {
		t.Fatalf("stat nested.txt: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("nested.txt mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestLayerFlattenerLaterLayerWins(t *testing.T) {
	tmpDir := t.TempDir()

	layer1 := newLayer(t,
		tarEntry{name: "etc/os-release", typeflag: tar.TypeReg, content: []byte("original"), mode: 0o644},
	)
	layer2 := newLayer(t,
		tarEntry{name: "etc/os-release", typeflag: tar.TypeReg, content: []byte("updated"), mode: 0o644},
	)

	if err := flatten(t, tmpDir, layer1, layer2); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	if got := readFile(t, filepath.Join(tmpDir, "etc", "os-release")); got != "updated" {
		t.Errorf("os-release content = %q, want %q", got, "updated")
	}
}

func TestLayerFlattenerWhiteout(t *testing.T) {
	tmpDir := t.TempDir()

	layer1 := newLayer(t,
		tarEntry{name: "file.txt", typeflag: tar.TypeReg, content: []byte("delete me"), mode: 0o644},
		tarEntry{name: "keep.txt", typeflag: tar.TypeReg, content: []byte("keep me"), mode: 0o644},
	)
	layer2 := newLayer(t,
		tarEntry{name: ".wh.file.txt", typeflag: tar.TypeReg, mode: 0o644},
	)

	if err := flatten(t, tmpDir, layer1, layer2); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "file.txt")); !os.IsNotExist(err) {
		t.Errorf("file.txt should have been deleted by whiteout")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".wh.file.txt")); !os.IsNotExist(err) {
		t.Errorf("whiteout marker must not be extracted")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "keep.txt")); err != nil {
		t.Errorf("keep.txt should survive: %v", err)
	}
}

func TestTarExtractorKeepsWhiteoutMarkers(t *testing.T) {
	tmpDir := t.TempDir()

	layer1 := newLayer(t,
		tarEntry{name: "file.txt", typeflag: tar.TypeReg, content: []byte("still here"), mode: 0o644},
	)
	layer2 := newLayer(t,
		tarEntry{name: ".wh.file.txt", typeflag: tar.TypeReg, mode: 0o644},
	)

	err := NewTarExtractor().BuildFs(context.Background(), []oci.Layer{layer1, layer2}, tmpDir)
	if err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	if got := readFile(t, filepath.Join(tmpDir, "file.txt")); got != "still here" {
		t.Errorf("file.txt = %q, want it untouched", got)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".wh.file.txt")); err != nil {
		t.Errorf("whiteout marker should be extracted as a file: %v", err)
	}
}

func TestLayerFlattenerOpaqueWhiteout(t *testing.T) {
	tmpDir := t.TempDir()

	layer1 := newLayer(t,
		tarEntry{name: "dir/", typeflag: tar.TypeDir, mode: 0o755},
		tarEntry{name: "dir/file1.txt", typeflag: tar.TypeReg, content: []byte("file1"), mode: 0o644},
		tarEntry{name: "dir/sub/file2.txt", typeflag: tar.TypeReg, content: []byte("file2"), mode: 0o644},
	)
	layer2 := newLayer(t,
		tarEntry{name: "dir/.wh..wh..opaque", typeflag: tar.TypeReg, mode: 0o644},
		tarEntry{name: "dir/newfile.txt", typeflag: tar.TypeReg, content: []byte("new"), mode: 0o644},
	)

	if err := flatten(t, tmpDir, layer1, layer2); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	for _, gone := range []string{"dir/file1.txt", "dir/sub"} {
		if _, err := os.Stat(filepath.Join(tmpDir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should have been deleted by opaque whiteout", gone)
		}
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "dir", "newfile.txt")); err != nil {
		t.Errorf("dir/newfile.txt should exist: %v", err)
	}
}

func TestLayerFlattenerLinks(t *testing.T) {
	tmpDir := t.TempDir()

	layer := newLayer(t,
		tarEntry{name: "usr/bin/bash", typeflag: tar.TypeReg, content: []byte("#!bash"), mode: 0o755},
		tarEntry{name: "usr/bin/sh", typeflag: tar.TypeSymlink, linkname: "bash"},
		tarEntry{name: "usr/bin/rbash", typeflag: tar.TypeLink, linkname: "usr/bin/bash"},
	)

	if err := flatten(t, tmpDir, layer); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	dest, err := os.Readlink(filepath.Join(tmpDir, "usr", "bin", "sh"))
	if err != nil {
		t.Fatalf("readlink sh: %v", err)
	}
	if dest != "bash" {
		t.Errorf("sh -> %q, want bash", dest)
	}
	if got := readFile(t, filepath.Join(tmpDir, "usr", "bin", "rbash")); got != "#!bash" {
		t.Errorf("rbash content = %q", got)
	}
}

func TestLayerFlattenerReplacesDirectoryWithFile(t *testing.T) {
	tmpDir := t.TempDir()

	layer1 := newLayer(t,
		tarEntry{name: "opt/thing/", typeflag: tar.TypeDir, mode: 0o755},
		tarEntry{name: "opt/thing/a", typeflag: tar.TypeReg, content: []byte("a"), mode: 0o644},
	)
	layer2 := newLayer(t,
		tarEntry{name: "opt/thing", typeflag: tar.TypeSymlink, linkname: "/usr/share/thing"},
	)

	if err := flatten(t, tmpDir, layer1, layer2); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	fi, err := os.Lstat(filepath.Join(tmpDir, "opt", "thing"))
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Errorf("opt/thing should be a symlink, got %v", fi.Mode())
	}
}

func TestLayerFlattenerClampsHardlinkTargets(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "root")

	layer := newLayer(t,
		tarEntry{name: "etc/passwd", typeflag: tar.TypeReg, content: []byte("root:x:0:0"), mode: 0o644},
		tarEntry{name: "usr/etc/passwd", typeflag: tar.TypeLink, linkname: "../../../../etc/passwd"},
	)

	if err := flatten(t, root, layer); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "usr", "etc", "passwd")); got != "root:x:0:0" {
		t.Errorf("hardlink should resolve inside the root, got %q", got)
	}
}

func TestSecurePath(t *testing.T) {
	root := "/build/root"
	tests := map[string]string{
		"usr/bin/foo":      "/build/root/usr/bin/foo",
		"../../etc/passwd": "/build/root/etc/passwd",
		"./":               "/build/root",
		"/abs/path":        "/build/root/abs/path",
	}
	for name, want := range tests {
		got, err := securePath(root, name)
		if err != nil {
			t.Errorf("securePath(%q) error: %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("securePath(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestLayerFlattenerContainsDotDotNames(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "root")

	layer := newLayer(t,
		tarEntry{name: "../escape.txt", typeflag: tar.TypeReg, content: []byte("x"), mode: 0o644},
	)

	if err := flatten(t, root, layer); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("entry escaped the target directory")
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err != nil {
		t.Errorf("entry should be clamped into the root: %v", err)
	}
}

func TestLayerFlattenerContextCancellation(t *testing.T) {
	tmpDir := t.TempDir()

	layer := newLayer(t,
		tarEntry{name: "file.txt", typeflag: tar.TypeReg, content: []byte("content"), mode: 0o644},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewLayerFlattener().BuildFs(ctx, []oci.Layer{layer}, tmpDir)
	if err == nil {
		t.Error("expected context cancellation error, got nil")
	}
	if layer.Opens.Load() != 0 {
		t.Error("layer must not be opened after cancellation")
	}
}

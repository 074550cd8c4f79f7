package oci

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// Layer is a single layer of an image.
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	// Compressed returns the blob exactly as stored; it hashes to Digest.
	// The caller must close the reader.
	Compressed(ctx context.Context) (io.ReadCloser, error)
	// Uncompressed returns the layer as a plain tar stream.
	// The caller must close the reader.
	Uncompressed(ctx context.Context) (io.ReadCloser, error)
}

// FileLayer is a layer blob on local disk, typically a cache entry.
type FileLayer struct {
	Desc Blob
	Path string
}

func NewFileLayer(desc Blob, path string) *FileLayer {
	return &FileLayer{Desc: desc, Path: path}
}

func (l *FileLayer) Digest() digest.Digest { return l.Desc.Digest }
func (l *FileLayer) Size() int64           { return l.Desc.Size }
func (l *FileLayer) MediaType() string     { return l.Desc.MediaType }

func (l *FileLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open layer: %w", err)
	}
	return f, nil
}

func (l *FileLayer) Uncompressed(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open layer: %w", err)
	}
	rc, err := Decompress(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decompress layer %s: %w", l.Desc.Digest, err)
	}
	return rc, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decompress sniffs the stream and undoes gzip or zstd compression. Plain
// tar streams are passed through. Closing the result closes rc.
func Decompress(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &multiCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &multiCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), rc}}, nil
	default:
		return &multiCloser{Reader: br, closers: []io.Closer{rc}}, nil
	}
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// imageLayer adapts a go-containerregistry layer.
type imageLayer struct {
	layer v1.Layer
	desc  Blob
}

func (l *imageLayer) Digest() digest.Digest { return l.desc.Digest }
func (l *imageLayer) Size() int64           { return l.desc.Size }
func (l *imageLayer) MediaType() string     { return l.desc.MediaType }

func (l *imageLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return rc, nil
}

func (l *imageLayer) Uncompressed(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.layer.Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("get uncompressed layer: %w", err)
	}
	return rc, nil
}

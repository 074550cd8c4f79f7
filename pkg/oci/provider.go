package oci

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ImageSource abstracts where images come from (registry or local archive).
type ImageSource interface {
	// GetImage resolves manifest and config. Layer content is fetched lazily.
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}

// StaticSource serves a fixed image, for tests and dry runs.
type StaticSource struct {
	Name  string
	Image *Image
}

func NewStaticSource(name string, config ocispec.Image, layers ...*BytesLayer) *StaticSource {
	img := &Image{
		Config: &ImageConfig{Image: config},
		Manifest: ocispec.Manifest{
			MediaType: ocispec.MediaTypeImageManifest,
		},
	}
	img.Manifest.SchemaVersion = 2
	for _, l := range layers {
		img.Layers = append(img.Layers, l)
		img.Manifest.Layers = append(img.Manifest.Layers, l.Descriptor())
	}
	return &StaticSource{Name: name, Image: img}
}

func (s *StaticSource) Info() string { return s.Name }

func (s *StaticSource) GetImage(ctx context.Context) (*Image, error) {
	return s.Image, nil
}

// BytesLayer is an in-memory layer. Opens counts how often its content was
// read.
type BytesLayer struct {
	mediaType string
	data      []byte
	dgst      digest.Digest
	Opens     atomic.Int32
}

func NewBytesLayer(mediaType string, data []byte) *BytesLayer {
	return &BytesLayer{mediaType: mediaType, data: data, dgst: digest.FromBytes(data)}
}

func (l *BytesLayer) Digest() digest.Digest { return l.dgst }
func (l *BytesLayer) Size() int64           { return int64(len(l.data)) }
func (l *BytesLayer) MediaType() string     { return l.mediaType }

func (l *BytesLayer) Descriptor() Blob {
	return Blob{MediaType: l.mediaType, Digest: l.dgst, Size: l.Size()}
}

func (l *BytesLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	l.Opens.Add(1)
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

func (l *BytesLayer) Uncompressed(ctx context.Context) (io.ReadCloser, error) {
	l.Opens.Add(1)
	return Decompress(io.NopCloser(bytes.NewReader(l.data)))
}

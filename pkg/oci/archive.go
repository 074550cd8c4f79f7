package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
)

// ArchiveSource reads an image from a docker-archive tarball, the format
// written by `docker save` and by OBS container builds. The archive must
// describe exactly one image in its manifest.json.
type ArchiveSource struct {
	path string
}

func NewArchiveSource(path string) *ArchiveSource {
	return &ArchiveSource{path: path}
}

func (s *ArchiveSource) Info() string {
	return s.path
}

func (s *ArchiveSource) GetImage(ctx context.Context) (*Image, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("open image archive: %w", err)
	}

	manifest, err := tarball.LoadManifest(func() (io.ReadCloser, error) { return os.Open(s.path) })
	if err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "read manifest.json", Err: err}
	}
	if len(manifest) != 1 {
		return nil, &ArchiveFormatError{
			Path:   s.path,
			Reason: fmt.Sprintf("manifest.json lists %d images, expected exactly one", len(manifest)),
		}
	}

	img, err := tarball.ImageFromPath(s.path, nil)
	if err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "load image", Err: err}
	}

	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "read config", Err: err}
	}
	var cfg ImageConfig
	if err := json.Unmarshal(rawConfig, &cfg.Image); err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "decode config", Err: err}
	}

	rawManifest, err := img.RawManifest()
	if err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "build manifest", Err: err}
	}
	var image Image
	if err := json.Unmarshal(rawManifest, &image.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	image.Config = &cfg

	layers, err := img.Layers()
	if err != nil {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "list layers", Err: err}
	}
	if len(layers) != len(image.Manifest.Layers) {
		return nil, &ArchiveFormatError{Path: s.path, Reason: "layer count does not match manifest"}
	}
	for i, l := range layers {
		desc := image.Manifest.Layers[i]
		if h, err := l.Digest(); err == nil {
			desc.Digest = digest.Digest(h.String())
		}
		image.Layers = append(image.Layers, &imageLayer{layer: l, desc: desc})
	}

	return &image, nil
}

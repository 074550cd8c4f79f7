package oci

import (
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	LabelAppName = "org.opensuse.flatpak.appname"
	LabelVersion = "org.opencontainers.image.version"
)

// Blob is a content descriptor; its digest is its identity.
type Blob = ocispec.Descriptor

// Image is a resolved image. Layers are in overlay order and are not read
// until a caller opens them.
type Image struct {
	Digest   digest.Digest // manifest digest, empty for local archives
	Manifest ocispec.Manifest
	Config   *ImageConfig
	Layers   []Layer
}

// ImageConfig is the parsed config blob of an image.
type ImageConfig struct {
	ocispec.Image
}

func (c *ImageConfig) Label(key string) (string, bool) {
	v, ok := c.Config.Labels[key]
	return v, ok
}

// RequireLabel returns a MissingLabelError if key is unset or empty.
func (c *ImageConfig) RequireLabel(key string) (string, error) {
	v, ok := c.Label(key)
	if !ok || v == "" {
		return "", &MissingLabelError{Label: key}
	}
	return v, nil
}

// FlatpakArch maps the image architecture onto the flatpak name for it.
func (c *ImageConfig) FlatpakArch() (string, error) {
	return FlatpakArch(c.Architecture)
}

// FlatpakArch maps an OCI architecture onto the flatpak name for it. Only
// amd64 is supported.
func FlatpakArch(arch string) (string, error) {
	switch arch {
	case "amd64":
		return "x86_64", nil
	default:
		return "", &UnsupportedArchitectureError{Architecture: arch}
	}
}

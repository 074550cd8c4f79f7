package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/progress"
)

// maxConfigSize bounds how much of a config blob is read into memory.
const maxConfigSize = 8 << 20

// RegistryClient talks the OCI distribution protocol to a single registry
// using go-containerregistry.
//
// The base URL picks the scheme: http:// marks the registry insecure.
// Blob bodies are streamed, never buffered.
type RegistryClient struct {
	host     string
	insecure bool
	options  []remote.Option
	sink     progress.Sink
	logger   *slog.Logger
}

type RegistryOption func(*RegistryClient)

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(c *RegistryClient) { c.logger = l }
}

// WithProgress reports blob downloads to sink.
func WithProgress(sink progress.Sink) RegistryOption {
	return func(c *RegistryClient) { c.sink = sink }
}

func WithTransport(rt http.RoundTripper) RegistryOption {
	return func(c *RegistryClient) { c.options = append(c.options, remote.WithTransport(rt)) }
}

// NewRegistryClient creates a client for baseURL, e.g.
// "https://registry.opensuse.org" or "http://localhost:5000".
func NewRegistryClient(baseURL string, opts ...RegistryOption) (*RegistryClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", errors.Join(errdefs.ErrInvalidArgument, err))
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("registry url %q must be http(s)://host: %w", baseURL, errdefs.ErrInvalidArgument)
	}

	c := &RegistryClient{
		host:     u.Host,
		insecure: u.Scheme == "http",
		options:  []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
		sink:     progress.NoOp,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RegistryClient) Host() string {
	return c.host
}

func (c *RegistryClient) repository(repo string) (name.Repository, error) {
	var opts []name.Option
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	r, err := name.NewRepository(c.host+"/"+repo, opts...)
	if err != nil {
		return name.Repository{}, fmt.Errorf("invalid repository %q: %w", repo, errors.Join(errdefs.ErrInvalidArgument, err))
	}
	return r, nil
}

func (c *RegistryClient) remoteOptions(ctx context.Context) []remote.Option {
	return append([]remote.Option{remote.WithContext(ctx)}, c.options...)
}

// GetManifest fetches the image manifest for repo:tag. Multi-platform
// indexes are resolved to the linux/amd64 image.
func (c *RegistryClient) GetManifest(ctx context.Context, repo, tag string) (*ocispec.Manifest, digest.Digest, error) {
	r, err := c.repository(repo)
	if err != nil {
		return nil, "", err
	}
	ref := r.Tag(tag)

	desc, err := remote.Get(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, "", newRegistryError("get manifest", ref.String(), err)
	}

	raw := desc.Manifest
	dgst := digest.Digest(desc.Digest.String())
	if desc.MediaType.IsIndex() {
		img, err := desc.Image()
		if err != nil {
			return nil, "", newRegistryError("resolve index", ref.String(), err)
		}
		if raw, err = img.RawManifest(); err != nil {
			return nil, "", newRegistryError("get manifest", ref.String(), err)
		}
		h, err := img.Digest()
		if err != nil {
			return nil, "", fmt.Errorf("compute manifest digest: %w", err)
		}
		dgst = digest.Digest(h.String())
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("decode manifest %s: %w", ref, err)
	}

	c.logger.DebugContext(ctx, "fetched manifest", "ref", ref.String(), "digest", dgst, "layers", len(m.Layers))
	return &m, dgst, nil
}

// GetConfig fetches and decodes the config blob described by blob.
func (c *RegistryClient) GetConfig(ctx context.Context, repo string, blob Blob) (*ImageConfig, error) {
	rc, _, err := c.openBlob(ctx, repo, blob.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxConfigSize))
	if err != nil {
		return nil, newRegistryError("read config", repo+"@"+blob.Digest.String(), err)
	}

	var cfg ImageConfig
	if err := json.Unmarshal(data, &cfg.Image); err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	return &cfg, nil
}

// DownloadBlob opens the blob dgst for streaming and returns its declared
// size. The reader fails if the content does not hash to dgst.
func (c *RegistryClient) DownloadBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	rc, size, err := c.openBlob(ctx, repo, dgst)
	if err != nil {
		return nil, 0, err
	}
	return progress.NewReader(rc, shortDigest(dgst), size, c.sink), size, nil
}

func (c *RegistryClient) openBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	if err := dgst.Validate(); err != nil {
		return nil, 0, fmt.Errorf("invalid digest %q: %w", dgst, errors.Join(errdefs.ErrInvalidArgument, err))
	}
	r, err := c.repository(repo)
	if err != nil {
		return nil, 0, err
	}
	ref := r.Digest(dgst.String())

	layer, err := remote.Layer(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, 0, newRegistryError("get blob", ref.String(), err)
	}
	size, err := layer.Size()
	if err != nil {
		return nil, 0, newRegistryError("stat blob", ref.String(), err)
	}
	if size < 0 {
		return nil, 0, &RegistryError{Op: "stat blob", Ref: ref.String(), Err: errors.New("missing content length")}
	}

	rc, err := layer.Compressed()
	if err != nil {
		return nil, 0, newRegistryError("download blob", ref.String(), err)
	}
	return rc, size, nil
}

func newRegistryError(op, ref string, err error) *RegistryError {
	re := &RegistryError{Op: op, Ref: ref, Err: err}
	var terr *transport.Error
	if errors.As(err, &terr) {
		re.StatusCode = terr.StatusCode
	}
	return re
}

func shortDigest(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

// Source returns an ImageSource for ref served by this registry.
func (c *RegistryClient) Source(ref Reference) *RegistrySource {
	return &RegistrySource{client: c, ref: ref}
}

// RegistrySource resolves a tagged image from a registry.
type RegistrySource struct {
	client *RegistryClient
	ref    Reference
}

func (s *RegistrySource) Info() string {
	return s.client.host + "/" + s.ref.String()
}

func (s *RegistrySource) GetImage(ctx context.Context) (*Image, error) {
	m, dgst, err := s.client.GetManifest(ctx, s.ref.Repository, s.ref.Tag)
	if err != nil {
		return nil, err
	}

	cfg, err := s.client.GetConfig(ctx, s.ref.Repository, m.Config)
	if err != nil {
		return nil, fmt.Errorf("get image config: %w", err)
	}

	layers := make([]Layer, len(m.Layers))
	for i, desc := range m.Layers {
		layers[i] = &remoteLayer{client: s.client, repo: s.ref.Repository, desc: desc}
	}

	return &Image{
		Digest:   dgst,
		Manifest: *m,
		Config:   cfg,
		Layers:   layers,
	}, nil
}

// remoteLayer downloads its content every time it is opened.
type remoteLayer struct {
	client *RegistryClient
	repo   string
	desc   Blob
}

func (l *remoteLayer) Digest() digest.Digest { return l.desc.Digest }
func (l *remoteLayer) Size() int64           { return l.desc.Size }
func (l *remoteLayer) MediaType() string     { return l.desc.MediaType }

func (l *remoteLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	rc, _, err := l.client.DownloadBlob(ctx, l.repo, l.desc.Digest)
	return rc, err
}

func (l *remoteLayer) Uncompressed(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.Compressed(ctx)
	if err != nil {
		return nil, err
	}
	out, err := Decompress(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("decompress layer %s: %w", l.desc.Digest, err)
	}
	return out, nil
}

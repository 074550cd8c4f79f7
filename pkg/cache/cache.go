// Package cache keeps downloaded layer blobs on disk, keyed by digest.
//
// Blobs live at <root>/blobs/<algorithm>/<encoded>, the same layout an OCI
// image layout uses. A file only counts as cached if it still hashes to its
// digest; anything else is a miss and gets replaced on the next fetch.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/lock"
)

// ErrMiss is returned by Resolve when no valid blob is cached for a digest.
var ErrMiss = fmt.Errorf("layer cache miss: %w", errdefs.ErrNotFound)

// CachedLayer is a blob present in the cache.
type CachedLayer struct {
	Digest   digest.Digest
	Path     string
	Verified bool // Path hashed to Digest when it was returned
}

// FetchFunc opens the remote blob. It is only called on a cache miss.
type FetchFunc func(ctx context.Context) (io.ReadCloser, error)

type LayerCache struct {
	root   string
	locker lock.Locker
	logger *slog.Logger
}

type Option func(*LayerCache)

// WithLocker replaces the default in-process plus flock locker.
func WithLocker(l lock.Locker) Option {
	return func(c *LayerCache) { c.locker = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *LayerCache) { c.logger = l }
}

// New opens the cache rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*LayerCache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root: %w", errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	c := &LayerCache{
		root: root,
		locker: lock.Chain{
			lock.NewKeyedLocker(),
			lock.NewFileLocker(filepath.Join(root, "locks")),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *LayerCache) Root() string {
	return c.root
}

// Path returns where the blob for dgst is kept, whether or not it exists.
func (c *LayerCache) Path(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, errdefs.ErrInvalidArgument)
	}
	return filepath.Join(c.root, "blobs", dgst.Algorithm().String(), dgst.Encoded()), nil
}

// Resolve returns the cached blob for dgst, or ErrMiss if it is absent or
// does not hash to dgst.
func (c *LayerCache) Resolve(dgst digest.Digest) (*CachedLayer, error) {
	path, err := c.Path(dgst)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("stat cached blob: %w", err)
	}

	if err := VerifyFile(path, dgst); err != nil {
		var mismatch *DigestMismatchError
		if errors.As(err, &mismatch) {
			c.logger.Debug("discarding corrupt cache entry", "digest", dgst, "actual", mismatch.Actual)
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("verify cached blob: %w", err)
	}

	return &CachedLayer{Digest: dgst, Path: path, Verified: true}, nil
}

// Store writes src to the path for dgst. The content is hashed while it is
// written; on mismatch the file is removed and a DigestMismatchError returned.
func (c *LayerCache) Store(dgst digest.Digest, src io.Reader) (*CachedLayer, error) {
	path, err := c.Path(dgst)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create blob file: %w", err)
	}

	digester := dgst.Algorithm().Digester()
	_, copyErr := io.Copy(io.MultiWriter(f, digester.Hash()), src)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write blob %s: %w", dgst, err)
	}

	if actual := digester.Digest(); actual != dgst {
		_ = os.Remove(path)
		return nil, &DigestMismatchError{Path: path, Expected: dgst, Actual: actual}
	}

	return &CachedLayer{Digest: dgst, Path: path, Verified: true}, nil
}

// Fetch returns the cached blob for dgst and only calls fetch on a miss.
// The per-digest lock is held across the check and the download.
func (c *LayerCache) Fetch(ctx context.Context, dgst digest.Digest, fetch FetchFunc) (*CachedLayer, error) {
	lk, err := c.locker.AcquireLock(ctx, dgst)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dgst, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			c.logger.WarnContext(ctx, "failed to release cache lock", "digest", dgst, "error", err)
		}
	}()

	layer, err := c.Resolve(dgst)
	if err == nil {
		c.logger.DebugContext(ctx, "cache hit", "digest", dgst)
		return layer, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	c.logger.DebugContext(ctx, "cache miss", "digest", dgst)
	rc, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", dgst, err)
	}
	defer rc.Close()

	return c.Store(dgst, rc)
}

// Package snapshot wraps the content-addressed store that holds committed
// filesystem trees. The production Store drives the ostree command line;
// DirStore is a directory-backed stand-in for tests.
package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
)

type Mode string

const (
	// ModeBareUserOnly is used for private build repositories.
	ModeBareUserOnly Mode = "bare-user-only"
	// ModeArchive is used for repositories served to flatpak.
	ModeArchive Mode = "archive-z2"
)

type TreeKind int

const (
	TreeTar TreeKind = iota
	TreeDir
)

// TreeSource is one input of a commit. Sources are overlaid in order.
type TreeSource struct {
	Kind TreeKind
	Path string
}

func TarTree(path string) TreeSource { return TreeSource{Kind: TreeTar, Path: path} }
func DirTree(path string) TreeSource { return TreeSource{Kind: TreeDir, Path: path} }

type Ownership struct {
	UID int
	GID int
}

// RootOwnership is the canonical owner of flatpak runtime content.
var RootOwnership = &Ownership{UID: 0, GID: 0}

type CommitOptions struct {
	Subject             string
	NoXattrs            bool
	Owner               *Ownership // nil keeps file ownership
	LinkCheckoutSpeedup bool
	Metadata            map[string]string // string metadata on the commit object
}

// MetadataKeys returns the metadata keys in a stable order.
func (o CommitOptions) MetadataKeys() []string {
	keys := make([]string, 0, len(o.Metadata))
	for k := range o.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is a repository of committed trees addressed by branch.
// Every call blocks until the operation finished.
type Store interface {
	Init(ctx context.Context, repo string, mode Mode) error
	Commit(ctx context.Context, repo, branch string, sources []TreeSource, opts CommitOptions) error
	// Checkout writes subpath of branch to dest. A file subpath is placed
	// inside dest under its base name.
	Checkout(ctx context.Context, repo, branch, subpath, dest string) error
	// PullLocal copies branch from the src repository into dst.
	PullLocal(ctx context.Context, dst, src, branch string) error
	// UpdateSummary regenerates the summary clients read to discover refs.
	UpdateSummary(ctx context.Context, repo string) error
}

// IsRepo reports whether path holds an initialized repository.
func IsRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, "config"))
	return err == nil
}

var errNoSources = errors.New("commit needs at least one tree source")

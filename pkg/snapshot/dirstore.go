package snapshot

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/fs"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

// Call is one recorded Store operation.
type Call struct {
	Op   string
	Repo string
	Args []string
}

// CommitRecord is what DirStore remembers about a committed branch.
type CommitRecord struct {
	Sources []TreeSource
	Options CommitOptions
}

// DirStore implements Store on plain directories. Each branch is kept as a
// checked out tree under <repo>/trees/<branch>. Tar sources are extracted
// in order like ostree does: later entries replace earlier ones and whiteout
// markers are committed as ordinary files.
type DirStore struct {
	mu        sync.Mutex
	calls     []Call
	commits   map[string]CommitRecord
	summaries map[string]int
	failures  map[string]error
}

var _ Store = (*DirStore)(nil)

func NewDirStore() *DirStore {
	return &DirStore{
		commits:   make(map[string]CommitRecord),
		summaries: make(map[string]int),
		failures:  make(map[string]error),
	}
}

// FailOn makes every later call of op ("init", "commit", "checkout",
// "pull-local" or "update-summary") return err.
func (s *DirStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func commitKey(repo, branch string) string {
	return filepath.Clean(repo) + "#" + branch
}

func treeDir(repo, branch string) string {
	return filepath.Join(repo, "trees", filepath.FromSlash(branch))
}

// record logs the call and returns the injected failure for op, if any.
func (s *DirStore) record(op, repo string, args ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Repo: repo, Args: args})
	return s.failures[op]
}

func (s *DirStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Ops returns the recorded operation names in call order.
func (s *DirStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Op
	}
	return ops
}

// Committed returns what was committed to branch in repo.
func (s *DirStore) Committed(repo, branch string) (CommitRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[commitKey(repo, branch)]
	return c, ok
}

// Tree returns the directory holding the content of branch in repo.
func (s *DirStore) Tree(repo, branch string) string {
	return treeDir(repo, branch)
}

// Summaries returns how often the summary of repo was regenerated.
func (s *DirStore) Summaries(repo string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[filepath.Clean(repo)]
}

func (s *DirStore) Init(ctx context.Context, repo string, mode Mode) error {
	if err := s.record("init", repo, string(mode)); err != nil {
		return err
	}
	if err := os.MkdirAll(repo, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(repo, "config"), []byte("[core]\nmode="+string(mode)+"\n"), 0o644)
}

func (s *DirStore) Commit(ctx context.Context, repo, branch string, sources []TreeSource, opts CommitOptions) error {
	args := []string{branch}
	for _, src := range sources {
		args = append(args, src.Path)
	}
	if err := s.record("commit", repo, args...); err != nil {
		return err
	}

	if !IsRepo(repo) {
		return fmt.Errorf("commit %s: repository %s: %w", branch, repo, errdefs.ErrNotFound)
	}
	if len(sources) == 0 {
		return fmt.Errorf("commit %s: %w", branch, errNoSources)
	}

	dest := treeDir(repo, branch)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, src := range sources {
		switch src.Kind {
		case TreeTar:
			layer := oci.NewFileLayer(oci.Blob{}, src.Path)
			if err := fs.NewTarExtractor().BuildFs(ctx, []oci.Layer{layer}, dest); err != nil {
				return fmt.Errorf("commit %s: %w", branch, err)
			}
		case TreeDir:
			if err := fs.CopyTree(ctx, src.Path, dest); err != nil {
				return fmt.Errorf("commit %s: %w", branch, err)
			}
		}
	}

	opts.Metadata = maps.Clone(opts.Metadata)
	s.mu.Lock()
	s.commits[commitKey(repo, branch)] = CommitRecord{Sources: append([]TreeSource(nil), sources...), Options: opts}
	s.mu.Unlock()
	return nil
}

func (s *DirStore) Checkout(ctx context.Context, repo, branch, subpath, dest string) error {
	if err := s.record("checkout", repo, branch, subpath, dest); err != nil {
		return err
	}

	if _, ok := s.Committed(repo, branch); !ok {
		return fmt.Errorf("checkout %s: %w", branch, errdefs.ErrNotFound)
	}

	src := filepath.Join(treeDir(repo, branch), filepath.FromSlash(strings.TrimPrefix(subpath, "/")))
	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("checkout %s:%s: %w", branch, subpath, errdefs.ErrNotFound)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("checkout %s: destination %s: %w", branch, dest, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	if fi.IsDir() {
		return fs.CopyTree(ctx, src, dest)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, filepath.Base(src)), data, fi.Mode().Perm())
}

func (s *DirStore) PullLocal(ctx context.Context, dst, src, branch string) error {
	if err := s.record("pull-local", dst, src, branch); err != nil {
		return err
	}

	c, ok := s.Committed(src, branch)
	if !ok {
		return fmt.Errorf("pull %s: %w", branch, errdefs.ErrNotFound)
	}
	if !IsRepo(dst) {
		return fmt.Errorf("pull %s: repository %s: %w", branch, dst, errdefs.ErrNotFound)
	}

	target := treeDir(dst, branch)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := fs.CopyTree(ctx, treeDir(src, branch), target); err != nil {
		return err
	}

	s.mu.Lock()
	s.commits[commitKey(dst, branch)] = c
	s.mu.Unlock()
	return nil
}

func (s *DirStore) UpdateSummary(ctx context.Context, repo string) error {
	if err := s.record("update-summary", repo); err != nil {
		return err
	}

	if !IsRepo(repo) {
		return fmt.Errorf("update summary: repository %s: %w", repo, errdefs.ErrNotFound)
	}
	s.mu.Lock()
	s.summaries[filepath.Clean(repo)]++
	s.mu.Unlock()
	return nil
}

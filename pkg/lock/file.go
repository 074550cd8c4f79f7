package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"
)

const filePollInterval = 50 * time.Millisecond

// FileLocker coordinates independent processes through flock(2) on one lock
// file per digest below dir. The lock files are left in place.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) AcquireLock(ctx context.Context, dgst digest.Digest) (Lock, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("lock %q: %w", dgst, err)
	}

	path := filepath.Join(l.dir, dgst.Algorithm().String(), dgst.Encoded()+".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	// flock has no deadline, so poll with LOCK_NB to honour ctx.
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(filePollInterval):
		}
	}
}

type fileLock struct {
	f *os.File
}

func (l *fileLock) Release() error {
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return errors.Join(unlockErr, l.f.Close())
}

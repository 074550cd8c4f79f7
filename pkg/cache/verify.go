package cache

import (
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

// DigestMismatchError reports content whose hash differs from the digest it
// was stored or requested under.
type DigestMismatchError struct {
	Path     string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *DigestMismatchError) Unwrap() error {
	return errdefs.ErrDataLoss
}

// VerifyFile hashes the file at path with the algorithm of dgst and compares
// the result to dgst.
func VerifyFile(path string, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return verifyReader(f, path, dgst)
}

func verifyReader(r io.Reader, path string, dgst digest.Digest) error {
	digester := dgst.Algorithm().Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}

	if actual := digester.Digest(); actual != dgst {
		return &DigestMismatchError{Path: path, Expected: dgst, Actual: actual}
	}
	return nil
}

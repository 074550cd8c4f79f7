package oci

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// RegistryError is a failed exchange with a registry. StatusCode is 0 when no
// response was received.
type RegistryError struct {
	Op         string
	Ref        string
	StatusCode int
	Err        error
}

func (e *RegistryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry %s %s: status %d: %v", e.Op, e.Ref, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *RegistryError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable, e.Err}
}

type MissingLabelError struct {
	Label string
}

func (e *MissingLabelError) Error() string {
	return fmt.Sprintf("image config is missing label %q", e.Label)
}

func (e *MissingLabelError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

type UnsupportedArchitectureError struct {
	Architecture string
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("unsupported architecture %q", e.Architecture)
}

func (e *UnsupportedArchitectureError) Unwrap() error {
	return errdefs.ErrNotImplemented
}

// ArchiveFormatError is returned for image archives that cannot be read as a
// single docker-archive image.
type ArchiveFormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ArchiveFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image archive %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("image archive %s: %s", e.Path, e.Reason)
}

func (e *ArchiveFormatError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrInvalidArgument}
	}
	return []error{errdefs.ErrInvalidArgument, e.Err}
}

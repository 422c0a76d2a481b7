// Package vmemerrors defines the sentinel error kinds produced by the core,
// as laid out in the error handling design: out-of-address-space,
// backing-store-io, populate-failed, kernel-userfault and invalid-source.
package vmemerrors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrOutOfAddressSpace = errors.New("vmemcore: arena exhausted")
	ErrBackingStoreIO    = errors.New("vmemcore: backing store io failed")
	ErrPopulateFailed    = errors.New("vmemcore: populate callback failed")
	ErrKernelUserfault   = errors.New("vmemcore: userfault registration or ioctl failed")
	ErrInvalidSource     = errors.New("vmemcore: invalid source")

	// ErrShuttingDown is the error kind for an operation attempted on an
	// object or on the core while it is tearing down. No function in this
	// module returns it.
	ErrShuttingDown = errors.New("vmemcore: shutting down")
)

// Wrap attaches call-site context to one of the sentinel kinds above while
// keeping it matchable with errors.Is.
func Wrap(kind error, context string) error {
	return pkgerrors.Wrapf(kind, "%s", context)
}

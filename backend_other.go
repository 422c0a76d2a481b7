//go:build !linux

package vmem

import (
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/vmemerrors"
)

func newBackend() (pageio.Backend, error) {
	return nil, vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "userfaultfd is only available on linux")
}

//go:build linux

package vmem

import "github.com/vmemcore/vmemcore/internal/pageio"

func newBackend() (pageio.Backend, error) {
	return pageio.NewUFFD()
}

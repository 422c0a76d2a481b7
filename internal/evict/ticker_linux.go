//go:build linux

package evict

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// linuxTicker drives the eviction sweep off a timerfd rather than
// time.NewTicker, matching the teacher's own timerfd-backed Timer
// (internal/timer_linux.go) instead of reaching for the runtime timer
// wheel. Wait polls with a bounded timeout and checks closed rather than
// blocking in Read indefinitely, the same waitReadable shape
// internal/pageio's UFFD uses, so Stop() never races a concurrent read.
type linuxTicker struct {
	fd     int
	closed atomic.Bool
}

func newTicker(period time.Duration) (ticker, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(period.Nanoseconds()),
		Interval: unix.NsecToTimespec(period.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &linuxTicker{fd: fd}, nil
}

func (t *linuxTicker) Wait() bool {
	buf := make([]byte, 8)
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	for {
		if t.closed.Load() {
			return false
		}
		n, err := unix.Poll(fds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false
		}
		if n == 0 {
			continue
		}
		if _, err := unix.Read(t.fd, buf); err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return false
		}
		return true
	}
}

func (t *linuxTicker) Stop() {
	if t.closed.CompareAndSwap(false, true) {
		unix.Close(t.fd)
	}
}

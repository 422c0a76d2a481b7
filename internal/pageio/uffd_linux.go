//go:build linux

package pageio

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmemcore/vmemcore/internal/vmemerrors"
)

// UFFD wraps a Linux userfaultfd file descriptor as a Backend.
//
// Grounded on talostrading-sonic's internal/poll_linux.go: that file
// drives epoll with raw RawSyscall6 calls against a fixed-shape struct
// (its Event) rather than golang.org/x/sys/unix helpers, because the
// kernel struct it speaks (epoll_event) isn't wrapped by x/sys/unix in a
// form the poller wants. userfaultfd's ioctls are in the same position --
// x/sys/unix has no uffdio_* struct or ioctl-number helpers -- so this
// file follows the same raw-syscall idiom: hand-rolled struct layouts
// matching linux/userfaultfd.h, and unix.Syscall(unix.SYS_IOCTL, ...)
// in place of a typed wrapper.
type UFFD struct {
	fd     int
	closed atomic.Bool
}

const (
	uffdioMagic = 0xAA

	_UFFDIO_REGISTER   = 0x00
	_UFFDIO_UNREGISTER = 0x01
	_UFFDIO_COPY       = 0x03
	_UFFDIO_ZEROPAGE   = 0x04
	_UFFDIO_API        = 0x3F

	uffdApiVersion = uint64(0xAA)

	uffdioRegisterModeMissing = uint64(1) << 0

	uffdEventPagefault = 0x12
)

// _IOC replicates linux/ioctl.h's request-number encoding: dir(2) |
// size(14) | type(8) | nr(8), high bits to low, in a 32-bit word.
func ioc(dir, typ, nr, size uintptr) uintptr {
	const (
		nrShift   = 0
		typeShift = nrShift + 8
		sizeShift = typeShift + 8
		dirShift  = sizeShift + 14
	)
	return (dir << dirShift) | (typ << typeShift) | (nr << nrShift) | (size << sizeShift)
}

func iowr(nr uintptr, size uintptr) uintptr { return ioc(3, uffdioMagic, nr, size) }

type uffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropage struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

// uffdMsg mirrors struct uffd_msg: an 8-byte header (event tag plus
// reserved padding) followed by a 24-byte union we only ever interpret as
// the pagefault variant {flags, address, ptid}.
type uffdMsg struct {
	Event    uint8
	reserved [7]byte
	Arg      [24]byte
}

const uffdMsgSize = int(unsafe.Sizeof(uffdMsg{}))

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// NewUFFD creates and API-negotiates a userfaultfd. RegisterRange must
// still be called before any fault in the target range is expected.
func NewUFFD() (*UFFD, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "userfaultfd: "+os.NewSyscallError("userfaultfd", errno).Error())
	}

	api := uffdioAPI{API: uffdApiVersion}
	if err := ioctl(int(fd), iowr(_UFFDIO_API, unsafe.Sizeof(api)), unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return nil, vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "UFFDIO_API: "+err.Error())
	}

	// We opened the fd O_NONBLOCK to make Close() reliably interrupt a
	// blocked reader (see AwaitFault); poll for readability ourselves.
	return &UFFD{fd: int(fd)}, nil
}

func (u *UFFD) RegisterRange(base uintptr, size int64) error {
	reg := uffdioRegister{
		Range:  uffdioRange{Start: uint64(base), Len: uint64(size)},
		Mode:   uffdioRegisterModeMissing,
		Ioctls: 0,
	}
	if err := ioctl(u.fd, iowr(_UFFDIO_REGISTER, unsafe.Sizeof(reg)), unsafe.Pointer(&reg)); err != nil {
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "UFFDIO_REGISTER: "+err.Error())
	}
	return nil
}

func (u *UFFD) AwaitFault() (FaultEvent, error) {
	buf := make([]byte, uffdMsgSize)
	for {
		if u.closed.Load() {
			return FaultEvent{}, ErrClosed
		}

		n, err := unix.Read(u.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				if waitErr := u.waitReadable(); waitErr != nil {
					if u.closed.Load() {
						return FaultEvent{}, ErrClosed
					}
					return FaultEvent{}, vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "poll uffd: "+waitErr.Error())
				}
				continue
			}
			if u.closed.Load() {
				return FaultEvent{}, ErrClosed
			}
			return FaultEvent{}, vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "read uffd: "+err.Error())
		}
		if n < uffdMsgSize {
			continue
		}

		event := buf[0]
		if event != uffdEventPagefault {
			continue
		}

		// arg layout for the pagefault variant: flags(8) address(8) ptid(4)
		addr := binary.LittleEndian.Uint64(buf[8+8 : 8+16])
		return FaultEvent{Address: uintptr(addr)}, nil
	}
}

func (u *UFFD) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
		if u.closed.Load() {
			return ErrClosed
		}
	}
}

func (u *UFFD) InstallPage(dst uintptr, data []byte) error {
	copyReq := uffdioCopy{
		Dst:  uint64(dst),
		Src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len:  uint64(len(data)),
		Mode: 0,
	}
	if err := ioctl(u.fd, iowr(_UFFDIO_COPY, unsafe.Sizeof(copyReq)), unsafe.Pointer(&copyReq)); err != nil {
		if err == unix.EEXIST {
			// Another fault handler already installed this page; the
			// kernel will retry the faulting instruction regardless.
			return nil
		}
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "UFFDIO_COPY: "+err.Error())
	}
	return nil
}

func (u *UFFD) ZeroPage(dst uintptr, size int64) error {
	zp := uffdioZeropage{
		Range: uffdioRange{Start: uint64(dst), Len: uint64(size)},
		Mode:  0,
	}
	if err := ioctl(u.fd, iowr(_UFFDIO_ZEROPAGE, unsafe.Sizeof(zp)), unsafe.Pointer(&zp)); err != nil {
		if err == unix.EEXIST {
			return nil
		}
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "UFFDIO_ZEROPAGE: "+err.Error())
	}
	return nil
}

func (u *UFFD) ReadResident(addr uintptr, out []byte) error {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(out))
	copy(out, src)
	return nil
}

func (u *UFFD) DropPage(addr uintptr, size int64) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "madvise dontneed: "+err.Error())
	}
	return nil
}

func (u *UFFD) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(u.fd)
}

// Package arena implements the Arena Allocator: one large virtually
// contiguous region reserved at startup, carved into page-aligned segments
// for the Object Registry by first-fit.
//
// Grounded on talostrading-sonic's mirrored_buffer.go, which reserves
// address space with an anonymous PROT_NONE mmap and then maps real pages
// into sub-ranges of it with MAP_FIXED. The arena here stops at the
// PROT_NONE reservation -- it never itself maps pages in; that is the
// Populator's job (internal/populate, via internal/pageio's install_page),
// keeping with §4.1's "no physical commit" note.
package arena

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmemcore/vmemcore/internal/pagemath"
	"github.com/vmemcore/vmemcore/internal/vmemerrors"
)

// Arena is a single reserved virtual address range carved into segments.
type Arena struct {
	base     uintptr
	size     int64
	pageSize int64

	mu   sync.Mutex
	free []segment // sorted by addr, coalesced; invariant maintained by insertFree
}

type segment struct {
	addr uintptr
	size int64
}

// Reserve reserves size bytes of virtual address space (rounded up to a
// page multiple) with no physical backing. pageSize must be a power of
// two and match the system page size used elsewhere in the core.
func Reserve(size int64, pageSize int64) (*Arena, error) {
	if !pagemath.IsPowerOfTwo(pageSize) {
		return nil, vmemerrors.Wrap(vmemerrors.ErrInvalidSource, "page size must be a power of two")
	}
	size = pagemath.CeilToPage(size, pageSize)

	b, err := unix.Mmap(
		-1, 0, int(size),
		unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, vmemerrors.Wrap(vmemerrors.ErrOutOfAddressSpace, "reserve arena: "+err.Error())
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	a := &Arena{
		base:     base,
		size:     size,
		pageSize: pageSize,
		free:     []segment{{addr: base, size: size}},
	}
	return a, nil
}

// Base returns the first address of the reserved range.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the total reserved size in bytes.
func (a *Arena) Size() int64 { return a.size }

// Contains reports whether addr falls within the reserved range.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.base+uintptr(a.size)
}

// Alloc hands out a page-aligned segment of at least n bytes, first-fit.
// Returns the segment's base address and its rounded-up size.
func (a *Arena) Alloc(n int64) (uintptr, int64, error) {
	n = pagemath.CeilToPage(n, a.pageSize)
	if n <= 0 {
		return 0, 0, vmemerrors.Wrap(vmemerrors.ErrInvalidSource, "zero-sized allocation")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, seg := range a.free {
		if seg.size < n {
			continue
		}
		addr := seg.addr
		if seg.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = segment{addr: seg.addr + uintptr(n), size: seg.size - n}
		}
		return addr, n, nil
	}

	return 0, 0, vmemerrors.Wrap(vmemerrors.ErrOutOfAddressSpace,
		fmt.Sprintf("no free segment of %d bytes in arena of %d bytes", n, a.size))
}

// Free returns a segment to the free list and ensures no pages remain
// mapped in its range, per §4.1: freeing releases the address range
// without unregistering userfault on the arena as a whole.
func (a *Arena) Free(addr uintptr, n int64) error {
	if err := unix.Madvise(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), unix.MADV_DONTNEED); err != nil {
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, "madvise dontneed on free: "+err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertFree(segment{addr: addr, size: n})
	return nil
}

func (a *Arena) insertFree(s segment) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr >= s.addr })
	a.free = append(a.free, segment{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s

	// Coalesce with the following neighbor, then the preceding one.
	if i+1 < len(a.free) && a.free[i].addr+uintptr(a.free[i].size) == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].addr+uintptr(a.free[i-1].size) == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// FreeBytes returns the total number of unallocated bytes in the arena.
func (a *Arena) FreeBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, s := range a.free {
		total += s.size
	}
	return total
}

// Close releases the entire reserved address range. No segment may be in
// use when Close is called.
func (a *Arena) Close() error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(a.base)), a.size)
	return unix.Munmap(b)
}

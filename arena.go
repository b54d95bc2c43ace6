package quadpool

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena is the buffer a pool hands out blocks of.
type arena struct {
	data    []byte
	backing Backing
}

// newArena allocates a zeroed buffer of size bytes.
func newArena(size int, backing Backing) (*arena, error) {
	switch backing {
	case BackingHeap:
		return &arena{data: make([]byte, size), backing: backing}, nil
	case BackingMmap:
		// Anonymous mappings are zeroed and never scanned by the GC.
		data, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			return nil, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
		}
		return &arena{data: data, backing: backing}, nil
	default:
		return nil, fmt.Errorf("unsupported backing: %v", backing)
	}
}

// slice returns the n bytes at off, capped at n.
// It panics if the range is outside the arena.
func (a *arena) slice(off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(a.data) {
		panic(fmt.Errorf("invariant violation: range [%d, %d) outside the %d-byte arena", off, off+n, len(a.data)))
	}
	return a.data[off : off+n : off+n]
}

// release returns the memory of a mapped arena to the operating system.
// The arena must not be used afterwards.
func (a *arena) release(logger *slog.Logger) {
	if a.backing == BackingMmap && a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			logger.Error("failed to unmap arena", "size", len(a.data), "error", err)
		}
	}
	a.data = nil
}

// offsetOf returns the offset of the byte ptr points to.
func (a *arena) offsetOf(ptr unsafe.Pointer) (int, bool) {
	if len(a.data) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.data)))
	addr := uintptr(ptr)
	if addr < base || addr-base >= uintptr(len(a.data)) {
		return 0, false
	}
	return int(addr - base), true
}

func (a *arena) size() int {
	return len(a.data)
}

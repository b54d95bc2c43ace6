package quadpool

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"
)

const (
	wordSize   = 8
	headerSize = 2 * wordSize // Pool request size, then pool block offset.
	heapAlign  = 8
)

// Heap is a malloc-style allocator over a dedicated pool. Every allocation
// is preceded by a header recording the block it was carved from, so Free
// needs only the returned memory. Heap never waits for memory.
type Heap struct {
	pool *Pool
}

func newHeap(p *Pool) *Heap {
	return &Heap{pool: p}
}

// Pool returns the pool backing the heap.
func (h *Heap) Pool() *Pool {
	return h.pool
}

// Malloc returns size bytes of pool memory aligned to 8 bytes. It fails with
// ErrNoBlock when the pool has no block large enough.
func (h *Heap) Malloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	// A zero-length result still needs a byte to point into.
	req := max(size, 1) + headerSize + heapAlign - 1
	b, err := h.pool.Allocate(context.Background(), req, NoWait)
	if err != nil {
		return nil, err
	}
	return h.carve(b, size)
}

// carve writes the header of b and returns the size bytes following it.
func (h *Heap) carve(b Block, size int) ([]byte, error) {
	mem := h.pool.Bytes(b)
	if mem == nil {
		// The registry was closed after the block was allocated.
		return nil, ErrPoolClosed
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	user := headerSize + int((heapAlign-(addr+headerSize)%heapAlign)%heapAlign)

	hdr := mem[user-headerSize : user]
	binary.LittleEndian.PutUint64(hdr, uint64(b.Size))
	binary.LittleEndian.PutUint64(hdr[wordSize:], uint64(b.Offset))
	return mem[user : user+size : user+max(size, 1)], nil
}

// Free releases memory returned by Malloc. Freeing nil does nothing.
func (h *Heap) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	off, ok := h.pool.offsetOf(unsafe.Pointer(unsafe.SliceData(buf)))
	if !ok || off < headerSize {
		return fmt.Errorf("%w: memory does not belong to pool %q", ErrUnknownBlock, h.pool.name)
	}
	hdr := h.pool.Bytes(Block{Pool: h.pool.id, Offset: off - headerSize, Size: headerSize})
	if hdr == nil {
		return ErrPoolClosed
	}
	req := int(binary.LittleEndian.Uint64(hdr))
	blockOff := int(binary.LittleEndian.Uint64(hdr[wordSize:]))
	if pad := off - blockOff; pad < headerSize || pad >= headerSize+heapAlign || req < pad {
		return fmt.Errorf("%w: corrupted header before offset %d", ErrUnknownBlock, off)
	}
	return h.pool.Release(Block{Pool: h.pool.id, Offset: blockOff, Size: req})
}

// Stats returns the statistics of the backing pool.
func (h *Heap) Stats() Stats {
	return h.pool.Stats()
}

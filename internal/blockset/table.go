// Package blockset implements the size-class table of a quad-block memory
// pool: blocks are tracked in groups of four, larger blocks are split into
// groups of the next smaller class on demand and fully free groups are
// merged back into their parent block by defragmentation.
//
// Offsets are relative to the start of the pool buffer. A Table is not safe
// for concurrent use.
package blockset

import (
	"errors"
	"fmt"
)

// Table tracks the free and allocated blocks of every size class of a pool.
// Class 0 holds the largest blocks.
type Table struct {
	classes      []class
	minBlockSize int
	maxBlocks    int
	size         int
	policy       Policy
	debug        bool
}

// New creates a table whose largest class owns the whole buffer.
func New(config Config) (*Table, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		classes:      make([]class, config.NumClasses),
		minBlockSize: config.MinBlockSize,
		maxBlocks:    config.MaxBlocks,
		size:         config.BufferSize(),
		policy:       config.Policy,
		debug:        config.Debug,
	}
	blockSize := config.MaxBlockSize()
	for i := range t.classes {
		t.classes[i] = class{blockSize: blockSize, capacity: config.capacity(i)}
		blockSize >>= 2
	}
	t.Reset()
	return t, nil
}

// Reset returns every block to the largest class, forgetting all
// allocations. Blocks of a trailing partial group that do not exist are
// marked unavailable.
func (t *Table) Reset() {
	for i := range t.classes {
		clear(t.classes[i].groups)
		t.classes[i].groups = t.classes[i].groups[:0]
	}
	c := &t.classes[0]
	remaining := t.maxBlocks
	base := 0
	for remaining >= groupSize {
		c.groups = append(c.groups, group{base: base, mask: fullMask})
		remaining -= groupSize
		base += c.blockSize * groupSize
	}
	if remaining != 0 {
		c.groups = append(c.groups, group{base: base, mask: fullMask >> (groupSize - remaining)})
	}
}

func (t *Table) NumClasses() int {
	return len(t.classes)
}

// BlockSize returns the block size of class ci.
func (t *Table) BlockSize(ci int) int {
	return t.classes[ci].blockSize
}

// Size returns the number of bytes covered by the table.
func (t *Table) Size() int {
	return t.size
}

func (t *Table) Policy() Policy {
	return t.policy
}

// ClassFor returns the class with the smallest blocks that can hold size
// bytes.
func (t *Table) ClassFor(size int) (int, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	blockSize := t.minBlockSize
	ci := len(t.classes) - 1
	for size > blockSize {
		if ci == 0 {
			return 0, fmt.Errorf(
				"%w: %d bytes exceeds the %d-byte maximum block", ErrSizeTooLarge, size, t.classes[0].blockSize,
			)
		}
		blockSize <<= 2
		ci--
	}
	return ci, nil
}

// Alloc allocates a block that can hold size bytes and returns its offset.
func (t *Table) Alloc(size int) (int, error) {
	ci, err := t.ClassFor(size)
	if err != nil {
		return 0, err
	}
	return t.AllocClass(ci)
}

// AllocClass allocates a block of class ci, splitting larger blocks as
// needed. It returns ErrNoBlock if none is available.
func (t *Table) AllocClass(ci int) (int, error) {
	off, err := t.alloc(ci, ci)
	if err != nil {
		return 0, err
	}
	if t.debug {
		t.mustBeInBounds(off, t.classes[ci].blockSize)
		if err := t.Check(); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// alloc takes a block from class ci, or splits a block of class ci-1 into a
// new group of class ci. top is the class the request was made for; only
// that level may defragment.
func (t *Table) alloc(ci, top int) (int, error) {
	c := &t.classes[ci]
	if off, ok := c.takeFree(); ok {
		return off, nil
	}

	if ci == top && t.policy == AutoDefragBeforeSearch {
		if off, ok, err := t.defragAndRetry(top); ok || err != nil {
			return off, err
		}
	}

	// A full class has no slot for a new group, so a parent block must not
	// be consumed for it.
	if ci > 0 && !c.full() {
		parent, err := t.alloc(ci-1, top)
		if err == nil {
			c.install(parent)
			return parent, nil
		}
		if !errors.Is(err, ErrNoBlock) {
			return 0, err
		}
	}

	if ci == top && t.policy == AutoDefragAfterSearch {
		if off, ok, err := t.defragAndRetry(top); ok || err != nil {
			return off, err
		}
	}
	return 0, ErrNoBlock
}

// defragAndRetry merges the classes below top and retries top once.
func (t *Table) defragAndRetry(top int) (int, bool, error) {
	if _, err := t.Defrag(len(t.classes)-1, top); err != nil {
		return 0, false, err
	}
	off, ok := t.classes[top].takeFree()
	return off, ok, nil
}

// Free returns the block at off, allocated for size bytes, to its class.
func (t *Table) Free(off, size int) error {
	ci, err := t.ClassFor(size)
	if err != nil {
		return err
	}
	return t.FreeClass(ci, off)
}

// FreeClass returns the block at off to class ci.
func (t *Table) FreeClass(ci, off int) error {
	if off < 0 || off >= t.size {
		return fmt.Errorf("%w: offset %d outside the %d-byte buffer", ErrUnknownBlock, off, t.size)
	}
	// A split block is owned by the group carved out of it, not by a caller.
	if ci+1 < len(t.classes) && t.classes[ci+1].groupAt(off) {
		return fmt.Errorf("%w: block at %d is split into %d-byte blocks",
			ErrUnknownBlock, off, t.classes[ci+1].blockSize)
	}
	if err := t.classes[ci].release(off); err != nil {
		return err
	}
	if t.debug {
		return t.Check()
	}
	return nil
}

// Defrag merges every fully free group of classes small down to large+1
// into the free parent block it was split from, smallest class first, and
// returns the number of merged groups. Defrag(NumClasses()-1, 0) merges the
// whole table.
func (t *Table) Defrag(small, large int) (int, error) {
	if large < 0 {
		large = 0
	}
	if small >= len(t.classes) {
		small = len(t.classes) - 1
	}
	merged := 0
	for j := small; j > large; j-- {
		c, parent := &t.classes[j], &t.classes[j-1]
		for i := 0; i < len(c.groups); {
			g := c.groups[i]
			if g.mask != fullMask {
				i++
				continue
			}
			if err := parent.release(g.base); err != nil {
				return merged, fmt.Errorf("merging %d-byte group at %d: %w", c.blockSize, g.base, err)
			}
			// Slot i now holds the former last group; examine it next.
			c.remove(i)
			merged++
		}
	}
	if t.debug {
		return merged, t.Check()
	}
	return merged, nil
}

// DefragAll merges fully free groups across all classes.
func (t *Table) DefragAll() (int, error) {
	return t.Defrag(len(t.classes)-1, 0)
}

func (t *Table) mustBeInBounds(off, n int) {
	if off < 0 || off+n > t.size {
		panic(fmt.Errorf("invariant violation: block [%d, %d) outside the %d-byte buffer", off, off+n, t.size))
	}
}

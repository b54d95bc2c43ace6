package blockset

import (
	"fmt"
	"math/bits"
)

const (
	groupSize       = 4                // Blocks per group.
	fullMask  uint8 = 1<<groupSize - 1 // All blocks of a group free.
	splitMask uint8 = fullMask &^ 1    // First block taken, three free.
)

// group is four contiguous blocks of one class sharing a base offset.
// Bit i of mask is set while the block at base+i*blockSize is free.
type group struct {
	base int
	mask uint8
}

// class holds the active groups of one block size.
//
// groups is a compacted array: removing a group moves the last group into
// its slot, so a group's position is only meaningful until the next merge.
type class struct {
	blockSize int
	capacity  int
	groups    []group
}

func (c *class) full() bool {
	return len(c.groups) >= c.capacity
}

// takeFree allocates the lowest free block of the first group that has one.
func (c *class) takeFree() (int, bool) {
	for i := range c.groups {
		g := &c.groups[i]
		if g.mask == 0 {
			continue
		}
		bit := bits.TrailingZeros8(g.mask)
		g.mask &^= 1 << bit
		return g.base + bit*c.blockSize, true
	}
	return 0, false
}

// install adds a group carved out of a parent block at base. Its first
// block is handed out to the caller.
func (c *class) install(base int) {
	c.groups = append(c.groups, group{base: base, mask: splitMask})
}

// remove deletes group i by moving the last group into its slot.
func (c *class) remove(i int) {
	last := len(c.groups) - 1
	c.groups[i] = c.groups[last]
	c.groups[last] = group{}
	c.groups = c.groups[:last]
}

// release marks the block at off free.
func (c *class) release(off int) error {
	span := c.blockSize * groupSize
	for i := range c.groups {
		g := &c.groups[i]
		if off < g.base || off >= g.base+span {
			continue
		}
		rel := off - g.base
		if rel%c.blockSize != 0 {
			return fmt.Errorf("%w: offset %d is not aligned to a %d-byte block", ErrUnknownBlock, off, c.blockSize)
		}
		bit := uint8(1) << (rel / c.blockSize)
		if g.mask&bit != 0 {
			return fmt.Errorf("%w: offset %d in %d-byte class", ErrDoubleFree, off, c.blockSize)
		}
		g.mask |= bit
		return nil
	}
	return fmt.Errorf("%w: offset %d in %d-byte class", ErrUnknownBlock, off, c.blockSize)
}

// groupAt reports whether a group is based at off.
func (c *class) groupAt(off int) bool {
	for _, g := range c.groups {
		if g.base == off {
			return true
		}
	}
	return false
}

func (c *class) freeBlocks() int {
	n := 0
	for _, g := range c.groups {
		n += bits.OnesCount8(g.mask)
	}
	return n
}

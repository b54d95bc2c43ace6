package blockset

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Group is an exported view of a block group.
type Group struct {
	Base int
	Mask uint8 // Bit i set: block Base+i*BlockSize is free.
}

// Free reports whether block i of the group is free.
func (g Group) Free(i int) bool {
	return g.Mask&(1<<i) != 0
}

// ClassStats describes the occupancy of one class.
type ClassStats struct {
	BlockSize   int
	Groups      int
	Capacity    int
	FreeBlocks  int
	UsedBlocks  int // Blocks handed out to callers.
	SplitBlocks int // Blocks split into a group of the next class.
}

// Stats describes the occupancy of a table.
type Stats struct {
	Size      int
	FreeBytes int
	UsedBytes int
	Classes   []ClassStats
}

// existing returns the number of blocks class ci covers.
func (t *Table) existing(ci int) int {
	if ci == 0 {
		return t.maxBlocks
	}
	return len(t.classes[ci].groups) * groupSize
}

func (t *Table) Stats() Stats {
	s := Stats{Size: t.size, Classes: make([]ClassStats, len(t.classes))}
	for i := range t.classes {
		c := &t.classes[i]
		cs := ClassStats{
			BlockSize:  c.blockSize,
			Groups:     len(c.groups),
			Capacity:   c.capacity,
			FreeBlocks: c.freeBlocks(),
		}
		if i+1 < len(t.classes) {
			cs.SplitBlocks = len(t.classes[i+1].groups)
		}
		cs.UsedBlocks = t.existing(i) - cs.FreeBlocks - cs.SplitBlocks
		s.FreeBytes += cs.FreeBlocks * cs.BlockSize
		s.UsedBytes += cs.UsedBlocks * cs.BlockSize
		s.Classes[i] = cs
	}
	return s
}

// Groups returns the active groups of class ci ordered by base offset.
func (t *Table) Groups(ci int) []Group {
	c := &t.classes[ci]
	out := make([]Group, len(c.groups))
	for i, g := range c.groups {
		out[i] = Group{Base: g.base, Mask: g.mask}
	}
	slices.SortFunc(out, func(a, b Group) int { return cmp.Compare(a.Base, b.Base) })
	return out
}

// Fingerprint hashes the layout of the table independently of the order in
// which groups are stored. Two tables with the same configuration and the
// same free and allocated blocks have the same fingerprint.
func (t *Table) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [binary.MaxVarintLen64]byte
	put := func(v int) {
		n := binary.PutUvarint(buf[:], uint64(v))
		d.Write(buf[:n])
	}
	for i := range t.classes {
		groups := t.Groups(i)
		put(i)
		put(len(groups))
		for _, g := range groups {
			put(g.Base)
			put(int(g.Mask))
		}
	}
	return d.Sum64()
}

// Check verifies the structural invariants of the table: every group lies
// inside the buffer and is aligned to its parent block, every group of a
// smaller class was carved from exactly one split parent block, no class
// exceeds its capacity and blocks missing from a partial group of the
// largest class are never free.
func (t *Table) Check() error {
	for i := range t.classes {
		c := &t.classes[i]
		if len(c.groups) > c.capacity {
			return fmt.Errorf("%w: class %d holds %d groups, capacity %d", ErrInvariant, i, len(c.groups), c.capacity)
		}
		span := c.blockSize * groupSize
		for _, g := range c.groups {
			if g.mask&^fullMask != 0 {
				return fmt.Errorf("%w: class %d group at %d has mask %#x", ErrInvariant, i, g.base, g.mask)
			}
			if g.base < 0 || g.base >= t.size {
				return fmt.Errorf("%w: class %d group at %d outside the buffer", ErrInvariant, i, g.base)
			}
			if g.base%span != 0 {
				return fmt.Errorf("%w: class %d group at %d is not aligned to %d", ErrInvariant, i, g.base, span)
			}
		}
	}

	c0 := &t.classes[0]
	if want := groupsFor(t.maxBlocks); len(c0.groups) != want {
		return fmt.Errorf("%w: class 0 holds %d groups, want %d", ErrInvariant, len(c0.groups), want)
	}
	// The trailing partial group of class 0 must not expose missing blocks.
	if rem := t.maxBlocks % groupSize; rem != 0 {
		last := slices.MaxFunc(c0.groups, func(a, b group) int { return cmp.Compare(a.base, b.base) })
		if missing := fullMask &^ (fullMask >> (groupSize - rem)); last.mask&missing != 0 {
			return fmt.Errorf("%w: missing blocks of the last group are marked free", ErrInvariant)
		}
	}

	// Each child group must sit on a distinct allocated block of its parent.
	for i := 1; i < len(t.classes); i++ {
		parent := &t.classes[i-1]
		owners := make(map[int]bool, len(parent.groups)*groupSize)
		for _, g := range parent.groups {
			for b := 0; b < groupSize; b++ {
				if g.mask&(1<<b) == 0 {
					owners[g.base+b*parent.blockSize] = false
				}
			}
		}
		for _, g := range t.classes[i].groups {
			used, ok := owners[g.base]
			if !ok {
				return fmt.Errorf("%w: class %d group at %d has no allocated parent block", ErrInvariant, i, g.base)
			}
			if used {
				return fmt.Errorf("%w: class %d has two groups at %d", ErrInvariant, i, g.base)
			}
			owners[g.base] = true
		}
	}

	s := t.Stats()
	for i, cs := range s.Classes {
		if cs.UsedBlocks < 0 {
			return fmt.Errorf("%w: class %d accounts %d used blocks", ErrInvariant, i, cs.UsedBlocks)
		}
	}
	if s.FreeBytes+s.UsedBytes != t.size {
		return fmt.Errorf("%w: %d free + %d used bytes != %d", ErrInvariant, s.FreeBytes, s.UsedBytes, t.size)
	}
	return nil
}

// FreeBytes returns the number of free bytes across all classes.
func (t *Table) FreeBytes() int {
	n := 0
	for i := range t.classes {
		n += t.classes[i].freeBlocks() * t.classes[i].blockSize
	}
	return n
}

// Fragmentation returns the share of free bytes held by classes other than
// the largest one, from 0 (all free space in whole maximum blocks) to 1.
func (t *Table) Fragmentation() float64 {
	free := t.FreeBytes()
	if free == 0 {
		return 0
	}
	top := t.classes[0].freeBlocks() * t.classes[0].blockSize
	return float64(free-top) / float64(free)
}

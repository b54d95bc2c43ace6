package blockset

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxClasses bounds the number of size classes of a table.
const MaxClasses = 16

// Policy selects when an allocation that cannot be satisfied defragments the
// classes below the requested one.
type Policy int

const (
	// AutoDefragAfterSearch defragments only after splitting a larger block
	// failed. Fewer defragmentation passes, more fragmented large blocks.
	AutoDefragAfterSearch Policy = iota
	// AutoDefragBeforeSearch defragments before splitting a larger block,
	// preserving large blocks at the cost of more defragmentation passes.
	AutoDefragBeforeSearch
	// AutoDefragNone never defragments implicitly.
	AutoDefragNone
)

func (p Policy) String() string {
	switch p {
	case AutoDefragAfterSearch:
		return "after-search"
	case AutoDefragBeforeSearch:
		return "before-search"
	case AutoDefragNone:
		return "none"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy returns the policy named by s, as printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{AutoDefragAfterSearch, AutoDefragBeforeSearch, AutoDefragNone} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown defrag policy %q", s)
}

// Config describes the size classes of a table.
type Config struct {
	MinBlockSize int // Block size of the smallest class, in bytes.
	NumClasses   int // Number of classes; each class has 4x the block size of the next.
	MaxBlocks    int // Number of blocks of the largest class covering the buffer.

	// Capacities optionally bounds the number of block groups of each class,
	// largest class first. A nil slice gives every class the most groups it
	// could ever need.
	Capacities []int

	Policy Policy
	Debug  bool // Check invariants and bounds after every mutation.
}

// MaxBlockSize returns the block size of the largest class.
func (c Config) MaxBlockSize() int {
	return c.MinBlockSize << (2 * (c.NumClasses - 1))
}

// BufferSize returns the number of bytes covered by the table.
func (c Config) BufferSize() int {
	return c.MaxBlocks * c.MaxBlockSize()
}

func (c Config) Validate() error {
	var errs []error
	if c.MinBlockSize <= 0 {
		errs = append(errs, errors.New("invalid config: MinBlockSize must be positive"))
	}
	if c.NumClasses < 1 || c.NumClasses > MaxClasses {
		errs = append(errs, fmt.Errorf("invalid config: NumClasses must be between 1 and %d", MaxClasses))
	}
	if c.MaxBlocks <= 0 {
		errs = append(errs, errors.New("invalid config: MaxBlocks must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// The buffer size must be representable.
	shift := bits.Len(uint(c.MinBlockSize)) + 2*(c.NumClasses-1) + bits.Len(uint(c.MaxBlocks))
	if shift >= 62 {
		errs = append(errs, errors.New("invalid config: buffer size overflows"))
	}

	if c.Capacities != nil {
		if len(c.Capacities) != c.NumClasses {
			errs = append(errs, fmt.Errorf(
				"invalid config: Capacities has %d entries, want %d", len(c.Capacities), c.NumClasses,
			))
		} else {
			if need := groupsFor(c.MaxBlocks); c.Capacities[0] < need {
				errs = append(errs, fmt.Errorf(
					"invalid config: class 0 capacity %d cannot hold %d blocks (need %d groups)",
					c.Capacities[0], c.MaxBlocks, need,
				))
			}
			for i, n := range c.Capacities[1:] {
				if n < 1 {
					errs = append(errs, fmt.Errorf("invalid config: class %d capacity must be positive", i+1))
				}
			}
		}
	}

	switch c.Policy {
	case AutoDefragAfterSearch, AutoDefragBeforeSearch, AutoDefragNone:
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown policy %v", c.Policy))
	}
	return errors.Join(errs...)
}

// capacity returns the group capacity of class i.
func (c Config) capacity(i int) int {
	if c.Capacities != nil {
		return c.Capacities[i]
	}
	if i == 0 {
		return groupsFor(c.MaxBlocks)
	}
	// Every block of the parent class can be split into one group.
	return c.MaxBlocks << (2 * (i - 1))
}

func groupsFor(blocks int) int {
	return (blocks + groupSize - 1) / groupSize
}

package blockset

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBlock is returned when no block of the requested class is free and
	// none could be split off a larger one.
	ErrNoBlock = errors.New("no block available")

	// ErrSizeTooLarge is returned for a request larger than the largest block.
	ErrSizeTooLarge = errors.New("no class large enough")

	// ErrInvalidSize is returned for a negative request size.
	ErrInvalidSize = errors.New("invalid size")

	// ErrInvariant is wrapped by every error reporting caller misuse or table
	// corruption.
	ErrInvariant = errors.New("invariant violation")

	ErrUnknownBlock = fmt.Errorf("%w: block was not allocated from this class", ErrInvariant)
	ErrDoubleFree   = fmt.Errorf("%w: block is already free", ErrInvariant)
)

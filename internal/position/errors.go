package position

import "errors"

// ErrZeroQuantity is returned by ApplyFill for a fill with zero delta
// quantity (spec §8 boundary behavior).
var ErrZeroQuantity = errors.New("position: fill quantity must be non-zero")

// ErrNonPositivePrice is returned by ApplyFill for a fill with a
// non-positive price (spec §8 boundary behavior).
var ErrNonPositivePrice = errors.New("position: fill price must be positive")

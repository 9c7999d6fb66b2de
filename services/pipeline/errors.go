package pipeline

import (
	"fmt"
	"strings"
)

// StructuralError rejects a whole document whose markup is missing
// required selectors. It carries every missing selector, not just the
// first one found.
type StructuralError struct {
	Missing []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf(
		"invalid document structure: missing selectors: %s",
		strings.Join(e.Missing, ", "),
	)
}

// PriceError rejects a single item whose price is not a positive
// number.
type PriceError struct {
	Value float64
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("invalid price: %v", e.Value)
}

// IdentityError aborts deduplication when an item carries no identity
// hash. Index is the item's position in the deduplicator input.
type IdentityError struct {
	Index int
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("item at index %d is missing an identity hash", e.Index)
}

package entity

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a base-10 amount in the asset's smallest unit.
// An empty string parses as zero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q: %v", ErrInvalidRequest, s, err)
	}
	return v, nil
}

// AmountFromBig converts a non-negative big.Int that fits in 256 bits.
func AmountFromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidRequest, b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, b)
	}
	return v, nil
}

// AmountOrZero returns a copy of v, or zero when v is nil.
func AmountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// IsPositive reports whether v is non-nil and greater than zero.
func IsPositive(v *uint256.Int) bool {
	return v != nil && !v.IsZero()
}

package entity

import (
	"fmt"
	"strings"
)

// RateMode selects the debt instrument used by the lending protocol.
// The numeric values match Aave V2's interestRateMode argument.
type RateMode uint8

const (
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

// ParseRateMode accepts "stable", "variable", "1" or "2" (case-insensitive).
func ParseRateMode(s string) (RateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "1":
		return RateModeStable, nil
	case "variable", "2":
		return RateModeVariable, nil
	default:
		return 0, fmt.Errorf("%w: unknown rate mode %q", ErrInvalidRequest, s)
	}
}

// Valid reports whether m is one of the known rate modes.
func (m RateMode) Valid() bool {
	return m == RateModeStable || m == RateModeVariable
}

func (m RateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return fmt.Sprintf("RateMode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m RateMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unknown rate mode %d", ErrInvalidRequest, uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RateMode) UnmarshalText(text []byte) error {
	parsed, err := ParseRateMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

package postgres

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgconn"
)

// checkViolation is the SQLSTATE for a failed CHECK constraint.
const checkViolation = "23514"

// numeric renders an amount for a NUMERIC(78,0) parameter.
func numeric(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// parseNumeric parses the text form of a NUMERIC(78,0) column.
func parseNumeric(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored amount %q: %w", s, err)
	}
	return v, nil
}

func addressBytes(a common.Address) []byte {
	return a.Bytes()
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("stored address has %d bytes", len(b))
	}
	return common.BytesToAddress(b), nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == checkViolation
}

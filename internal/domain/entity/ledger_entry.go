package entity

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EntryKind identifies which ledger record an entry moves and in which direction.
type EntryKind string

const (
	EntryDeposit    EntryKind = "deposit"
	EntryWithdrawal EntryKind = "withdrawal"
	EntryBorrow     EntryKind = "borrow"
	EntryRepay      EntryKind = "repay"
)

// LedgerEntry is a single staged mutation of a deposit or debt record.
type LedgerEntry struct {
	Kind     EntryKind
	User     common.Address
	Asset    common.Address
	RateMode RateMode // debt entries only
	Amount   *uint256.Int
}

// IsDebt reports whether the entry targets a DebtRecord.
func (e LedgerEntry) IsDebt() bool {
	return e.Kind == EntryBorrow || e.Kind == EntryRepay
}

// Increases reports whether the entry adds to its record.
func (e LedgerEntry) Increases() bool {
	return e.Kind == EntryDeposit || e.Kind == EntryBorrow
}

// Validate checks the entry's shape; it does not look at balances.
func (e LedgerEntry) Validate() error {
	switch e.Kind {
	case EntryDeposit, EntryWithdrawal, EntryBorrow, EntryRepay:
	default:
		return fmt.Errorf("%w: unknown entry kind %q", ErrInvalidRequest, e.Kind)
	}
	if e.User == (common.Address{}) {
		return fmt.Errorf("%w: entry user is the zero address", ErrInvalidRequest)
	}
	if e.Asset == (common.Address{}) {
		return fmt.Errorf("%w: entry asset is the zero address", ErrInvalidRequest)
	}
	if e.IsDebt() && !e.RateMode.Valid() {
		return fmt.Errorf("%w: debt entry without a valid rate mode", ErrInvalidRequest)
	}
	if e.Amount == nil {
		return fmt.Errorf("%w: entry amount is nil", ErrInvalidRequest)
	}
	return nil
}

// Apply returns the balance that results from applying e to current.
// Decreases below zero fail with ErrInsufficientLedgerBalance.
func (e LedgerEntry) Apply(current *uint256.Int) (*uint256.Int, error) {
	cur := AmountOrZero(current)
	if e.Increases() {
		next, overflow := new(uint256.Int).AddOverflow(cur, e.Amount)
		if overflow {
			return nil, fmt.Errorf("%w: %s %s on %s", ErrAmountOverflow, e.Kind, e.Amount.Dec(), cur.Dec())
		}
		return next, nil
	}
	next, underflow := new(uint256.Int).SubOverflow(cur, e.Amount)
	if underflow {
		return nil, fmt.Errorf("%w: %s of %s exceeds recorded %s (user=%s asset=%s)",
			ErrInsufficientLedgerBalance, e.Kind, e.Amount.Dec(), cur.Dec(), e.User.Hex(), e.Asset.Hex())
	}
	return next, nil
}

// DepositKey identifies a DepositRecord.
type DepositKey struct {
	User  common.Address
	Asset common.Address
}

// DebtKey identifies a DebtRecord.
type DebtKey struct {
	User     common.Address
	Asset    common.Address
	RateMode RateMode
}

// DepositKey returns the deposit record key targeted by e.
func (e LedgerEntry) DepositKey() DepositKey {
	return DepositKey{User: e.User, Asset: e.Asset}
}

// DebtKey returns the debt record key targeted by e.
func (e LedgerEntry) DebtKey() DebtKey {
	return DebtKey{User: e.User, Asset: e.Asset, RateMode: e.RateMode}
}

// DepositRecord is a user's cumulative net collateral contribution for one asset.
type DepositRecord struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

// DebtRecord is a user's cumulative net borrowing for one asset and rate mode.
type DebtRecord struct {
	User     common.Address
	Asset    common.Address
	RateMode RateMode
	Amount   *uint256.Int
}

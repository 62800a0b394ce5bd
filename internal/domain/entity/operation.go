package entity

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OperationKind names a composite position operation.
type OperationKind string

const (
	OperationDepositAndBorrow   OperationKind = "DepositAndBorrow"
	OperationPaybackAndWithdraw OperationKind = "PaybackAndWithdraw"
)

// Operation is the journal record of a committed composite call.
//
// For DepositAndBorrow, CollateralAmount is the amount supplied and the Debt* fields
// describe the borrow leg. For PaybackAndWithdraw, CollateralAmount is the amount
// withdrawn and the Debt* fields describe the repay leg.
type Operation struct {
	ID               uuid.UUID
	Kind             OperationKind
	Caller           common.Address
	CollateralAsset  common.Address
	CollateralAmount *uint256.Int
	DebtAsset        common.Address
	DebtRequested    *uint256.Int
	DebtActual       *uint256.Int
	RateMode         RateMode
	CreatedAt        time.Time
}

// Event returns the completion notification recorded by this operation.
func (o *Operation) Event() PositionEvent {
	switch o.Kind {
	case OperationPaybackAndWithdraw:
		return PaybackAndWithdrawEvent{
			CollateralAsset:      o.CollateralAsset,
			WithdrawAmount:       AmountOrZero(o.CollateralAmount),
			RepayAmountRequested: AmountOrZero(o.DebtRequested),
			RepayAmountActual:    AmountOrZero(o.DebtActual),
			RateMode:             o.RateMode,
			Caller:               o.Caller,
			OperationID:          o.ID,
			DebtAsset:            o.DebtAsset,
			OccurredAt:           o.CreatedAt,
		}
	default:
		return DepositAndBorrowEvent{
			CollateralAsset:     o.CollateralAsset,
			CollateralAmount:    AmountOrZero(o.CollateralAmount),
			DebtAmountRequested: AmountOrZero(o.DebtRequested),
			DebtAmountActual:    AmountOrZero(o.DebtActual),
			RateMode:            o.RateMode,
			Caller:              o.Caller,
			OperationID:         o.ID,
			DebtAsset:           o.DebtAsset,
			OccurredAt:          o.CreatedAt,
		}
	}
}

// DepositAndBorrowRequest is the input of PositionOrchestrator.DepositAndBorrow.
// A nil or zero amount skips the corresponding leg.
type DepositAndBorrowRequest struct {
	OperationID      uuid.UUID
	Caller           common.Address
	CollateralAsset  common.Address
	CollateralAmount *uint256.Int
	DebtAsset        common.Address
	DebtAmount       *uint256.Int
	RateMode         RateMode
}

// Normalize replaces nil amounts with zero and assigns an operation ID when missing.
// Without a debt leg the rate mode is unused, and an unknown one is cleared.
func (r *DepositAndBorrowRequest) Normalize() {
	r.CollateralAmount = AmountOrZero(r.CollateralAmount)
	r.DebtAmount = AmountOrZero(r.DebtAmount)
	r.RateMode = rateModeForLeg(r.RateMode, r.DebtAmount)
	if r.OperationID == uuid.Nil {
		r.OperationID = uuid.New()
	}
}

// Validate checks the request shape. Normalize must have been called.
func (r *DepositAndBorrowRequest) Validate() error {
	return validateLegs(r.Caller, r.CollateralAsset, r.CollateralAmount, r.DebtAsset, r.DebtAmount, r.RateMode)
}

// PaybackAndWithdrawRequest is the input of PositionOrchestrator.PaybackAndWithdraw.
type PaybackAndWithdrawRequest struct {
	OperationID     uuid.UUID
	Caller          common.Address
	CollateralAsset common.Address
	WithdrawAmount  *uint256.Int
	DebtAsset       common.Address
	RepayAmount     *uint256.Int
	RateMode        RateMode
}

// Normalize replaces nil amounts with zero and assigns an operation ID when missing.
func (r *PaybackAndWithdrawRequest) Normalize() {
	r.WithdrawAmount = AmountOrZero(r.WithdrawAmount)
	r.RepayAmount = AmountOrZero(r.RepayAmount)
	r.RateMode = rateModeForLeg(r.RateMode, r.RepayAmount)
	if r.OperationID == uuid.Nil {
		r.OperationID = uuid.New()
	}
}

// Validate checks the request shape. Normalize must have been called.
func (r *PaybackAndWithdrawRequest) Validate() error {
	return validateLegs(r.Caller, r.CollateralAsset, r.WithdrawAmount, r.DebtAsset, r.RepayAmount, r.RateMode)
}

func validateLegs(caller, collateralAsset common.Address, collateralAmount *uint256.Int, debtAsset common.Address, debtAmount *uint256.Int, mode RateMode) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: caller is the zero address", ErrInvalidRequest)
	}
	if IsPositive(debtAmount) && !mode.Valid() {
		return fmt.Errorf("%w: unknown rate mode %d", ErrInvalidRequest, uint8(mode))
	}
	if IsPositive(collateralAmount) && collateralAsset == (common.Address{}) {
		return fmt.Errorf("%w: collateral asset is the zero address", ErrInvalidRequest)
	}
	if IsPositive(debtAmount) && debtAsset == (common.Address{}) {
		return fmt.Errorf("%w: debt asset is the zero address", ErrInvalidRequest)
	}
	return nil
}

func rateModeForLeg(mode RateMode, debtAmount *uint256.Int) RateMode {
	if !IsPositive(debtAmount) && !mode.Valid() {
		return 0
	}
	return mode
}

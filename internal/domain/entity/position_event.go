package entity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionEvent is the completion notification of a composite operation.
type PositionEvent interface {
	// EventType returns the operation kind that produced the event.
	EventType() OperationKind
	// GetCaller returns the user that invoked the operation.
	GetCaller() common.Address
	// GetOperationID returns the journal ID of the operation.
	GetOperationID() uuid.UUID
}

// DepositAndBorrowEvent mirrors DepositAndBorrow(collateralAsset, collateralAmount,
// debtAmountRequested, debtAmountActual, rateMode, caller). The trailing fields are
// metadata added by this system.
type DepositAndBorrowEvent struct {
	CollateralAsset     common.Address `json:"collateralAsset"`
	CollateralAmount    *uint256.Int   `json:"collateralAmount"`
	DebtAmountRequested *uint256.Int   `json:"debtAmountRequested"`
	DebtAmountActual    *uint256.Int   `json:"debtAmountActual"`
	RateMode            RateMode       `json:"rateMode,omitempty"`
	Caller              common.Address `json:"caller"`

	OperationID uuid.UUID      `json:"operationId"`
	DebtAsset   common.Address `json:"debtAsset"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

func (e DepositAndBorrowEvent) EventType() OperationKind  { return OperationDepositAndBorrow }
func (e DepositAndBorrowEvent) GetCaller() common.Address { return e.Caller }
func (e DepositAndBorrowEvent) GetOperationID() uuid.UUID { return e.OperationID }

// PaybackAndWithdrawEvent mirrors PaybackAndWithdraw(collateralAsset, withdrawAmount,
// repayAmountRequested, repayAmountActual, rateMode, caller).
type PaybackAndWithdrawEvent struct {
	CollateralAsset      common.Address `json:"collateralAsset"`
	WithdrawAmount       *uint256.Int   `json:"withdrawAmount"`
	RepayAmountRequested *uint256.Int   `json:"repayAmountRequested"`
	RepayAmountActual    *uint256.Int   `json:"repayAmountActual"`
	RateMode             RateMode       `json:"rateMode,omitempty"`
	Caller               common.Address `json:"caller"`

	OperationID uuid.UUID      `json:"operationId"`
	DebtAsset   common.Address `json:"debtAsset"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

func (e PaybackAndWithdrawEvent) EventType() OperationKind  { return OperationPaybackAndWithdraw }
func (e PaybackAndWithdrawEvent) GetCaller() common.Address { return e.Caller }
func (e PaybackAndWithdrawEvent) GetOperationID() uuid.UUID { return e.OperationID }

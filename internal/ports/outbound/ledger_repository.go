package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// LedgerRepository persists deposit and debt records and the operation journal.
type LedgerRepository interface {
	// DepositBalance returns the recorded deposit, zero for an unseen key.
	DepositBalance(ctx context.Context, user, asset common.Address) (*uint256.Int, error)

	// DebtBalance returns the recorded debt, zero for an unseen key.
	DebtBalance(ctx context.Context, user, asset common.Address, mode entity.RateMode) (*uint256.Int, error)

	// ApplyEntries applies entries in order and, when op is non-nil, inserts the journal row.
	// Either everything is written or nothing is. A decrease below zero fails with
	// entity.ErrInsufficientLedgerBalance; a duplicate op.ID fails with entity.ErrOperationConflict.
	ApplyEntries(ctx context.Context, op *entity.Operation, entries []entity.LedgerEntry) error

	// GetOperation returns the journal row for id, or nil when none exists.
	GetOperation(ctx context.Context, id uuid.UUID) (*entity.Operation, error)

	// ListDeposits returns every non-zero deposit record.
	ListDeposits(ctx context.Context) ([]entity.DepositRecord, error)

	// ListDebts returns every non-zero debt record.
	ListDebts(ctx context.Context) ([]entity.DebtRecord, error)
}

// Package position_ledger keeps the per-user deposit and debt records.
//
// The ledger never talks to the lending protocol. It records what the
// orchestrator has already executed and enforces the floor policy: a withdrawal
// or repay may never take a record below zero.
package position_ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Batch accumulates entries that must be applied together. Zero amounts are dropped.
type Batch struct {
	entries []entity.LedgerEntry
}

// Deposit stages an increase of user's deposit record.
func (b *Batch) Deposit(user, asset common.Address, amount *uint256.Int) *Batch {
	return b.add(entity.LedgerEntry{Kind: entity.EntryDeposit, User: user, Asset: asset, Amount: amount})
}

// Withdraw stages a decrease of user's deposit record.
func (b *Batch) Withdraw(user, asset common.Address, amount *uint256.Int) *Batch {
	return b.add(entity.LedgerEntry{Kind: entity.EntryWithdrawal, User: user, Asset: asset, Amount: amount})
}

// Borrow stages an increase of user's debt record.
func (b *Batch) Borrow(user, asset common.Address, mode entity.RateMode, amount *uint256.Int) *Batch {
	return b.add(entity.LedgerEntry{Kind: entity.EntryBorrow, User: user, Asset: asset, RateMode: mode, Amount: amount})
}

// Repay stages a decrease of user's debt record.
func (b *Batch) Repay(user, asset common.Address, mode entity.RateMode, amount *uint256.Int) *Batch {
	return b.add(entity.LedgerEntry{Kind: entity.EntryRepay, User: user, Asset: asset, RateMode: mode, Amount: amount})
}

func (b *Batch) add(e entity.LedgerEntry) *Batch {
	if entity.IsPositive(e.Amount) {
		e.Amount = e.Amount.Clone()
		b.entries = append(b.entries, e)
	}
	return b
}

// Entries returns a copy of the staged entries.
func (b *Batch) Entries() []entity.LedgerEntry {
	out := make([]entity.LedgerEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of staged entries.
func (b *Batch) Len() int { return len(b.entries) }

// Ledger is the PositionLedger.
type Ledger struct {
	repo   outbound.LedgerRepository
	logger *slog.Logger
}

// NewLedger creates a ledger over repo.
func NewLedger(repo outbound.LedgerRepository, logger *slog.Logger) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger.With("component", "position-ledger")}, nil
}

// DepositBalance returns the recorded deposit, zero for an unseen key.
func (l *Ledger) DepositBalance(ctx context.Context, user, asset common.Address) (*uint256.Int, error) {
	v, err := l.repo.DepositBalance(ctx, user, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to read deposit balance: %w", err)
	}
	return v, nil
}

// DebtBalance returns the recorded debt, zero for an unseen key.
func (l *Ledger) DebtBalance(ctx context.Context, user, asset common.Address, mode entity.RateMode) (*uint256.Int, error) {
	v, err := l.repo.DebtBalance(ctx, user, asset, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to read debt balance: %w", err)
	}
	return v, nil
}

// RecordDeposit adds amount to user's deposit record.
func (l *Ledger) RecordDeposit(ctx context.Context, user, asset common.Address, amount *uint256.Int) error {
	return l.Commit(ctx, nil, new(Batch).Deposit(user, asset, amount))
}

// RecordWithdrawal subtracts amount from user's deposit record.
func (l *Ledger) RecordWithdrawal(ctx context.Context, user, asset common.Address, amount *uint256.Int) error {
	return l.Commit(ctx, nil, new(Batch).Withdraw(user, asset, amount))
}

// RecordBorrow adds amount to user's debt record.
func (l *Ledger) RecordBorrow(ctx context.Context, user, asset common.Address, mode entity.RateMode, amount *uint256.Int) error {
	return l.Commit(ctx, nil, new(Batch).Borrow(user, asset, mode, amount))
}

// RecordRepay subtracts amount from user's debt record.
func (l *Ledger) RecordRepay(ctx context.Context, user, asset common.Address, mode entity.RateMode, amount *uint256.Int) error {
	return l.Commit(ctx, nil, new(Batch).Repay(user, asset, mode, amount))
}

// Check validates batch against the current records without writing.
// It reports the first entry that would overflow or go below zero.
func (l *Ledger) Check(ctx context.Context, batch *Batch) error {
	deposits := make(map[entity.DepositKey]*uint256.Int)
	debts := make(map[entity.DebtKey]*uint256.Int)

	for _, e := range batch.entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.IsDebt() {
			k := e.DebtKey()
			cur, ok := debts[k]
			if !ok {
				v, err := l.DebtBalance(ctx, k.User, k.Asset, k.RateMode)
				if err != nil {
					return err
				}
				cur = v
			}
			next, err := e.Apply(cur)
			if err != nil {
				return err
			}
			debts[k] = next
			continue
		}
		k := e.DepositKey()
		cur, ok := deposits[k]
		if !ok {
			v, err := l.DepositBalance(ctx, k.User, k.Asset)
			if err != nil {
				return err
			}
			cur = v
		}
		next, err := e.Apply(cur)
		if err != nil {
			return err
		}
		deposits[k] = next
	}
	return nil
}

// Commit applies batch and, when op is non-nil, its journal row in one atomic write.
func (l *Ledger) Commit(ctx context.Context, op *entity.Operation, batch *Batch) error {
	if op == nil && batch.Len() == 0 {
		return nil
	}
	if err := l.repo.ApplyEntries(ctx, op, batch.Entries()); err != nil {
		return fmt.Errorf("failed to commit ledger entries: %w", err)
	}
	for _, e := range batch.entries {
		l.logger.Debug("ledger entry applied",
			"kind", e.Kind,
			"user", e.User.Hex(),
			"asset", e.Asset.Hex(),
			"amount", e.Amount.Dec())
	}
	return nil
}

// Operation returns the journal row for a previously committed operation, or nil.
func (l *Ledger) Operation(ctx context.Context, id uuid.UUID) (*entity.Operation, error) {
	stored, err := l.repo.GetOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return stored, nil
}

// Snapshot returns every non-zero deposit and debt record.
func (l *Ledger) Snapshot(ctx context.Context) ([]entity.DepositRecord, []entity.DebtRecord, error) {
	deposits, err := l.repo.ListDeposits(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	debts, err := l.repo.ListDebts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list debts: %w", err)
	}
	return deposits, debts, nil
}

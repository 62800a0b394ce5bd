// ledger.go provides an in-memory implementation of LedgerRepository.
//
// ApplyEntries stages every entry against a scratch copy of the touched records
// and publishes the result only when all of them succeed, matching the
// all-or-nothing behaviour of the PostgreSQL repository.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that LedgerRepository implements outbound.LedgerRepository
var _ outbound.LedgerRepository = (*LedgerRepository)(nil)

// LedgerRepository is an in-memory ledger for tests and local runs.
type LedgerRepository struct {
	mu         sync.RWMutex
	deposits   map[entity.DepositKey]*uint256.Int
	debts      map[entity.DebtKey]*uint256.Int
	operations map[uuid.UUID]*entity.Operation

	failNext error
}

// NewLedgerRepository creates an empty ledger.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		deposits:   make(map[entity.DepositKey]*uint256.Int),
		debts:      make(map[entity.DebtKey]*uint256.Int),
		operations: make(map[uuid.UUID]*entity.Operation),
	}
}

// FailNextApply makes the next ApplyEntries call return err without writing.
func (r *LedgerRepository) FailNextApply(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// DepositBalance returns the recorded deposit.
func (r *LedgerRepository) DepositBalance(ctx context.Context, user, asset common.Address) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entity.AmountOrZero(r.deposits[entity.DepositKey{User: user, Asset: asset}]), nil
}

// DebtBalance returns the recorded debt.
func (r *LedgerRepository) DebtBalance(ctx context.Context, user, asset common.Address, mode entity.RateMode) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entity.AmountOrZero(r.debts[entity.DebtKey{User: user, Asset: asset, RateMode: mode}]), nil
}

// ApplyEntries applies entries and records op atomically.
func (r *LedgerRepository) ApplyEntries(ctx context.Context, op *entity.Operation, entries []entity.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failNext; err != nil {
		r.failNext = nil
		return err
	}
	if op != nil {
		if _, exists := r.operations[op.ID]; exists {
			return fmt.Errorf("%w: %s", entity.ErrOperationConflict, op.ID)
		}
	}

	deposits := make(map[entity.DepositKey]*uint256.Int)
	debts := make(map[entity.DebtKey]*uint256.Int)
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.IsDebt() {
			k := e.DebtKey()
			cur, ok := debts[k]
			if !ok {
				cur = r.debts[k]
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
			cur = r.deposits[k]
		}
		next, err := e.Apply(cur)
		if err != nil {
			return err
		}
		deposits[k] = next
	}

	for k, v := range deposits {
		r.deposits[k] = v
	}
	for k, v := range debts {
		r.debts[k] = v
	}
	if op != nil {
		stored := *op
		r.operations[op.ID] = &stored
	}
	return nil
}

// GetOperation returns the journal row for id, or nil.
func (r *LedgerRepository) GetOperation(ctx context.Context, id uuid.UUID) (*entity.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[id]
	if !ok {
		return nil, nil
	}
	out := *op
	return &out, nil
}

// ListDeposits returns non-zero deposits ordered by user then asset.
func (r *LedgerRepository) ListDeposits(ctx context.Context) ([]entity.DepositRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.DepositRecord, 0, len(r.deposits))
	for k, v := range r.deposits {
		if v.IsZero() {
			continue
		}
		out = append(out, entity.DepositRecord{User: k.User, Asset: k.Asset, Amount: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].User[:], out[j].User[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out, nil
}

// ListDebts returns non-zero debts ordered by user, asset, then rate mode.
func (r *LedgerRepository) ListDebts(ctx context.Context) ([]entity.DebtRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.DebtRecord, 0, len(r.debts))
	for k, v := range r.debts {
		if v.IsZero() {
			continue
		}
		out = append(out, entity.DebtRecord{User: k.User, Asset: k.Asset, RateMode: k.RateMode, Amount: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].User[:], out[j].User[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(out[i].Asset[:], out[j].Asset[:]); c != 0 {
			return c < 0
		}
		return out[i].RateMode < out[j].RateMode
	})
	return out, nil
}

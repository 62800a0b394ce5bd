package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that LedgerRepository implements outbound.LedgerRepository
var _ outbound.LedgerRepository = (*LedgerRepository)(nil)

// LedgerRepository is a PostgreSQL implementation of outbound.LedgerRepository.
//
// Balances live in deposit_balances and debt_balances as NUMERIC(78,0) with a
// CHECK that keeps them in [0, 2^256). Decreases are conditional updates, so a
// concurrent writer can never push a record below zero.
type LedgerRepository struct {
	pool   *pgxpool.Pool
	txm    *TxManager
	logger *slog.Logger
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(pool *pgxpool.Pool, logger *slog.Logger) (*LedgerRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	txm, err := NewTxManager(pool, logger)
	if err != nil {
		return nil, err
	}
	return &LedgerRepository{
		pool:   pool,
		txm:    txm,
		logger: logger.With("component", "ledger-repository"),
	}, nil
}

// DepositBalance returns the recorded deposit for (user, asset).
func (r *LedgerRepository) DepositBalance(ctx context.Context, user, asset common.Address) (*uint256.Int, error) {
	var amount string
	err := r.pool.QueryRow(ctx,
		`SELECT amount::text FROM deposit_balances WHERE user_address = $1 AND asset = $2`,
		addressBytes(user), addressBytes(asset)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit balance: %w", err)
	}
	return parseNumeric(amount)
}

// DebtBalance returns the recorded debt for (user, asset, mode).
func (r *LedgerRepository) DebtBalance(ctx context.Context, user, asset common.Address, mode entity.RateMode) (*uint256.Int, error) {
	var amount string
	err := r.pool.QueryRow(ctx,
		`SELECT amount::text FROM debt_balances WHERE user_address = $1 AND asset = $2 AND rate_mode = $3`,
		addressBytes(user), addressBytes(asset), int16(mode)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get debt balance: %w", err)
	}
	return parseNumeric(amount)
}

// ApplyEntries writes the journal row and every entry in a single transaction.
func (r *LedgerRepository) ApplyEntries(ctx context.Context, op *entity.Operation, entries []entity.LedgerEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	return r.txm.WithTransaction(ctx, func(tx pgx.Tx) error {
		if op != nil {
			if err := r.insertOperation(ctx, tx, op); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if e.Amount.IsZero() {
				continue
			}
			if err := r.applyEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *LedgerRepository) insertOperation(ctx context.Context, tx pgx.Tx, op *entity.Operation) error {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO position_operations (
			id, kind, caller, collateral_asset, collateral_amount,
			debt_asset, debt_requested, debt_actual, rate_mode, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5::numeric, $6, $7::numeric, $8::numeric, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		op.ID.String(), string(op.Kind), addressBytes(op.Caller),
		addressBytes(op.CollateralAsset), numeric(op.CollateralAmount),
		addressBytes(op.DebtAsset), numeric(op.DebtRequested), numeric(op.DebtActual),
		int16(op.RateMode), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s already recorded", entity.ErrOperationConflict, op.ID)
	}
	return nil
}

func (r *LedgerRepository) applyEntry(ctx context.Context, tx pgx.Tx, e entity.LedgerEntry) error {
	var (
		query string
		args  []any
	)
	switch e.Kind {
	case entity.EntryDeposit:
		query = `
			INSERT INTO deposit_balances (user_address, asset, amount, updated_at)
			VALUES ($1, $2, $3::numeric, NOW())
			ON CONFLICT (user_address, asset)
			DO UPDATE SET amount = deposit_balances.amount + EXCLUDED.amount, updated_at = NOW()`
		args = []any{addressBytes(e.User), addressBytes(e.Asset), numeric(e.Amount)}
	case entity.EntryWithdrawal:
		query = `
			UPDATE deposit_balances SET amount = amount - $3::numeric, updated_at = NOW()
			WHERE user_address = $1 AND asset = $2 AND amount >= $3::numeric`
		args = []any{addressBytes(e.User), addressBytes(e.Asset), numeric(e.Amount)}
	case entity.EntryBorrow:
		query = `
			INSERT INTO debt_balances (user_address, asset, rate_mode, amount, updated_at)
			VALUES ($1, $2, $3, $4::numeric, NOW())
			ON CONFLICT (user_address, asset, rate_mode)
			DO UPDATE SET amount = debt_balances.amount + EXCLUDED.amount, updated_at = NOW()`
		args = []any{addressBytes(e.User), addressBytes(e.Asset), int16(e.RateMode), numeric(e.Amount)}
	case entity.EntryRepay:
		query = `
			UPDATE debt_balances SET amount = amount - $4::numeric, updated_at = NOW()
			WHERE user_address = $1 AND asset = $2 AND rate_mode = $3 AND amount >= $4::numeric`
		args = []any{addressBytes(e.User), addressBytes(e.Asset), int16(e.RateMode), numeric(e.Amount)}
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %s %s for user=%s asset=%s", entity.ErrAmountOverflow,
				e.Kind, e.Amount.Dec(), e.User.Hex(), e.Asset.Hex())
		}
		return fmt.Errorf("failed to apply %s entry: %w", e.Kind, err)
	}
	if !e.Increases() && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s of %s exceeds recorded balance (user=%s asset=%s)",
			entity.ErrInsufficientLedgerBalance, e.Kind, e.Amount.Dec(), e.User.Hex(), e.Asset.Hex())
	}
	return nil
}

// GetOperation returns the journal row for id, or nil when none exists.
func (r *LedgerRepository) GetOperation(ctx context.Context, id uuid.UUID) (*entity.Operation, error) {
	var (
		kind                                string
		caller, collateralAsset, debtAsset  []byte
		collateralAmount, requested, actual string
		rateMode                            int16
		createdAt                           time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT kind, caller, collateral_asset, collateral_amount::text,
		       debt_asset, debt_requested::text, debt_actual::text, rate_mode, created_at
		FROM position_operations WHERE id = $1::uuid`, id.String()).
		Scan(&kind, &caller, &collateralAsset, &collateralAmount,
			&debtAsset, &requested, &actual, &rateMode, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}

	op := &entity.Operation{
		ID:        id,
		Kind:      entity.OperationKind(kind),
		RateMode:  entity.RateMode(rateMode),
		CreatedAt: createdAt.UTC(),
	}
	if op.Caller, err = toAddress(caller); err != nil {
		return nil, err
	}
	if op.CollateralAsset, err = toAddress(collateralAsset); err != nil {
		return nil, err
	}
	if op.DebtAsset, err = toAddress(debtAsset); err != nil {
		return nil, err
	}
	if op.CollateralAmount, err = parseNumeric(collateralAmount); err != nil {
		return nil, err
	}
	if op.DebtRequested, err = parseNumeric(requested); err != nil {
		return nil, err
	}
	if op.DebtActual, err = parseNumeric(actual); err != nil {
		return nil, err
	}
	return op, nil
}

// ListDeposits returns every non-zero deposit record ordered by user and asset.
func (r *LedgerRepository) ListDeposits(ctx context.Context) ([]entity.DepositRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_address, asset, amount::text FROM deposit_balances
		WHERE amount > 0 ORDER BY user_address, asset`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit balances: %w", err)
	}
	defer rows.Close()

	records := make([]entity.DepositRecord, 0)
	for rows.Next() {
		var (
			user, asset []byte
			amount      string
		)
		if err := rows.Scan(&user, &asset, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan deposit balance: %w", err)
		}
		rec := entity.DepositRecord{}
		if rec.User, err = toAddress(user); err != nil {
			return nil, err
		}
		if rec.Asset, err = toAddress(asset); err != nil {
			return nil, err
		}
		if rec.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deposit balances: %w", err)
	}
	return records, nil
}

// ListDebts returns every non-zero debt record ordered by user, asset and rate mode.
func (r *LedgerRepository) ListDebts(ctx context.Context) ([]entity.DebtRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_address, asset, rate_mode, amount::text FROM debt_balances
		WHERE amount > 0 ORDER BY user_address, asset, rate_mode`)
	if err != nil {
		return nil, fmt.Errorf("failed to query debt balances: %w", err)
	}
	defer rows.Close()

	records := make([]entity.DebtRecord, 0)
	for rows.Next() {
		var (
			user, asset []byte
			mode        int16
			amount      string
		)
		if err := rows.Scan(&user, &asset, &mode, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan debt balance: %w", err)
		}
		rec := entity.DebtRecord{RateMode: entity.RateMode(mode)}
		if rec.User, err = toAddress(user); err != nil {
			return nil, err
		}
		if rec.Asset, err = toAddress(asset); err != nil {
			return nil, err
		}
		if rec.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate debt balances: %w", err)
	}
	return records, nil
}

// Package position_orchestrator composes the token custodian, the lending pool
// and the position ledger into the two all-or-nothing position operations.
//
// Each operation runs as a saga: external effects are applied in order, the
// ledger is committed last together with the operation journal row, and any
// failure reverses the already-applied effects newest first. Ledger rejections
// are detected before the first external call.
package position_orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/retry"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
	"github.com/archon-research/stl/stl-wrapper/internal/services/position_ledger"
)

const tracerName = "github.com/archon-research/stl/stl-wrapper/internal/services/position_orchestrator"

// Compile-time check that Service implements inbound.PositionService
var _ inbound.PositionService = (*Service)(nil)

// ValidUserChecker gates position operations.
type ValidUserChecker interface {
	// RequireValidUser returns entity.ErrNotAValidUser unless user is a member.
	RequireValidUser(ctx context.Context, user common.Address) error
}

// Config holds orchestrator tuning.
type Config struct {
	// LockTTL bounds how long one user's operation may hold the per-user lock.
	// Default: 2 minutes
	LockTTL time.Duration

	// OperationTimeout bounds the forward path of one operation. The caller's
	// cancellation is not honored once external effects have started.
	// Default: 5 minutes
	OperationTimeout time.Duration

	// CompensationTimeout bounds the reversal of applied effects after a failure.
	// Default: 5 minutes
	CompensationTimeout time.Duration

	// AllowanceLockRetry paces waiting for another operation's pool allowance
	// on the same asset. Running out of retries fails with ErrOperationInProgress.
	AllowanceLockRetry retry.Config

	Logger *slog.Logger
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		LockTTL:             2 * time.Minute,
		OperationTimeout:    5 * time.Minute,
		CompensationTimeout: 5 * time.Minute,
		AllowanceLockRetry: retry.Config{
			MaxRetries:     200,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		Logger: slog.Default(),
	}
}

// Service is the PositionOrchestrator.
type Service struct {
	config    Config
	users     ValidUserChecker
	ledger    *position_ledger.Ledger
	pool      outbound.LendingPool
	custodian outbound.TokenCustodian
	locker    outbound.Locker
	events    outbound.EventSink
	metrics   outbound.MetricsRecorder
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates the orchestrator. metrics may be nil.
func NewService(
	config Config,
	users ValidUserChecker,
	ledger *position_ledger.Ledger,
	pool outbound.LendingPool,
	custodian outbound.TokenCustodian,
	locker outbound.Locker,
	events outbound.EventSink,
	metrics outbound.MetricsRecorder,
) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("valid user checker is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("position ledger is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("lending pool is required")
	}
	if custodian == nil {
		return nil, fmt.Errorf("token custodian is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	defaults := ConfigDefaults()
	if config.LockTTL == 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = defaults.OperationTimeout
	}
	if config.CompensationTimeout == 0 {
		config.CompensationTimeout = defaults.CompensationTimeout
	}
	if config.AllowanceLockRetry.MaxRetries == 0 {
		config.AllowanceLockRetry = defaults.AllowanceLockRetry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:    config,
		users:     users,
		ledger:    ledger,
		pool:      pool,
		custodian: custodian,
		locker:    locker,
		events:    events,
		metrics:   metrics,
		now:       time.Now,
		logger:    config.Logger.With("component", "position-orchestrator"),
	}, nil
}

// GetUserDepositBalance returns the recorded deposit of user in asset.
func (s *Service) GetUserDepositBalance(ctx context.Context, asset, user common.Address) (*uint256.Int, error) {
	return s.ledger.DepositBalance(ctx, user, asset)
}

// GetUserDebtBalance returns the recorded debt of user in asset for mode.
func (s *Service) GetUserDebtBalance(ctx context.Context, asset, user common.Address, mode entity.RateMode) (*uint256.Int, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown rate mode %d", entity.ErrInvalidRequest, uint8(mode))
	}
	return s.ledger.DebtBalance(ctx, user, asset, mode)
}

// DepositAndBorrow supplies collateralAmount of collateralAsset and borrows debtAmount
// of debtAsset for the caller. Either leg may be zero; both zero is a no-op that still
// records the operation and emits its event.
func (s *Service) DepositAndBorrow(ctx context.Context, req entity.DepositAndBorrowRequest) (entity.DepositAndBorrowEvent, error) {
	req.Normalize()
	start := s.now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "position.DepositAndBorrow",
		trace.WithAttributes(
			attribute.String("operation.id", req.OperationID.String()),
			attribute.String("caller", req.Caller.Hex()),
			attribute.String("collateral.asset", req.CollateralAsset.Hex()),
			attribute.String("collateral.amount", req.CollateralAmount.Dec()),
			attribute.String("debt.asset", req.DebtAsset.Hex()),
			attribute.String("debt.amount", req.DebtAmount.Dec()),
			attribute.String("rate_mode", req.RateMode.String()),
		))
	defer span.End()

	event, replayed, err := s.depositAndBorrow(ctx, req)
	s.finish(ctx, span, entity.OperationDepositAndBorrow, start, replayed, err)
	if err != nil {
		return entity.DepositAndBorrowEvent{}, err
	}
	return event, nil
}

func (s *Service) depositAndBorrow(ctx context.Context, req entity.DepositAndBorrowRequest) (entity.DepositAndBorrowEvent, bool, error) {
	kind := entity.OperationDepositAndBorrow
	release, err := s.admit(ctx, req.Caller, req.Validate)
	if err != nil {
		return entity.DepositAndBorrowEvent{}, false, err
	}
	defer release()

	if prior, err := s.replay(ctx, req.OperationID, req.Caller, kind); err != nil || prior != nil {
		if err != nil {
			return entity.DepositAndBorrowEvent{}, false, err
		}
		return prior.Event().(entity.DepositAndBorrowEvent), true, nil
	}

	batch := new(position_ledger.Batch).
		Deposit(req.Caller, req.CollateralAsset, req.CollateralAmount).
		Borrow(req.Caller, req.DebtAsset, req.RateMode, req.DebtAmount)
	if err := s.ledger.Check(ctx, batch); err != nil {
		return entity.DepositAndBorrowEvent{}, false, err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.OperationTimeout)
	defer cancel()

	self := s.custodian.Address()
	sg := newSaga(kind, s.logger.With("operation", req.OperationID.String()), s.metrics)

	if entity.IsPositive(req.CollateralAmount) {
		asset, amount := req.CollateralAsset, req.CollateralAmount
		if err := sg.run(sctx, "pull-collateral",
			func(ctx context.Context) error { return s.custodian.Pull(ctx, asset, req.Caller, amount) },
			func(ctx context.Context) error { return s.custodian.Push(ctx, asset, req.Caller, amount) },
		); err != nil {
			return entity.DepositAndBorrowEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
		if err := sg.run(sctx, "supply",
			func(ctx context.Context) error {
				return s.withAllowance(ctx, asset, amount, func(ctx context.Context) error {
					return s.pool.Supply(ctx, asset, amount, self)
				})
			},
			func(ctx context.Context) error {
				_, err := s.pool.Redeem(ctx, asset, amount, self)
				return err
			},
		); err != nil {
			return entity.DepositAndBorrowEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
	}

	if entity.IsPositive(req.DebtAmount) {
		asset, amount, mode := req.DebtAsset, req.DebtAmount, req.RateMode
		if err := sg.run(sctx, "borrow",
			func(ctx context.Context) error { return s.pool.Borrow(ctx, asset, amount, mode, self) },
			func(ctx context.Context) error {
				return s.withAllowance(ctx, asset, amount, func(ctx context.Context) error {
					_, err := s.pool.Repay(ctx, asset, amount, mode, self)
					return err
				})
			},
		); err != nil {
			return entity.DepositAndBorrowEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
		if err := sg.run(sctx, "push-debt",
			func(ctx context.Context) error { return s.custodian.Push(ctx, asset, req.Caller, amount) },
			func(ctx context.Context) error { return s.custodian.Pull(ctx, asset, req.Caller, amount) },
		); err != nil {
			return entity.DepositAndBorrowEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
	}

	op := &entity.Operation{
		ID:               req.OperationID,
		Kind:             kind,
		Caller:           req.Caller,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: req.CollateralAmount.Clone(),
		DebtAsset:        req.DebtAsset,
		DebtRequested:    req.DebtAmount.Clone(),
		DebtActual:       req.DebtAmount.Clone(),
		RateMode:         req.RateMode,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.ledger.Commit(sctx, op, batch); err != nil {
		return entity.DepositAndBorrowEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
	}

	event := op.Event().(entity.DepositAndBorrowEvent)
	s.publish(sctx, event)
	return event, false, nil
}

// PaybackAndWithdraw repays up to repayAmount of debtAsset and withdraws
// withdrawAmount of collateralAsset for the caller. The ledger records the amount
// the protocol actually accepted; any excess pulled for the repay is refunded.
func (s *Service) PaybackAndWithdraw(ctx context.Context, req entity.PaybackAndWithdrawRequest) (entity.PaybackAndWithdrawEvent, error) {
	req.Normalize()
	start := s.now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "position.PaybackAndWithdraw",
		trace.WithAttributes(
			attribute.String("operation.id", req.OperationID.String()),
			attribute.String("caller", req.Caller.Hex()),
			attribute.String("collateral.asset", req.CollateralAsset.Hex()),
			attribute.String("withdraw.amount", req.WithdrawAmount.Dec()),
			attribute.String("debt.asset", req.DebtAsset.Hex()),
			attribute.String("repay.amount", req.RepayAmount.Dec()),
			attribute.String("rate_mode", req.RateMode.String()),
		))
	defer span.End()

	event, replayed, err := s.paybackAndWithdraw(ctx, req)
	s.finish(ctx, span, entity.OperationPaybackAndWithdraw, start, replayed, err)
	if err != nil {
		return entity.PaybackAndWithdrawEvent{}, err
	}
	return event, nil
}

func (s *Service) paybackAndWithdraw(ctx context.Context, req entity.PaybackAndWithdrawRequest) (entity.PaybackAndWithdrawEvent, bool, error) {
	kind := entity.OperationPaybackAndWithdraw
	release, err := s.admit(ctx, req.Caller, req.Validate)
	if err != nil {
		return entity.PaybackAndWithdrawEvent{}, false, err
	}
	defer release()

	if prior, err := s.replay(ctx, req.OperationID, req.Caller, kind); err != nil || prior != nil {
		if err != nil {
			return entity.PaybackAndWithdrawEvent{}, false, err
		}
		return prior.Event().(entity.PaybackAndWithdrawEvent), true, nil
	}

	// The protocol can only lower the repaid or withdrawn amounts, so checking the
	// requested amounts up front covers the final commit.
	precheck := new(position_ledger.Batch).
		Repay(req.Caller, req.DebtAsset, req.RateMode, req.RepayAmount).
		Withdraw(req.Caller, req.CollateralAsset, req.WithdrawAmount)
	if err := s.ledger.Check(ctx, precheck); err != nil {
		return entity.PaybackAndWithdrawEvent{}, false, err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.OperationTimeout)
	defer cancel()

	self := s.custodian.Address()
	sg := newSaga(kind, s.logger.With("operation", req.OperationID.String()), s.metrics)
	repaid := new(uint256.Int)
	withdrawn := new(uint256.Int)

	if entity.IsPositive(req.RepayAmount) {
		asset, amount, mode := req.DebtAsset, req.RepayAmount, req.RateMode
		if err := sg.run(sctx, "pull-repayment",
			func(ctx context.Context) error { return s.custodian.Pull(ctx, asset, req.Caller, amount) },
			func(ctx context.Context) error { return s.custodian.Push(ctx, asset, req.Caller, amount) },
		); err != nil {
			return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
		if err := sg.run(sctx, "repay",
			func(ctx context.Context) error {
				return s.withAllowance(ctx, asset, amount, func(ctx context.Context) error {
					actual, err := s.pool.Repay(ctx, asset, amount, mode, self)
					if err != nil {
						return err
					}
					if actual.Gt(amount) {
						return fmt.Errorf("%w: repaid %s exceeds requested %s", entity.ErrExternalProtocolRejected, actual.Dec(), amount.Dec())
					}
					repaid = actual
					return nil
				})
			},
			func(ctx context.Context) error { return s.pool.Borrow(ctx, asset, repaid, mode, self) },
		); err != nil {
			return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
	}

	if entity.IsPositive(req.WithdrawAmount) {
		asset, amount := req.CollateralAsset, req.WithdrawAmount
		if err := sg.run(sctx, "redeem",
			func(ctx context.Context) error {
				actual, err := s.pool.Redeem(ctx, asset, amount, self)
				if err != nil {
					return err
				}
				if actual.Gt(amount) {
					return fmt.Errorf("%w: redeemed %s exceeds requested %s", entity.ErrExternalProtocolRejected, actual.Dec(), amount.Dec())
				}
				withdrawn = actual
				return nil
			},
			func(ctx context.Context) error {
				return s.withAllowance(ctx, asset, withdrawn, func(ctx context.Context) error {
					return s.pool.Supply(ctx, asset, withdrawn, self)
				})
			},
		); err != nil {
			return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
		if withdrawn.Sign() > 0 {
			if err := sg.run(sctx, "push-withdrawal",
				func(ctx context.Context) error { return s.custodian.Push(ctx, asset, req.Caller, withdrawn) },
				func(ctx context.Context) error { return s.custodian.Pull(ctx, asset, req.Caller, withdrawn) },
			); err != nil {
				return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
			}
		}
	}

	if refund := new(uint256.Int).Sub(req.RepayAmount, repaid); refund.Sign() > 0 {
		asset := req.DebtAsset
		if err := sg.run(sctx, "refund-repayment",
			func(ctx context.Context) error { return s.custodian.Push(ctx, asset, req.Caller, refund) },
			func(ctx context.Context) error { return s.custodian.Pull(ctx, asset, req.Caller, refund) },
		); err != nil {
			return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
		}
	}

	batch := new(position_ledger.Batch).
		Repay(req.Caller, req.DebtAsset, req.RateMode, repaid).
		Withdraw(req.Caller, req.CollateralAsset, withdrawn)
	op := &entity.Operation{
		ID:               req.OperationID,
		Kind:             kind,
		Caller:           req.Caller,
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: withdrawn.Clone(),
		DebtAsset:        req.DebtAsset,
		DebtRequested:    req.RepayAmount.Clone(),
		DebtActual:       repaid.Clone(),
		RateMode:         req.RateMode,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.ledger.Commit(sctx, op, batch); err != nil {
		return entity.PaybackAndWithdrawEvent{}, false, sg.compensate(ctx, s.config.CompensationTimeout, err)
	}

	event := op.Event().(entity.PaybackAndWithdrawEvent)
	s.publish(sctx, event)
	return event, false, nil
}

// admit checks the allowlist, then the request shape, and takes the caller's
// operation lock. The returned release must be called once the operation finishes.
func (s *Service) admit(ctx context.Context, caller common.Address, validate func() error) (func(), error) {
	if err := s.users.RequireValidUser(ctx, caller); err != nil {
		return nil, err
	}
	if err := validate(); err != nil {
		return nil, err
	}

	lock, acquired, err := s.locker.TryLock(ctx, "position:"+caller.Hex(), s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire operation lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", entity.ErrOperationInProgress, caller.Hex())
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(uctx); err != nil {
			s.logger.Warn("failed to release operation lock", "caller", caller.Hex(), "error", err)
		}
	}, nil
}

// errAllowanceBusy marks a pool allowance lock held by another operation.
var errAllowanceBusy = errors.New("pool allowance held by another operation")

// withAllowance grants the pool amount of asset and runs fn, which must consume it.
// The operator has one allowance per asset shared by every user, so the grant and
// its use happen under an asset lock. A failed fn clears the grant before the lock
// is released.
func (s *Service) withAllowance(ctx context.Context, asset common.Address, amount *uint256.Int, fn func(ctx context.Context) error) error {
	key := "allowance:" + asset.Hex()
	lock, err := retry.Do(ctx, s.config.AllowanceLockRetry,
		func(err error) bool { return errors.Is(err, errAllowanceBusy) },
		nil,
		func() (outbound.Unlocker, error) {
			lock, acquired, err := s.locker.TryLock(ctx, key, s.config.LockTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to acquire pool allowance lock: %w", err)
			}
			if !acquired {
				return nil, errAllowanceBusy
			}
			return lock, nil
		})
	if errors.Is(err, errAllowanceBusy) {
		return fmt.Errorf("%w: pool allowance for %s", entity.ErrOperationInProgress, asset.Hex())
	}
	if err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(uctx); err != nil {
			s.logger.Warn("failed to release pool allowance lock", "asset", asset.Hex(), "error", err)
		}
	}()

	if err := s.custodian.Approve(ctx, asset, s.pool.Address(), amount); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if clearErr := s.custodian.Approve(ctx, asset, s.pool.Address(), new(uint256.Int)); clearErr != nil {
			s.logger.Warn("failed to clear pool allowance", "asset", asset.Hex(), "error", clearErr)
		}
		return err
	}
	return nil
}

// replay returns the journal row when the operation ID was already committed by
// the same caller for the same kind. A reuse by anyone else is a conflict.
func (s *Service) replay(ctx context.Context, id uuid.UUID, caller common.Address, kind entity.OperationKind) (*entity.Operation, error) {
	prior, err := s.ledger.Operation(ctx, id)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}
	if prior.Caller != caller || prior.Kind != kind {
		return nil, fmt.Errorf("%w: %s", entity.ErrOperationConflict, id)
	}
	s.logger.Info("replaying committed operation", "operation", id.String(), "kind", kind)
	return prior, nil
}

// publish emits the event. A failed publish does not undo the committed operation.
func (s *Service) publish(ctx context.Context, event entity.PositionEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish position event",
			"operation", event.GetOperationID().String(),
			"type", event.EventType(),
			"error", err)
	}
}

func (s *Service) finish(ctx context.Context, span trace.Span, kind entity.OperationKind, start time.Time, replayed bool, err error) {
	outcome := outcomeOf(err)
	if replayed {
		outcome = outcomeReplayed
	}
	s.metrics.RecordOperation(ctx, kind, outcome, s.now().Sub(start))
	span.SetAttributes(attribute.String("outcome", outcome))

	if err == nil {
		s.logger.Info("position operation completed", "kind", kind, "outcome", outcome)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	if errors.Is(err, entity.ErrCompensationFailed) {
		s.logger.Error("position operation failed and could not be fully reversed", "kind", kind, "error", err)
		return
	}
	s.logger.Info("position operation rejected", "kind", kind, "outcome", outcome, "error", err)
}

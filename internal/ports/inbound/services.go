// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// PositionService is the composite lending surface offered to valid users.
// Inbound adapters (HTTP handlers, the SQS command worker) call these methods.
type PositionService interface {
	// DepositAndBorrow supplies collateral and/or borrows in one all-or-nothing call.
	DepositAndBorrow(ctx context.Context, req entity.DepositAndBorrowRequest) (entity.DepositAndBorrowEvent, error)

	// PaybackAndWithdraw repays debt and/or withdraws collateral in one all-or-nothing call.
	PaybackAndWithdraw(ctx context.Context, req entity.PaybackAndWithdrawRequest) (entity.PaybackAndWithdrawEvent, error)

	// GetUserDepositBalance returns the recorded deposit of user in asset.
	GetUserDepositBalance(ctx context.Context, asset, user common.Address) (*uint256.Int, error)

	// GetUserDebtBalance returns the recorded debt of user in asset for mode.
	GetUserDebtBalance(ctx context.Context, asset, user common.Address, mode entity.RateMode) (*uint256.Int, error)
}

// AccessService administers the valid user set.
type AccessService interface {
	// AddValidUser adds user on behalf of caller. Only the administrator may call it.
	AddValidUser(ctx context.Context, caller, user common.Address) (bool, error)

	// RemoveValidUser removes user on behalf of caller. Only the administrator may call it.
	RemoveValidUser(ctx context.Context, caller, user common.Address) (bool, error)

	// GetValidUsers lists members in insertion order.
	GetValidUsers(ctx context.Context) ([]common.Address, error)

	// IsValidUser reports membership.
	IsValidUser(ctx context.Context, user common.Address) (bool, error)
}

// HealthChecker defines the interface for services that can report readiness and liveness.
type HealthChecker interface {
	// IsReady returns true when the service can handle traffic.
	// For the API this means its backing stores answered the last probe.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	IsHealthy() bool
}

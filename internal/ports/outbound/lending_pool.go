package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// LendingPool is the narrow surface of the external lending protocol.
// Every failure is wrapped with entity.ErrExternalProtocolRejected.
type LendingPool interface {
	// Address returns the pool contract that must be granted token allowances.
	Address() common.Address

	// Supply deposits amount of asset as collateral credited to onBehalfOf.
	Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error

	// Borrow draws amount of asset against onBehalfOf's collateral; the funds go to the caller of the pool.
	Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) error

	// Repay repays up to amount of onBehalfOf's debt and returns the amount actually repaid.
	Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) (*uint256.Int, error)

	// Redeem withdraws up to amount of supplied asset to `to` and returns the amount actually withdrawn.
	Redeem(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error)
}

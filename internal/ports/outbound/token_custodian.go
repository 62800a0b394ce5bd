package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenCustodian moves fungible tokens between users and the wrapper's own account.
type TokenCustodian interface {
	// Address returns the account that holds tokens in flight and the protocol position.
	Address() common.Address

	// Pull transfers amount of asset from `from` to the custodian using a prior allowance.
	// A missing allowance or balance fails with entity.ErrInsufficientAllowanceOrBalance.
	Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error

	// Push transfers amount of asset from the custodian to `to`.
	Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error

	// Approve sets the custodian's allowance for spender to exactly amount.
	Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error
}

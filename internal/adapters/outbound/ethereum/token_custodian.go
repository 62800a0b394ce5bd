package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that TokenCustodian implements outbound.TokenCustodian
var _ outbound.TokenCustodian = (*TokenCustodian)(nil)

// TokenCustodian moves ERC-20 tokens in and out of the operator account.
type TokenCustodian struct {
	tx     *Transactor
	abi    *abi.ABI
	logger *slog.Logger
}

// NewTokenCustodian creates a custodian whose account is the transactor's operator.
func NewTokenCustodian(tx *Transactor, logger *slog.Logger) (*TokenCustodian, error) {
	if tx == nil {
		return nil, fmt.Errorf("transactor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &TokenCustodian{
		tx:     tx,
		abi:    parsed,
		logger: logger.With("component", "erc20-custodian"),
	}, nil
}

// Address returns the operator account.
func (c *TokenCustodian) Address() common.Address {
	return c.tx.From()
}

// BalanceOf reads balanceOf(holder) on asset.
func (c *TokenCustodian) BalanceOf(ctx context.Context, asset, holder common.Address) (*uint256.Int, error) {
	return c.readUint(ctx, asset, "balanceOf", holder)
}

// Allowance reads allowance(owner, spender) on asset.
func (c *TokenCustodian) Allowance(ctx context.Context, asset, owner, spender common.Address) (*uint256.Int, error) {
	return c.readUint(ctx, asset, "allowance", owner, spender)
}

func (c *TokenCustodian) readUint(ctx context.Context, asset common.Address, method string, args ...any) (*uint256.Int, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := c.tx.Call(ctx, asset, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, asset.Hex(), err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("failed to unpack %s on %s: %v", method, asset.Hex(), err)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s returned %T", method, asset.Hex(), values[0])
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%s on %s overflows uint256", method, asset.Hex())
	}
	return v, nil
}

// Pull calls transferFrom(from, operator, amount) after checking balance and allowance.
func (c *TokenCustodian) Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	self := c.Address()

	balance, err := c.BalanceOf(ctx, asset, from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: balance %s below %s of %s for %s",
			entity.ErrInsufficientAllowanceOrBalance, balance.Dec(), amount.Dec(), asset.Hex(), from.Hex())
	}
	allowance, err := c.Allowance(ctx, asset, from, self)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: allowance %s below %s of %s for %s",
			entity.ErrInsufficientAllowanceOrBalance, allowance.Dec(), amount.Dec(), asset.Hex(), from.Hex())
	}

	err = c.write(ctx, asset, "transferFrom", from, self, amount.ToBig())
	if errors.Is(err, ErrReverted) {
		return fmt.Errorf("%w: %v", entity.ErrInsufficientAllowanceOrBalance, err)
	}
	return err
}

// Push calls transfer(to, amount) from the operator.
func (c *TokenCustodian) Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	return c.write(ctx, asset, "transfer", to, amount.ToBig())
}

// Approve sets the operator's allowance for spender. A non-zero allowance is
// reset to zero first for tokens that reject changing one non-zero value to another.
func (c *TokenCustodian) Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error {
	current, err := c.Allowance(ctx, asset, c.Address(), spender)
	if err != nil {
		return err
	}
	if current.Eq(amount) {
		return nil
	}
	if !current.IsZero() && !amount.IsZero() {
		if err := c.write(ctx, asset, "approve", spender, new(big.Int)); err != nil {
			return err
		}
	}
	return c.write(ctx, asset, "approve", spender, amount.ToBig())
}

// write simulates method, rejects an explicit false return, then sends it.
// Tokens that return no data are accepted.
func (c *TokenCustodian) write(ctx context.Context, asset common.Address, method string, args ...any) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := c.tx.Call(ctx, asset, data)
	if err != nil {
		return fmt.Errorf("simulated %s on %s failed: %w", method, asset.Hex(), err)
	}
	if len(out) > 0 {
		values, err := c.abi.Unpack(method, out)
		if err == nil && len(values) == 1 {
			if ok, isBool := values[0].(bool); isBool && !ok {
				return fmt.Errorf("%w: %s on %s returned false", ErrReverted, method, asset.Hex())
			}
		}
	}

	if _, err := c.tx.Send(ctx, method, asset, data); err != nil {
		return fmt.Errorf("%s on %s failed: %w", method, asset.Hex(), err)
	}
	c.logger.Debug("token call mined", "method", method, "asset", asset.Hex())
	return nil
}

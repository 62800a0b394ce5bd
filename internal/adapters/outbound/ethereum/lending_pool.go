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

// Compile-time check that LendingPool implements outbound.LendingPool
var _ outbound.LendingPool = (*LendingPool)(nil)

// AaveV2LendingPoolMainnet is the Aave V2 LendingPool proxy on Ethereum mainnet.
var AaveV2LendingPoolMainnet = common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9")

// LendingPoolConfig configures the Aave V2 adapter.
type LendingPoolConfig struct {
	// Address is the LendingPool proxy.
	Address common.Address

	// ReferralCode is passed to deposit and borrow.
	ReferralCode uint16

	Logger *slog.Logger
}

// LendingPoolConfigDefaults returns the mainnet pool with no referral.
func LendingPoolConfigDefaults() LendingPoolConfig {
	return LendingPoolConfig{
		Address: AaveV2LendingPoolMainnet,
	}
}

// LendingPool drives an Aave V2 LendingPool from the operator account.
type LendingPool struct {
	tx      *Transactor
	abi     *abi.ABI
	address common.Address
	config  LendingPoolConfig
	logger  *slog.Logger
}

// NewLendingPool creates the adapter.
func NewLendingPool(tx *Transactor, config LendingPoolConfig) (*LendingPool, error) {
	if tx == nil {
		return nil, fmt.Errorf("transactor is required")
	}
	if config.Address == (common.Address{}) {
		config.Address = LendingPoolConfigDefaults().Address
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	parsed, err := LendingPoolABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse lending pool ABI: %w", err)
	}
	return &LendingPool{
		tx:      tx,
		abi:     parsed,
		address: config.Address,
		config:  config,
		logger:  config.Logger.With("component", "aave-v2-pool", "pool", config.Address.Hex()),
	}, nil
}

// Address returns the pool contract.
func (p *LendingPool) Address() common.Address {
	return p.address
}

func rejected(method string, err error) error {
	if errors.Is(err, entity.ErrExternalProtocolRejected) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", entity.ErrExternalProtocolRejected, method, err)
}

func (p *LendingPool) pack(method string, args ...any) ([]byte, error) {
	data, err := p.abi.Pack(method, args...)
	if err != nil {
		return nil, rejected(method, fmt.Errorf("failed to pack call: %w", err))
	}
	return data, nil
}

func rateModeArg(mode entity.RateMode) *big.Int {
	return big.NewInt(int64(mode))
}

// Supply calls deposit(asset, amount, onBehalfOf, referralCode).
func (p *LendingPool) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error {
	data, err := p.pack("deposit", asset, amount.ToBig(), onBehalfOf, p.config.ReferralCode)
	if err != nil {
		return err
	}
	if _, err := p.tx.Send(ctx, "deposit", p.address, data); err != nil {
		return rejected("deposit", err)
	}
	p.logger.Debug("supplied", "asset", asset.Hex(), "amount", amount.Dec(), "onBehalfOf", onBehalfOf.Hex())
	return nil
}

// Borrow calls borrow(asset, amount, rateMode, referralCode, onBehalfOf).
func (p *LendingPool) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) error {
	data, err := p.pack("borrow", asset, amount.ToBig(), rateModeArg(mode), p.config.ReferralCode, onBehalfOf)
	if err != nil {
		return err
	}
	if _, err := p.tx.Send(ctx, "borrow", p.address, data); err != nil {
		return rejected("borrow", err)
	}
	p.logger.Debug("borrowed", "asset", asset.Hex(), "amount", amount.Dec(), "rateMode", mode)
	return nil
}

// Repay calls repay(asset, amount, rateMode, onBehalfOf). The amount actually
// repaid is taken from the simulated return value of the same call.
func (p *LendingPool) Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) (*uint256.Int, error) {
	data, err := p.pack("repay", asset, amount.ToBig(), rateModeArg(mode), onBehalfOf)
	if err != nil {
		return nil, err
	}
	actual, err := p.simulateAmount(ctx, "repay", data)
	if err != nil {
		return nil, err
	}
	if _, err := p.tx.Send(ctx, "repay", p.address, data); err != nil {
		return nil, rejected("repay", err)
	}
	p.logger.Debug("repaid", "asset", asset.Hex(), "requested", amount.Dec(), "actual", actual.Dec(), "rateMode", mode)
	return actual, nil
}

// Redeem calls withdraw(asset, amount, to) and returns the simulated amount withdrawn.
func (p *LendingPool) Redeem(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	data, err := p.pack("withdraw", asset, amount.ToBig(), to)
	if err != nil {
		return nil, err
	}
	actual, err := p.simulateAmount(ctx, "withdraw", data)
	if err != nil {
		return nil, err
	}
	if _, err := p.tx.Send(ctx, "withdraw", p.address, data); err != nil {
		return nil, rejected("withdraw", err)
	}
	p.logger.Debug("withdrew", "asset", asset.Hex(), "requested", amount.Dec(), "actual", actual.Dec(), "to", to.Hex())
	return actual, nil
}

func (p *LendingPool) simulateAmount(ctx context.Context, method string, data []byte) (*uint256.Int, error) {
	out, err := p.tx.Call(ctx, p.address, data)
	if err != nil {
		return nil, rejected(method, err)
	}
	values, err := p.abi.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return nil, rejected(method, fmt.Errorf("unexpected return data: %v", err))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return nil, rejected(method, fmt.Errorf("unexpected return type %T", values[0]))
	}
	actual, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, rejected(method, fmt.Errorf("return value overflows uint256"))
	}
	return actual, nil
}

// AccountData is the result of getUserAccountData, in the pool's ETH base units.
type AccountData struct {
	TotalCollateralETH          *big.Int
	TotalDebtETH                *big.Int
	AvailableBorrowsETH         *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}

// UserAccountData reads the pool's aggregate view of user.
func (p *LendingPool) UserAccountData(ctx context.Context, user common.Address) (*AccountData, error) {
	data, err := p.abi.Pack("getUserAccountData", user)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getUserAccountData: %w", err)
	}
	out, err := p.tx.Call(ctx, p.address, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call getUserAccountData: %w", err)
	}
	values, err := p.abi.Unpack("getUserAccountData", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getUserAccountData: %w", err)
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("getUserAccountData returned %d values", len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("getUserAccountData value %d has type %T", i, v)
		}
		ints[i] = b
	}
	return &AccountData{
		TotalCollateralETH:          ints[0],
		TotalDebtETH:                ints[1],
		AvailableBorrowsETH:         ints[2],
		CurrentLiquidationThreshold: ints[3],
		LTV:                         ints[4],
		HealthFactor:                ints[5],
	}, nil
}

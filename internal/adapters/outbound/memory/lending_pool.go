// lending_pool.go provides an in-process simulator of an Aave V2 style lending pool.
//
// The simulator keeps one position per onBehalfOf account: supplied balances per
// asset and debt per (asset, rate mode). Tokens move through the shared TokenBank,
// so custodian and pool balances stay consistent.
//
// Collateral valuation is flat: every supplied unit counts as one unit
// of borrowing power, scaled by the configured loan-to-value. Interest never accrues.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that LendingPool implements outbound.LendingPool
var _ outbound.LendingPool = (*LendingPool)(nil)

// LendingPoolConfig configures the simulator.
type LendingPoolConfig struct {
	// Address is the pool's own token account.
	Address common.Address

	// Operator is the account that calls the pool; tokens are pulled from and sent to it.
	Operator common.Address

	// LTVBps is the loan-to-value limit in basis points.
	// Default: 7500
	LTVBps uint64
}

// LendingPoolConfigDefaults returns the default configuration.
func LendingPoolConfigDefaults() LendingPoolConfig {
	return LendingPoolConfig{
		Address: common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9"),
		LTVBps:  7500,
	}
}

type poolDebtKey struct {
	account common.Address
	asset   common.Address
	mode    entity.RateMode
}

// LendingPool simulates the lending protocol.
type LendingPool struct {
	bank *TokenBank
	cfg  LendingPoolConfig

	mu       sync.Mutex
	reserves map[common.Address]bool
	supplied map[holdingKey]*uint256.Int
	debts    map[poolDebtKey]*uint256.Int
	paused   bool
	failures map[string]error
}

// NewLendingPool creates a simulator over bank.
func NewLendingPool(bank *TokenBank, cfg LendingPoolConfig) (*LendingPool, error) {
	if bank == nil {
		return nil, fmt.Errorf("token bank is required")
	}
	defaults := LendingPoolConfigDefaults()
	if cfg.Address == (common.Address{}) {
		cfg.Address = defaults.Address
	}
	if cfg.LTVBps == 0 {
		cfg.LTVBps = defaults.LTVBps
	}
	if cfg.Operator == (common.Address{}) {
		return nil, fmt.Errorf("operator address is required")
	}
	return &LendingPool{
		bank:     bank,
		cfg:      cfg,
		reserves: make(map[common.Address]bool),
		supplied: make(map[holdingKey]*uint256.Int),
		debts:    make(map[poolDebtKey]*uint256.Int),
		failures: make(map[string]error),
	}, nil
}

// Address returns the pool's token account.
func (p *LendingPool) Address() common.Address { return p.cfg.Address }

// ListReserve enables asset for supply and borrow.
func (p *LendingPool) ListReserve(asset common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves[asset] = true
}

// SetPaused rejects every call while paused.
func (p *LendingPool) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// FailNext makes the next call of method ("supply", "borrow", "repay", "redeem") fail with err.
func (p *LendingPool) FailNext(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = err
}

// SuppliedBalance returns account's supplied balance of asset.
func (p *LendingPool) SuppliedBalance(account, asset common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return entity.AmountOrZero(p.supplied[holdingKey{asset, account}])
}

// DebtBalance returns account's outstanding debt.
func (p *LendingPool) DebtBalance(account, asset common.Address, mode entity.RateMode) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return entity.AmountOrZero(p.debts[poolDebtKey{account, asset, mode}])
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", entity.ErrExternalProtocolRejected, fmt.Sprintf(format, args...))
}

// precheck must be called with p.mu held.
func (p *LendingPool) precheck(method string, asset common.Address) error {
	if err, ok := p.failures[method]; ok {
		delete(p.failures, method)
		return fmt.Errorf("%w: %v", entity.ErrExternalProtocolRejected, err)
	}
	if p.paused {
		return rejected("pool is paused")
	}
	if !p.reserves[asset] {
		return rejected("reserve %s is not listed", asset.Hex())
	}
	return nil
}

// Supply pulls amount from the operator and credits onBehalfOf.
func (p *LendingPool) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.precheck("supply", asset); err != nil {
		return err
	}
	if amount.IsZero() {
		return rejected("supply amount is zero")
	}
	if err := p.bank.TransferFrom(asset, p.cfg.Address, p.cfg.Operator, p.cfg.Address, amount); err != nil {
		return rejected("supply transfer failed: %v", err)
	}
	k := holdingKey{asset, onBehalfOf}
	p.supplied[k] = new(uint256.Int).Add(entity.AmountOrZero(p.supplied[k]), amount)
	return nil
}

// Borrow sends amount to the operator and records debt for onBehalfOf.
func (p *LendingPool) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.precheck("borrow", asset); err != nil {
		return err
	}
	if amount.IsZero() || !mode.Valid() {
		return rejected("invalid borrow of %s with rate mode %d", amount.Dec(), uint8(mode))
	}

	debt := p.totalDebt(onBehalfOf)
	debt.Add(debt, amount)
	if debt.Gt(p.borrowPower(onBehalfOf, nil, nil)) {
		return rejected("borrow would exceed loan-to-value of %d bps", p.cfg.LTVBps)
	}
	if p.bank.BalanceOf(asset, p.cfg.Address).Lt(amount) {
		return rejected("insufficient liquidity for %s", asset.Hex())
	}
	if err := p.bank.Transfer(asset, p.cfg.Address, p.cfg.Operator, amount); err != nil {
		return rejected("borrow transfer failed: %v", err)
	}
	k := poolDebtKey{onBehalfOf, asset, mode}
	p.debts[k] = new(uint256.Int).Add(entity.AmountOrZero(p.debts[k]), amount)
	return nil
}

// Repay pulls up to amount from the operator, capped to the outstanding debt.
func (p *LendingPool) Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode entity.RateMode, onBehalfOf common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.precheck("repay", asset); err != nil {
		return nil, err
	}
	k := poolDebtKey{onBehalfOf, asset, mode}
	outstanding := entity.AmountOrZero(p.debts[k])
	if outstanding.IsZero() {
		return nil, rejected("no %s debt to repay for %s", mode, onBehalfOf.Hex())
	}
	actual := entity.AmountOrZero(amount)
	if actual.Gt(outstanding) {
		actual = outstanding.Clone()
	}
	if err := p.bank.TransferFrom(asset, p.cfg.Address, p.cfg.Operator, p.cfg.Address, actual); err != nil {
		return nil, rejected("repay transfer failed: %v", err)
	}
	p.debts[k] = new(uint256.Int).Sub(outstanding, actual)
	return actual, nil
}

// Redeem withdraws amount of the operator's collateral to `to`.
func (p *LendingPool) Redeem(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.precheck("redeem", asset); err != nil {
		return nil, err
	}
	account := p.cfg.Operator
	k := holdingKey{asset, account}
	supplied := entity.AmountOrZero(p.supplied[k])
	if amount.IsZero() || supplied.Lt(amount) {
		return nil, rejected("redeem of %s exceeds supplied %s", amount.Dec(), supplied.Dec())
	}
	if p.totalDebt(account).Gt(p.borrowPower(account, &asset, amount)) {
		return nil, rejected("redeem would leave the position undercollateralized")
	}
	if p.bank.BalanceOf(asset, p.cfg.Address).Lt(amount) {
		return nil, rejected("insufficient liquidity for %s", asset.Hex())
	}
	if err := p.bank.Transfer(asset, p.cfg.Address, to, amount); err != nil {
		return nil, rejected("redeem transfer failed: %v", err)
	}
	p.supplied[k] = new(uint256.Int).Sub(supplied, amount)
	return amount.Clone(), nil
}

// totalDebt must be called with p.mu held.
func (p *LendingPool) totalDebt(account common.Address) *uint256.Int {
	total := new(uint256.Int)
	for k, v := range p.debts {
		if k.account == account {
			total.Add(total, v)
		}
	}
	return total
}

// borrowPower returns the LTV-scaled collateral of account, optionally after
// removing `less` of asset. Must be called with p.mu held.
func (p *LendingPool) borrowPower(account common.Address, asset *common.Address, less *uint256.Int) *uint256.Int {
	collateral := new(uint256.Int)
	for k, v := range p.supplied {
		if k.holder != account {
			continue
		}
		amount := v.Clone()
		if asset != nil && k.asset == *asset {
			amount.Sub(amount, less)
		}
		collateral.Add(collateral, amount)
	}
	power, _ := new(uint256.Int).MulDivOverflow(collateral, uint256.NewInt(p.cfg.LTVBps), uint256.NewInt(10_000))
	return power
}

// token_bank.go provides an in-memory fungible token ledger and a TokenCustodian over it.
//
// The bank stands in for a set of ERC-20 contracts: balances and allowances are
// tracked per asset, and transfers follow transfer/transferFrom semantics.
// It is shared by the custodian and the lending pool simulator so that
// tokens moved by one are visible to the other.
//
// All operations are thread-safe. Data is lost on process restart.
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

type holdingKey struct {
	asset  common.Address
	holder common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// TokenBank tracks balances and allowances for any number of assets.
type TokenBank struct {
	mu         sync.Mutex
	balances   map[holdingKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

// NewTokenBank creates an empty bank.
func NewTokenBank() *TokenBank {
	return &TokenBank{
		balances:   make(map[holdingKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// Mint credits amount of asset to holder.
func (b *TokenBank) Mint(asset, holder common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := holdingKey{asset, holder}
	b.balances[k] = new(uint256.Int).Add(entity.AmountOrZero(b.balances[k]), amount)
}

// BalanceOf returns holder's balance of asset.
func (b *TokenBank) BalanceOf(asset, holder common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return entity.AmountOrZero(b.balances[holdingKey{asset, holder}])
}

// Allowance returns how much spender may still move from owner.
func (b *TokenBank) Allowance(asset, owner, spender common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return entity.AmountOrZero(b.allowances[allowanceKey{asset, owner, spender}])
}

// Approve sets owner's allowance for spender.
func (b *TokenBank) Approve(asset, owner, spender common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[allowanceKey{asset, owner, spender}] = entity.AmountOrZero(amount)
}

// Transfer moves amount of asset from `from` to `to`.
func (b *TokenBank) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(asset, from, to, amount)
}

// TransferFrom moves amount of asset from `from` to `to` using spender's allowance.
func (b *TokenBank) TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ak := allowanceKey{asset, from, spender}
	allowance := entity.AmountOrZero(b.allowances[ak])
	if allowance.Lt(amount) {
		return fmt.Errorf("allowance %s below %s for %s", allowance.Dec(), amount.Dec(), asset.Hex())
	}
	if err := b.move(asset, from, to, amount); err != nil {
		return err
	}
	b.allowances[ak] = new(uint256.Int).Sub(allowance, amount)
	return nil
}

func (b *TokenBank) move(asset, from, to common.Address, amount *uint256.Int) error {
	fk := holdingKey{asset, from}
	bal := entity.AmountOrZero(b.balances[fk])
	if bal.Lt(amount) {
		return fmt.Errorf("balance %s below %s for %s", bal.Dec(), amount.Dec(), asset.Hex())
	}
	tk := holdingKey{asset, to}
	b.balances[fk] = new(uint256.Int).Sub(bal, amount)
	b.balances[tk] = new(uint256.Int).Add(entity.AmountOrZero(b.balances[tk]), amount)
	return nil
}

// Compile-time check that TokenCustodian implements outbound.TokenCustodian
var _ outbound.TokenCustodian = (*TokenCustodian)(nil)

// CustodianHook is consulted before every custodian call; a non-nil error aborts the call.
// op is one of "pull", "push" or "approve".
type CustodianHook func(op string, asset, counterparty common.Address, amount *uint256.Int) error

// TokenCustodian is a TokenCustodian backed by a TokenBank.
type TokenCustodian struct {
	bank *TokenBank
	self common.Address

	mu   sync.Mutex
	hook CustodianHook
}

// NewTokenCustodian returns a custodian acting as self on bank.
func NewTokenCustodian(bank *TokenBank, self common.Address) *TokenCustodian {
	return &TokenCustodian{bank: bank, self: self}
}

// SetHook installs a hook used by tests to inject failures.
func (c *TokenCustodian) SetHook(hook CustodianHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *TokenCustodian) runHook(op string, asset, counterparty common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(op, asset, counterparty, amount)
}

// Address returns the custodian account.
func (c *TokenCustodian) Address() common.Address { return c.self }

// Pull transfers from `from` into the custodian using the allowance `from` granted it.
func (c *TokenCustodian) Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if err := c.runHook("pull", asset, from, amount); err != nil {
		return err
	}
	if err := c.bank.TransferFrom(asset, c.self, from, c.self, amount); err != nil {
		return fmt.Errorf("%w: %v", entity.ErrInsufficientAllowanceOrBalance, err)
	}
	return nil
}

// Push transfers from the custodian to `to`.
func (c *TokenCustodian) Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if err := c.runHook("push", asset, to, amount); err != nil {
		return err
	}
	if err := c.bank.Transfer(asset, c.self, to, amount); err != nil {
		return fmt.Errorf("failed to push %s: %w", asset.Hex(), err)
	}
	return nil
}

// Approve sets the custodian's allowance for spender.
func (c *TokenCustodian) Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error {
	if err := c.runHook("approve", asset, spender, amount); err != nil {
		return err
	}
	c.bank.Approve(asset, c.self, spender, amount)
	return nil
}

package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/retry"
)

var (
	testChainID = big.NewInt(1)
	testPool    = common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9")
	testDAI     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	testUser    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type handler func(to common.Address, args []any) ([]any, error)

type sentTx struct {
	method string
	args   []any
	tx     *types.Transaction
}

// fakeBackend decodes calldata with the adapter ABIs and dispatches to per-method handlers.
type fakeBackend struct {
	mu          sync.Mutex
	abis        []*abi.ABI
	handlers    map[string]handler
	sent        []sentTx
	nonce       uint64
	failReceipt map[string]bool
	noBaseFee   bool
	pendingPoll int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	pool, err := LendingPoolABI()
	if err != nil {
		t.Fatalf("LendingPoolABI: %v", err)
	}
	erc20, err := ERC20ABI()
	if err != nil {
		t.Fatalf("ERC20ABI: %v", err)
	}
	return &fakeBackend{
		abis:        []*abi.ABI{pool, erc20},
		handlers:    make(map[string]handler),
		failReceipt: make(map[string]bool),
		nonce:       7,
	}
}

func (b *fakeBackend) decode(data []byte) (*abi.Method, []any, error) {
	for _, a := range b.abis {
		m, err := a.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := m.Inputs.Unpack(data[4:])
		return m, args, err
	}
	return nil, nil, errors.New("unknown selector")
}

func (b *fakeBackend) dispatch(to common.Address, data []byte) (*abi.Method, []byte, error) {
	m, args, err := b.decode(data)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	h := b.handlers[m.Name]
	b.mu.Unlock()
	if h == nil {
		if len(m.Outputs) == 1 && m.Outputs[0].Type.T == abi.BoolTy {
			out, err := m.Outputs.Pack(true)
			return m, out, err
		}
		return m, nil, nil
	}
	values, err := h(to, args)
	if err != nil {
		return m, nil, err
	}
	out, err := m.Outputs.Pack(values...)
	return m, out, err
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	_, out, err := b.dispatch(*call.To, call.Data)
	return out, err
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if _, _, err := b.dispatch(*call.To, call.Data); err != nil {
		return 0, err
	}
	return 100000, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h := &types.Header{Number: big.NewInt(100)}
	if !b.noBaseFee {
		h.BaseFee = big.NewInt(10_000_000_000)
	}
	return h, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m, args, err := b.decode(tx.Data())
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentTx{method: m.Name, args: args, tx: tx})
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingPoll > 0 {
		b.pendingPoll--
		return nil, ethereum.NotFound
	}
	for _, s := range b.sent {
		if s.tx.Hash() == txHash {
			status := types.ReceiptStatusSuccessful
			if b.failReceipt[s.method] {
				status = types.ReceiptStatusFailed
			}
			return &types.Receipt{Status: status, TxHash: txHash, BlockNumber: big.NewInt(101), GasUsed: 90000}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) sentMethods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, s := range b.sent {
		out[i] = s.method
	}
	return out
}

func newTestTransactor(t *testing.T, backend Backend) (*Transactor, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx, err := NewTransactor(backend, TransactorConfig{
		ChainID:             testChainID,
		PrivateKey:          key,
		RequestsPerSecond:   1e6,
		ReceiptPollInterval: time.Millisecond,
		Retry:               retry.Config{MaxRetries: 0},
	})
	if err != nil {
		t.Fatalf("NewTransactor: %v", err)
	}
	return tx, key
}

func reverted(reason string) error {
	return errors.New("execution reverted: " + reason)
}

func TestNewTransactor_Validation(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tests := []struct {
		name    string
		backend Backend
		config  TransactorConfig
	}{
		{name: "nil backend", config: TransactorConfig{ChainID: testChainID, PrivateKey: key}},
		{name: "no chain id", backend: &fakeBackend{}, config: TransactorConfig{PrivateKey: key}},
		{name: "no key", backend: &fakeBackend{}, config: TransactorConfig{ChainID: testChainID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTransactor(tt.backend, tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLendingPool_SupplySendsSignedDeposit(t *testing.T) {
	backend := newFakeBackend(t)
	backend.pendingPoll = 2
	txr, key := newTestTransactor(t, backend)
	pool, err := NewLendingPool(txr, LendingPoolConfig{Address: testPool, ReferralCode: 42})
	if err != nil {
		t.Fatalf("NewLendingPool: %v", err)
	}

	if err := pool.Supply(context.Background(), testDAI, uint256.NewInt(10000), txr.From()); err != nil {
		t.Fatalf("Supply: %v", err)
	}

	if len(backend.sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(backend.sent))
	}
	s := backend.sent[0]
	if s.method != "deposit" {
		t.Errorf("method = %s, want deposit", s.method)
	}
	if *s.tx.To() != testPool {
		t.Errorf("to = %s", s.tx.To().Hex())
	}
	if s.args[0].(common.Address) != testDAI || s.args[1].(*big.Int).Int64() != 10000 || s.args[3].(uint16) != 42 {
		t.Errorf("unexpected args: %v", s.args)
	}
	if s.tx.Type() != types.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", s.tx.Type())
	}
	if s.tx.Nonce() != 7 || s.tx.Gas() != 120000 {
		t.Errorf("nonce=%d gas=%d", s.tx.Nonce(), s.tx.Gas())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), s.tx)
	if err != nil || sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s, %v", sender.Hex(), err)
	}
}

func TestLendingPool_LegacyTxWithoutBaseFee(t *testing.T) {
	backend := newFakeBackend(t)
	backend.noBaseFee = true
	txr, _ := newTestTransactor(t, backend)
	pool, _ := NewLendingPool(txr, LendingPoolConfig{Address: testPool})

	if err := pool.Borrow(context.Background(), testDAI, uint256.NewInt(5), entity.RateModeVariable, txr.From()); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	tx := backend.sent[0]
	if tx.tx.Type() != types.LegacyTxType {
		t.Errorf("tx type = %d, want legacy", tx.tx.Type())
	}
	if tx.args[2].(*big.Int).Int64() != 2 {
		t.Errorf("rate mode arg = %v, want 2", tx.args[2])
	}
}

func TestLendingPool_RepayReturnsSimulatedAmount(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handlers["repay"] = func(to common.Address, args []any) ([]any, error) {
		return []any{big.NewInt(3)}, nil
	}
	txr, _ := newTestTransactor(t, backend)
	pool, _ := NewLendingPool(txr, LendingPoolConfig{Address: testPool})

	actual, err := pool.Repay(context.Background(), testDAI, uint256.NewInt(5), entity.RateModeStable, txr.From())
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if actual.Uint64() != 3 {
		t.Errorf("actual = %s, want 3", actual.Dec())
	}
	if got := backend.sentMethods(); len(got) != 1 || got[0] != "repay" {
		t.Errorf("sent = %v", got)
	}
}

func TestLendingPool_RedeemReturnsSimulatedAmount(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handlers["withdraw"] = func(to common.Address, args []any) ([]any, error) {
		return []any{args[1].(*big.Int)}, nil
	}
	txr, _ := newTestTransactor(t, backend)
	pool, _ := NewLendingPool(txr, LendingPoolConfig{Address: testPool})

	actual, err := pool.Redeem(context.Background(), testDAI, uint256.NewInt(8000), txr.From())
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if actual.Uint64() != 8000 {
		t.Errorf("actual = %s, want 8000", actual.Dec())
	}
}

func TestLendingPool_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(b *fakeBackend)
		call        func(p *LendingPool, self common.Address) error
		wantSentTxs int
	}{
		{
			name: "borrow reverts in simulation",
			setup: func(b *fakeBackend) {
				b.handlers["borrow"] = func(common.Address, []any) ([]any, error) { return nil, reverted("11") }
			},
			call: func(p *LendingPool, self common.Address) error {
				return p.Borrow(context.Background(), testDAI, uint256.NewInt(1), entity.RateModeStable, self)
			},
		},
		{
			name: "withdraw reverts in simulation",
			setup: func(b *fakeBackend) {
				b.handlers["withdraw"] = func(common.Address, []any) ([]any, error) { return nil, reverted("6") }
			},
			call: func(p *LendingPool, self common.Address) error {
				_, err := p.Redeem(context.Background(), testDAI, uint256.NewInt(1), self)
				return err
			},
		},
		{
			name:  "deposit mined but failed",
			setup: func(b *fakeBackend) { b.failReceipt["deposit"] = true },
			call: func(p *LendingPool, self common.Address) error {
				return p.Supply(context.Background(), testDAI, uint256.NewInt(1), self)
			},
			wantSentTxs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			tt.setup(backend)
			txr, _ := newTestTransactor(t, backend)
			pool, _ := NewLendingPool(txr, LendingPoolConfig{Address: testPool})

			err := tt.call(pool, txr.From())
			if !errors.Is(err, entity.ErrExternalProtocolRejected) {
				t.Fatalf("error = %v, want ErrExternalProtocolRejected", err)
			}
			if len(backend.sent) != tt.wantSentTxs {
				t.Errorf("sent %d txs, want %d", len(backend.sent), tt.wantSentTxs)
			}
		})
	}
}

func TestLendingPool_UserAccountData(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handlers["getUserAccountData"] = func(to common.Address, args []any) ([]any, error) {
		return []any{big.NewInt(100), big.NewInt(50), big.NewInt(25), big.NewInt(8000), big.NewInt(7500), big.NewInt(2e18)}, nil
	}
	txr, _ := newTestTransactor(t, backend)
	pool, _ := NewLendingPool(txr, LendingPoolConfig{Address: testPool})

	data, err := pool.UserAccountData(context.Background(), txr.From())
	if err != nil {
		t.Fatalf("UserAccountData: %v", err)
	}
	if data.TotalDebtETH.Int64() != 50 || data.LTV.Int64() != 7500 {
		t.Errorf("unexpected account data: %+v", data)
	}
}

func erc20State(b *fakeBackend, balance, allowance int64) {
	b.handlers["balanceOf"] = func(common.Address, []any) ([]any, error) { return []any{big.NewInt(balance)}, nil }
	b.handlers["allowance"] = func(common.Address, []any) ([]any, error) { return []any{big.NewInt(allowance)}, nil }
}

func TestTokenCustodian_Pull(t *testing.T) {
	tests := []struct {
		name      string
		balance   int64
		allowance int64
		wantErr   error
		wantSent  []string
	}{
		{name: "success", balance: 100, allowance: 100, wantSent: []string{"transferFrom"}},
		{name: "insufficient balance", balance: 5, allowance: 100, wantErr: entity.ErrInsufficientAllowanceOrBalance},
		{name: "insufficient allowance", balance: 100, allowance: 5, wantErr: entity.ErrInsufficientAllowanceOrBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			erc20State(backend, tt.balance, tt.allowance)
			txr, _ := newTestTransactor(t, backend)
			custodian, err := NewTokenCustodian(txr, nil)
			if err != nil {
				t.Fatalf("NewTokenCustodian: %v", err)
			}

			err = custodian.Pull(context.Background(), testDAI, testUser, uint256.NewInt(10))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Pull: %v", err)
			}

			got := backend.sentMethods()
			if len(got) != len(tt.wantSent) {
				t.Fatalf("sent = %v, want %v", got, tt.wantSent)
			}
			if len(got) == 1 {
				args := backend.sent[0].args
				if args[0].(common.Address) != testUser || args[1].(common.Address) != custodian.Address() {
					t.Errorf("transferFrom args = %v", args)
				}
			}
		})
	}
}

func TestTokenCustodian_PullRevertMapsToAllowanceError(t *testing.T) {
	backend := newFakeBackend(t)
	erc20State(backend, 100, 100)
	backend.handlers["transferFrom"] = func(common.Address, []any) ([]any, error) {
		return nil, reverted("Dai/insufficient-allowance")
	}
	txr, _ := newTestTransactor(t, backend)
	custodian, _ := NewTokenCustodian(txr, nil)

	err := custodian.Pull(context.Background(), testDAI, testUser, uint256.NewInt(10))
	if !errors.Is(err, entity.ErrInsufficientAllowanceOrBalance) {
		t.Errorf("error = %v, want ErrInsufficientAllowanceOrBalance", err)
	}
}

func TestTokenCustodian_PushFalseReturn(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handlers["transfer"] = func(common.Address, []any) ([]any, error) { return []any{false}, nil }
	txr, _ := newTestTransactor(t, backend)
	custodian, _ := NewTokenCustodian(txr, nil)

	err := custodian.Push(context.Background(), testDAI, testUser, uint256.NewInt(1))
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("error = %v, want ErrReverted", err)
	}
	if len(backend.sent) != 0 {
		t.Errorf("false-returning transfer was sent")
	}
}

func TestTokenCustodian_Approve(t *testing.T) {
	tests := []struct {
		name     string
		current  int64
		amount   uint64
		wantSent int
	}{
		{name: "already equal", current: 10, amount: 10, wantSent: 0},
		{name: "from zero", current: 0, amount: 10, wantSent: 1},
		{name: "non-zero to non-zero resets first", current: 3, amount: 10, wantSent: 2},
		{name: "revoke", current: 3, amount: 0, wantSent: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			erc20State(backend, 0, tt.current)
			txr, _ := newTestTransactor(t, backend)
			custodian, _ := NewTokenCustodian(txr, nil)

			if err := custodian.Approve(context.Background(), testDAI, testPool, uint256.NewInt(tt.amount)); err != nil {
				t.Fatalf("Approve: %v", err)
			}
			if len(backend.sent) != tt.wantSent {
				t.Fatalf("sent %d txs, want %d", len(backend.sent), tt.wantSent)
			}
			if tt.wantSent > 0 {
				last := backend.sent[len(backend.sent)-1]
				if last.args[1].(*big.Int).Uint64() != tt.amount {
					t.Errorf("final approve amount = %v, want %d", last.args[1], tt.amount)
				}
			}
			if tt.wantSent == 2 && backend.sent[0].args[1].(*big.Int).Sign() != 0 {
				t.Errorf("first approve should reset to zero, got %v", backend.sent[0].args[1])
			}
		})
	}
}

func TestIsRevert(t *testing.T) {
	if !isRevert(reverted("x")) {
		t.Error("execution reverted should be a revert")
	}
	if isRevert(errors.New("connection refused")) {
		t.Error("network error is not a revert")
	}
	if isRetryableRPC(ErrReverted) {
		t.Error("reverts must not be retried")
	}
}

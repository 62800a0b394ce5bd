// Package ethereum implements the lending pool and token custodian ports against
// an EVM JSON-RPC endpoint.
//
// All writes are sent from a single operator key. Every write is simulated with
// eth_call first so that reverts surface before any gas is spent, then signed as
// an EIP-1559 transaction and awaited until it is mined.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/stl-wrapper/internal/pkg/retry"
)

const tracerName = "github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/ethereum"

// ErrReverted is returned when a simulated call or a mined transaction reverts.
var ErrReverted = errors.New("execution reverted")

// Backend is the subset of *ethclient.Client used by the Transactor.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TransactorConfig configures signing and RPC pacing.
type TransactorConfig struct {
	// ChainID is used for EIP-155 replay protection.
	ChainID *big.Int

	// PrivateKey signs every transaction. Its address is the operator.
	PrivateKey *ecdsa.PrivateKey

	// RequestsPerSecond caps RPC calls made through the transactor.
	// Default: 20
	RequestsPerSecond float64

	// GasLimitMultiplier scales eth_estimateGas before signing.
	// Default: 1.2
	GasLimitMultiplier float64

	// ReceiptPollInterval is the delay between eth_getTransactionReceipt polls.
	// Default: 2s
	ReceiptPollInterval time.Duration

	// Retry configures retries of read calls.
	Retry retry.Config

	Logger *slog.Logger
}

// TransactorConfigDefaults returns defaults for everything but the chain ID and key.
func TransactorConfigDefaults() TransactorConfig {
	return TransactorConfig{
		RequestsPerSecond:   20,
		GasLimitMultiplier:  1.2,
		ReceiptPollInterval: 2 * time.Second,
		Retry:               retry.DefaultConfig(),
	}
}

// Transactor simulates, signs, sends and awaits transactions from the operator account.
type Transactor struct {
	backend Backend
	config  TransactorConfig
	from    common.Address
	signer  types.Signer
	limiter *rate.Limiter
	logger  *slog.Logger

	// sendMu serializes nonce allocation and submission.
	sendMu sync.Mutex
}

// NewTransactor creates a transactor on backend.
func NewTransactor(backend Backend, config TransactorConfig) (*Transactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain ID is required")
	}
	if config.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	defaults := TransactorConfigDefaults()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.GasLimitMultiplier < 1 {
		config.GasLimitMultiplier = defaults.GasLimitMultiplier
	}
	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = defaults.ReceiptPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	from := crypto.PubkeyToAddress(config.PrivateKey.PublicKey)
	return &Transactor{
		backend: backend,
		config:  config,
		from:    from,
		signer:  types.LatestSignerForChainID(config.ChainID),
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:  config.Logger.With("component", "eth-transactor", "operator", from.Hex()),
	}, nil
}

// From returns the operator address.
func (t *Transactor) From() common.Address {
	return t.from
}

func (t *Transactor) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Call runs a read-only eth_call from the operator against the latest block.
// Reverts are returned wrapped with ErrReverted and are not retried.
func (t *Transactor) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: t.from, To: &to, Data: data}
	return retry.Do(ctx, t.config.Retry, isRetryableRPC, t.onRetry("eth_call"), func() ([]byte, error) {
		if err := t.wait(ctx); err != nil {
			return nil, err
		}
		out, err := t.backend.CallContract(ctx, msg, nil)
		if err != nil {
			if isRevert(err) {
				return nil, fmt.Errorf("%w: %v", ErrReverted, err)
			}
			return nil, err
		}
		return out, nil
	})
}

// Send simulates data against to, then signs, submits and waits for the transaction.
// label names the contract method in logs and spans.
func (t *Transactor) Send(ctx context.Context, label string, to common.Address, data []byte) (*types.Receipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ethereum.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("eth.method", label),
		attribute.String("eth.to", to.Hex()),
	)

	receipt, err := t.send(ctx, label, to, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("eth.tx_hash", receipt.TxHash.Hex()),
		attribute.Int64("eth.gas_used", int64(receipt.GasUsed)),
	)
	return receipt, nil
}

func (t *Transactor) send(ctx context.Context, label string, to common.Address, data []byte) (*types.Receipt, error) {
	t.sendMu.Lock()
	tx, err := t.buildAndSubmit(ctx, to, data)
	t.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", label, err)
	}

	t.logger.Info("transaction submitted", "method", label, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())

	receipt, err := t.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s tx %s: %w", label, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s tx %s failed in block %s", ErrReverted, label, tx.Hash().Hex(), receipt.BlockNumber)
	}

	t.logger.Info("transaction mined", "method", label, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
	return receipt, nil
}

func (t *Transactor) buildAndSubmit(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	msg := ethereum.CallMsg{From: t.from, To: &to, Data: data}

	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	gas, err := t.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas = uint64(float64(gas) * t.config.GasLimitMultiplier)

	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	var unsigned *types.Transaction
	if head.BaseFee != nil {
		tip, err := t.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   t.config.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		})
	} else {
		price, err := t.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Data:     data,
		})
	}

	signed, err := types.SignTx(unsigned, t.signer, t.config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}

func (t *Transactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if err := t.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transactor) onRetry(method string) retry.OnRetryFunc {
	return func(attempt int, err error, backoff time.Duration) {
		t.logger.Warn("rpc call failed, retrying", "method", method, "attempt", attempt, "backoff", backoff, "error", err)
	}
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode")
}

func isRetryableRPC(err error) bool {
	if errors.Is(err, ErrReverted) {
		return false
	}
	return retry.IsTransient(err)
}

// Package app assembles the position services from production adapters. The API and
// the command worker share it so both execute commands against the same stack.
package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/ethereum"
	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/postgres"
	redisadapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/redis"
	snsadapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/sns"
	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/env"
	"github.com/archon-research/stl/stl-wrapper/internal/services/access_registry"
	"github.com/archon-research/stl/stl-wrapper/internal/services/position_ledger"
	"github.com/archon-research/stl/stl-wrapper/internal/services/position_orchestrator"
	"github.com/archon-research/stl/stl-wrapper/internal/services/readiness"
)

// Config holds everything needed to build the stack.
type Config struct {
	AdminAddress common.Address
	DatabaseURL  string
	Redis        redisadapter.Config

	RPCURL string
	// ChainID is read from the node when zero.
	ChainID       int64
	PrivateKeyHex string
	LendingPool   common.Address
	ReferralCode  uint16
	// RPCRequestsPerSecond caps calls to the node.
	RPCRequestsPerSecond float64

	AWSRegion   string
	SNSEndpoint string
	Topics      snsadapter.TopicARNs

	LockTTL time.Duration

	Logger *slog.Logger
}

// ConfigFromEnv reads the stack configuration from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL: env.Get("DATABASE_URL", ""),
		Redis: redisadapter.Config{
			Addr:      env.Get("REDIS_ADDR", redisadapter.ConfigDefaults().Addr),
			Password:  env.Get("REDIS_PASSWORD", ""),
			DB:        env.GetInt("REDIS_DB", 0),
			KeyPrefix: env.Get("REDIS_KEY_PREFIX", redisadapter.ConfigDefaults().KeyPrefix),
		},
		RPCURL:        env.Get("ETH_RPC_URL", ""),
		ChainID:       int64(env.GetInt("CHAIN_ID", 0)),
		PrivateKeyHex: env.Get("OPERATOR_PRIVATE_KEY", ""),
		ReferralCode:  uint16(env.GetInt("AAVE_REFERRAL_CODE", 0)),
		AWSRegion:     env.Get("AWS_REGION", "eu-west-1"),
		SNSEndpoint:   env.Get("AWS_SNS_ENDPOINT", ""),
		Topics: snsadapter.TopicARNs{
			DepositAndBorrow:   env.Get("SNS_TOPIC_DEPOSIT_AND_BORROW", ""),
			PaybackAndWithdraw: env.Get("SNS_TOPIC_PAYBACK_AND_WITHDRAW", ""),
		},
		LockTTL: env.GetDuration("POSITION_LOCK_TTL", 0),
	}

	var err error
	var errs []error
	if cfg.AdminAddress, err = env.ParseAddress(env.Get("ADMIN_ADDRESS", "")); err != nil {
		errs = append(errs, fmt.Errorf("ADMIN_ADDRESS: %w", err))
	}
	cfg.LendingPool = ethereum.AaveV2LendingPoolMainnet
	if raw := env.Get("LENDING_POOL_ADDRESS", ""); raw != "" {
		if cfg.LendingPool, err = env.ParseAddress(raw); err != nil {
			errs = append(errs, fmt.Errorf("LENDING_POOL_ADDRESS: %w", err))
		}
	}
	if rps := env.GetInt("ETH_RPC_RPS", 0); rps > 0 {
		cfg.RPCRequestsPerSecond = float64(rps)
	}
	for _, required := range []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"ETH_RPC_URL", cfg.RPCURL},
		{"OPERATOR_PRIVATE_KEY", cfg.PrivateKeyHex},
		{"SNS_TOPIC_DEPOSIT_AND_BORROW", cfg.Topics.DepositAndBorrow},
		{"SNS_TOPIC_PAYBACK_AND_WITHDRAW", cfg.Topics.PaybackAndWithdraw},
	} {
		if required.value == "" {
			errs = append(errs, fmt.Errorf("%s environment variable is required", required.name))
		}
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// ParsePrivateKey parses a hex secp256k1 key with or without 0x.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator private key: %w", err)
	}
	return key, nil
}

// Stack is the assembled service graph.
type Stack struct {
	Access    *access_registry.Service
	Positions *position_orchestrator.Service
	Allowlist *postgres.AllowlistRepository
	Ledger    *postgres.LedgerRepository
	Operator  common.Address

	// Checks probe the stores behind the stack, for readiness.
	Checks map[string]readiness.Check

	closers []func()
}

// Close releases every connection the stack opened, in reverse order.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Build connects to every backing system and wires the services.
func Build(ctx context.Context, cfg Config) (_ *Stack, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stack := &Stack{Checks: make(map[string]readiness.Check)}
	defer func() {
		if err != nil {
			stack.Close()
		}
	}()

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	stack.closers = append(stack.closers, pool.Close)
	stack.Checks["postgres"] = pool.Ping
	logger.Info("PostgreSQL connected")

	if err := stack.buildRepositories(pool, logger); err != nil {
		return nil, err
	}

	locker, err := redisadapter.NewLocker(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("creating redis locker: %w", err)
	}
	stack.closers = append(stack.closers, func() { _ = locker.Close() })
	if err := locker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	stack.Checks["redis"] = locker.Ping
	logger.Info("Redis connected", "addr", cfg.Redis.Addr)

	ethClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to Ethereum node: %w", err)
	}
	stack.closers = append(stack.closers, ethClient.Close)
	stack.Checks["ethereum"] = func(ctx context.Context) error {
		_, err := ethClient.BlockNumber(ctx)
		return err
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = ethClient.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("reading chain ID: %w", err)
		}
	}
	key, err := ParsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	tx, err := ethereum.NewTransactor(ethClient, ethereum.TransactorConfig{
		ChainID:           chainID,
		PrivateKey:        key,
		RequestsPerSecond: cfg.RPCRequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}
	stack.Operator = tx.From()
	logger.Info("Ethereum node connected", "chainId", chainID.String(), "operator", stack.Operator.Hex())

	lendingPool, err := ethereum.NewLendingPool(tx, ethereum.LendingPoolConfig{
		Address:      cfg.LendingPool,
		ReferralCode: cfg.ReferralCode,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lending pool adapter: %w", err)
	}
	custodian, err := ethereum.NewTokenCustodian(tx, logger)
	if err != nil {
		return nil, fmt.Errorf("creating token custodian: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	var snsOptFns []func(*sns.Options)
	if cfg.SNSEndpoint != "" {
		snsOptFns = append(snsOptFns, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.SNSEndpoint)
		})
	}
	events, err := snsadapter.NewEventSink(sns.NewFromConfig(awsCfg, snsOptFns...), snsadapter.Config{
		Topics: cfg.Topics,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating event sink: %w", err)
	}
	stack.closers = append(stack.closers, func() { _ = events.Close() })

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	guard, err := access_registry.NewAdminGuard(cfg.AdminAddress)
	if err != nil {
		return nil, err
	}
	if stack.Access, err = access_registry.NewService(guard, stack.Allowlist, logger); err != nil {
		return nil, fmt.Errorf("creating access registry: %w", err)
	}
	ledger, err := position_ledger.NewLedger(stack.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("creating position ledger: %w", err)
	}
	stack.Positions, err = position_orchestrator.NewService(
		position_orchestrator.Config{LockTTL: cfg.LockTTL, Logger: logger},
		stack.Access,
		ledger,
		lendingPool,
		custodian,
		locker,
		events,
		metrics,
	)
	if err != nil {
		return nil, fmt.Errorf("creating position orchestrator: %w", err)
	}

	return stack, nil
}

func (s *Stack) buildRepositories(pool *pgxpool.Pool, logger *slog.Logger) error {
	var err error
	if s.Allowlist, err = postgres.NewAllowlistRepository(pool, logger); err != nil {
		return fmt.Errorf("creating allowlist repository: %w", err)
	}
	if s.Ledger, err = postgres.NewLedgerRepository(pool, logger); err != nil {
		return fmt.Errorf("creating ledger repository: %w", err)
	}
	return nil
}

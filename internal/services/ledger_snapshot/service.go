// Package ledger_snapshot exports the valid user set and every ledger record to S3.
//
// Snapshots are keyed by the period they fall in, so a rerun inside the same period
// leaves the existing object untouched.
package ledger_snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Config holds configuration for the snapshot exporter.
type Config struct {
	// Bucket is the destination S3 bucket.
	Bucket string

	// Prefix is prepended to every key.
	// Default: "ledger-snapshots"
	Prefix string

	// Period is the snapshot granularity; one object is written per period.
	// Default: 1 hour
	Period time.Duration

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Prefix: "ledger-snapshots",
		Period: time.Hour,
		Logger: slog.Default(),
	}
}

// Snapshot is the exported document.
type Snapshot struct {
	TakenAt    time.Time        `json:"takenAt"`
	ValidUsers []common.Address `json:"validUsers"`
	Deposits   []DepositRow     `json:"deposits"`
	Debts      []DebtRow        `json:"debts"`
}

// DepositRow is one deposit record.
type DepositRow struct {
	User   common.Address `json:"user"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// DebtRow is one debt record.
type DebtRow struct {
	User     common.Address  `json:"user"`
	Asset    common.Address  `json:"asset"`
	RateMode entity.RateMode `json:"rateMode"`
	Amount   *uint256.Int    `json:"amount"`
}

// Result describes one export.
type Result struct {
	Key      string
	Written  bool
	Users    int
	Deposits int
	Debts    int
}

// Service builds and uploads snapshots.
type Service struct {
	config Config
	users  outbound.AllowlistRepository
	ledger outbound.LedgerRepository
	writer outbound.S3Writer
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new snapshot exporter.
func NewService(config Config, users outbound.AllowlistRepository, ledger outbound.LedgerRepository, writer outbound.S3Writer) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("allowlist repository cannot be nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger repository cannot be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	defaults := ConfigDefaults()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Period <= 0 {
		config.Period = defaults.Period
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config: config,
		users:  users,
		ledger: ledger,
		writer: writer,
		now:    time.Now,
		logger: config.Logger.With("component", "ledger-snapshot"),
	}, nil
}

// Build reads the current state into a Snapshot.
func (s *Service) Build(ctx context.Context) (*Snapshot, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing valid users: %w", err)
	}
	deposits, err := s.ledger.ListDeposits(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing deposits: %w", err)
	}
	debts, err := s.ledger.ListDebts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing debts: %w", err)
	}

	snap := &Snapshot{
		TakenAt:    s.now().UTC(),
		ValidUsers: users,
		Deposits:   make([]DepositRow, 0, len(deposits)),
		Debts:      make([]DebtRow, 0, len(debts)),
	}
	if snap.ValidUsers == nil {
		snap.ValidUsers = []common.Address{}
	}
	for _, d := range deposits {
		snap.Deposits = append(snap.Deposits, DepositRow{User: d.User, Asset: d.Asset, Amount: d.Amount})
	}
	for _, d := range debts {
		snap.Debts = append(snap.Debts, DebtRow{User: d.User, Asset: d.Asset, RateMode: d.RateMode, Amount: d.Amount})
	}
	return snap, nil
}

// Key returns the object key for the period containing at.
func (s *Service) Key(at time.Time) string {
	start := at.UTC().Truncate(s.config.Period)
	return fmt.Sprintf("%s/%s/ledger_%s.json.gz",
		s.config.Prefix,
		start.Format("2006/01/02"),
		start.Format("20060102T150405Z"))
}

// Export builds a snapshot and writes it unless the period already has one.
func (s *Service) Export(ctx context.Context) (Result, error) {
	snap, err := s.Build(ctx)
	if err != nil {
		return Result{}, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return Result{}, fmt.Errorf("encoding snapshot: %w", err)
	}

	result := Result{
		Key:      s.Key(snap.TakenAt),
		Users:    len(snap.ValidUsers),
		Deposits: len(snap.Deposits),
		Debts:    len(snap.Debts),
	}

	written, err := s.writer.WriteFileIfNotExists(ctx, s.config.Bucket, result.Key, bytes.NewReader(data), true)
	if err != nil {
		return Result{}, fmt.Errorf("writing snapshot %s: %w", result.Key, err)
	}
	result.Written = written

	if written {
		s.logger.Info("snapshot written",
			"bucket", s.config.Bucket,
			"key", result.Key,
			"users", result.Users,
			"deposits", result.Deposits,
			"debts", result.Debts)
	} else {
		s.logger.Info("snapshot already exists for period", "bucket", s.config.Bucket, "key", result.Key)
	}
	return result, nil
}

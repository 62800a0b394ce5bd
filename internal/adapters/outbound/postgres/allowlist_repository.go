package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that AllowlistRepository implements outbound.AllowlistRepository
var _ outbound.AllowlistRepository = (*AllowlistRepository)(nil)

// AllowlistRepository stores valid users in the valid_users table.
// Insertion order is kept by a BIGSERIAL column, so a removed and re-added user
// moves to the end of the list.
type AllowlistRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAllowlistRepository creates a new allowlist repository.
func NewAllowlistRepository(pool *pgxpool.Pool, logger *slog.Logger) (*AllowlistRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AllowlistRepository{
		pool:   pool,
		logger: logger.With("component", "allowlist-repository"),
	}, nil
}

// Add inserts user unless present.
func (r *AllowlistRepository) Add(ctx context.Context, user common.Address) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO valid_users (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`,
		addressBytes(user))
	if err != nil {
		return false, fmt.Errorf("failed to insert valid user %s: %w", user.Hex(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// Remove deletes user if present.
func (r *AllowlistRepository) Remove(ctx context.Context, user common.Address) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM valid_users WHERE address = $1`, addressBytes(user))
	if err != nil {
		return false, fmt.Errorf("failed to delete valid user %s: %w", user.Hex(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// Contains reports whether user is a member.
func (r *AllowlistRepository) Contains(ctx context.Context, user common.Address) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM valid_users WHERE address = $1)`,
		addressBytes(user)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up valid user %s: %w", user.Hex(), err)
	}
	return exists, nil
}

// List returns all members ordered by insertion.
func (r *AllowlistRepository) List(ctx context.Context) ([]common.Address, error) {
	rows, err := r.pool.Query(ctx, `SELECT address FROM valid_users ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valid users: %w", err)
	}
	defer rows.Close()

	users := make([]common.Address, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan valid user: %w", err)
		}
		addr, err := toAddress(raw)
		if err != nil {
			return nil, err
		}
		users = append(users, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate valid users: %w", err)
	}
	return users, nil
}

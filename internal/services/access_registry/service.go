// Package access_registry maintains the set of users allowed to operate positions.
package access_registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that Service implements inbound.AccessService
var _ inbound.AccessService = (*Service)(nil)

// AdminGuard authorizes administrative calls. It is fixed at construction.
type AdminGuard struct {
	admin common.Address
}

// NewAdminGuard returns a guard for admin. The zero address is rejected.
func NewAdminGuard(admin common.Address) (AdminGuard, error) {
	if admin == (common.Address{}) {
		return AdminGuard{}, fmt.Errorf("admin address cannot be the zero address")
	}
	return AdminGuard{admin: admin}, nil
}

// Admin returns the administrator address.
func (g AdminGuard) Admin() common.Address { return g.admin }

// Authorize returns entity.ErrNotAuthorized unless caller is the administrator.
func (g AdminGuard) Authorize(caller common.Address) error {
	if caller != g.admin {
		return fmt.Errorf("%w: %s", entity.ErrNotAuthorized, caller.Hex())
	}
	return nil
}

// Service is the AccessRegistry.
type Service struct {
	guard  AdminGuard
	repo   outbound.AllowlistRepository
	logger *slog.Logger
}

// NewService creates the registry over repo.
func NewService(guard AdminGuard, repo outbound.AllowlistRepository, logger *slog.Logger) (*Service, error) {
	if guard.admin == (common.Address{}) {
		return nil, fmt.Errorf("admin guard is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("allowlist repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		guard:  guard,
		repo:   repo,
		logger: logger.With("component", "access-registry"),
	}, nil
}

// AddValidUser adds user. Adding a present user is a no-op that reports false.
func (s *Service) AddValidUser(ctx context.Context, caller, user common.Address) (bool, error) {
	if err := s.guard.Authorize(caller); err != nil {
		return false, err
	}
	if user == (common.Address{}) {
		return false, fmt.Errorf("%w: cannot add the zero address", entity.ErrInvalidRequest)
	}
	changed, err := s.repo.Add(ctx, user)
	if err != nil {
		return false, fmt.Errorf("failed to add valid user: %w", err)
	}
	if changed {
		s.logger.Info("valid user added", "user", user.Hex())
	}
	return changed, nil
}

// RemoveValidUser removes user. Removing an absent user is a no-op that reports false.
func (s *Service) RemoveValidUser(ctx context.Context, caller, user common.Address) (bool, error) {
	if err := s.guard.Authorize(caller); err != nil {
		return false, err
	}
	changed, err := s.repo.Remove(ctx, user)
	if err != nil {
		return false, fmt.Errorf("failed to remove valid user: %w", err)
	}
	if changed {
		s.logger.Info("valid user removed", "user", user.Hex())
	}
	return changed, nil
}

// GetValidUsers lists members in insertion order.
func (s *Service) GetValidUsers(ctx context.Context) ([]common.Address, error) {
	users, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list valid users: %w", err)
	}
	return users, nil
}

// IsValidUser reports membership.
func (s *Service) IsValidUser(ctx context.Context, user common.Address) (bool, error) {
	ok, err := s.repo.Contains(ctx, user)
	if err != nil {
		return false, fmt.Errorf("failed to check valid user: %w", err)
	}
	return ok, nil
}

// RequireValidUser returns entity.ErrNotAValidUser unless user is a member.
func (s *Service) RequireValidUser(ctx context.Context, user common.Address) error {
	ok, err := s.IsValidUser(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", entity.ErrNotAValidUser, user.Hex())
	}
	return nil
}

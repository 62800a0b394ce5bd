package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AllowlistRepository stores the ordered set of valid users.
type AllowlistRepository interface {
	// Add appends user to the set. It reports false when user was already present.
	Add(ctx context.Context, user common.Address) (bool, error)

	// Remove deletes user from the set. It reports false when user was absent.
	Remove(ctx context.Context, user common.Address) (bool, error)

	// Contains reports whether user is in the set.
	Contains(ctx context.Context, user common.Address) (bool, error)

	// List returns every member in insertion order.
	List(ctx context.Context) ([]common.Address, error)
}

// allowlist.go provides an in-memory implementation of AllowlistRepository.
//
// Membership is a map into a doubly linked list, so add, remove and lookup are
// O(1) and enumeration follows insertion order. Re-adding a removed user
// appends it at the end.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that AllowlistRepository implements outbound.AllowlistRepository
var _ outbound.AllowlistRepository = (*AllowlistRepository)(nil)

// AllowlistRepository is an ordered set of addresses.
type AllowlistRepository struct {
	mu      sync.RWMutex
	order   *list.List
	members map[common.Address]*list.Element
}

// NewAllowlistRepository creates an empty allowlist.
func NewAllowlistRepository() *AllowlistRepository {
	return &AllowlistRepository{
		order:   list.New(),
		members: make(map[common.Address]*list.Element),
	}
}

// Add appends user unless already present.
func (r *AllowlistRepository) Add(ctx context.Context, user common.Address) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[user]; ok {
		return false, nil
	}
	r.members[user] = r.order.PushBack(user)
	return true, nil
}

// Remove deletes user if present.
func (r *AllowlistRepository) Remove(ctx context.Context, user common.Address) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.members[user]
	if !ok {
		return false, nil
	}
	r.order.Remove(el)
	delete(r.members, user)
	return true, nil
}

// Contains reports membership.
func (r *AllowlistRepository) Contains(ctx context.Context, user common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[user]
	return ok, nil
}

// List returns members in insertion order.
func (r *AllowlistRepository) List(ctx context.Context) ([]common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(common.Address))
	}
	return out, nil
}

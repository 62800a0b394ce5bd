package outbound

import (
	"context"
	"time"
)

// Locker provides short-lived exclusive locks keyed by string.
type Locker interface {
	// TryLock acquires key for at most ttl. It returns (nil, false, nil) when another
	// holder owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error)
}

// Unlocker releases a lock obtained from Locker.TryLock.
type Unlocker interface {
	// Unlock releases the lock if it is still held by this owner.
	Unlock(ctx context.Context) error
}

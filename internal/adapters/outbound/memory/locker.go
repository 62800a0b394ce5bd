package memory

import (
	"context"
	"sync"
	"time"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that Locker implements outbound.Locker
var _ outbound.Locker = (*Locker)(nil)

// Locker is a process-local Locker. Expired locks are taken over on the next TryLock.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	nowFn func() time.Time
	seq   uint64
}

type lease struct {
	id      uint64
	expires time.Time
}

// NewLocker creates an in-memory locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), nowFn: time.Now}
}

// TryLock acquires key unless a live lease exists.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (outbound.Unlocker, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	l.held[key] = lease{id: l.seq, expires: now.Add(ttl)}
	return &memoryUnlock{locker: l, key: key, id: l.seq}, true, nil
}

type memoryUnlock struct {
	locker *Locker
	key    string
	id     uint64
}

func (u *memoryUnlock) Unlock(ctx context.Context) error {
	u.locker.mu.Lock()
	defer u.locker.mu.Unlock()
	if cur, ok := u.locker.held[u.key]; ok && cur.id == u.id {
		delete(u.locker.held, u.key)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// userLocks serializes writes per user_id while leaving different users
// fully parallel. Readers never take these locks; retrieval tolerates
// eventually-consistent results.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]chan struct{})}
}

func (u *userLocks) lockFor(userID string) chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch, ok := u.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		u.locks[userID] = ch
	}
	return ch
}

// Acquire takes the user's write lock, waiting at most timeout. On success
// the returned release function must be called exactly once.
func (u *userLocks) Acquire(ctx context.Context, userID string, timeout time.Duration) (func(), error) {
	ch := u.lockFor(userID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: user %s", types.ErrConcurrentWriteConflict, userID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

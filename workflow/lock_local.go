package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalWorkflowLock returns an in-process lock, enough for a single
// engine replica and for tests. Multi-replica deployments use the redis one.
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: &sync.Map{},
	}
}

type localWorkflowLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu       sync.Mutex
	token    string
	expireAt time.Time
	timer    *time.Timer
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// reentrancy: the holder carries its token in the context
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}

	token := uuid.NewString()

	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)

	if !info.mu.TryLock() {
		return errors.WithMessage(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] has been locked")
	}

	info.token = token
	info.expireAt = time.Now().Add(maxLockTimeDuration)

	// auto release on expiry so a stuck holder cannot wedge the key forever
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, token)
	})

	withKeyCtx := context.WithValue(ctx, lockKey(key), token)

	defer l.releaseKey(key, token)

	return f(withKeyCtx)
}

func (l *localWorkflowLock) releaseKey(key string, token string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		// already released
		return
	}

	info := lockInfo.(*localLockInfo)

	if info.token != token {
		slog.Warn("[localWorkflowLock.releaseKey] token mismatch", "expected", info.token, "got", token)
		return
	}

	if info.timer != nil {
		info.timer.Stop()
	}

	info.mu.Unlock()

	l.locks.Delete(key)
}

package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type lockKey string

// release only deletes the key when the token still matches, so an expired
// holder cannot drop a lock someone else re-acquired
const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisWorkflowLock returns a distributed lock for multi-replica engines.
func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// reentrant call, already holding the key
		return f(ctx)
	}

	token := uuid.NewString()

	isLock, err := d.redisClient.SetNX(ctx, key, token, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] err:%v", err)
	}
	if !isLock {
		return errors.WithMessage(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] has been locked")
	}

	withKeyCtx := context.WithValue(ctx, lockKey(key), token)
	defer d.releaseKey(key, token)
	return f(withKeyCtx)
}

func (d *redisWorkflowLock) releaseKey(key string, token string) {
	// the caller's context may already be cancelled, release on a fresh one
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, token).Result()
	if err != nil {
		slog.Error("[redisWorkflowLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		slog.Warn("[redisWorkflowLock.releaseKey] key was not released", "key", key, "reply", replyInterface)
	}
}

package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError = errors.New("lock failed")
)

// WorkflowLock serializes mutation of one instance. Every read-then-write
// that changes status, current node or context runs under the instance key,
// so a user transition and an SLA scan can never race past the same guard
// check.
type WorkflowLock interface {
	// NonBlockingSynchronized runs f while holding the key. If the key is
	// already held elsewhere it returns LockFailedError immediately; a holder
	// re-entering through the same context runs f directly.
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

package approval

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// busyLock 前 failures 次拿锁失败
type busyLock struct {
	failures int
	calls    int
}

func (l *busyLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx context.Context) error) error {
	l.calls++
	if l.calls <= l.failures {
		return LockFailedError
	}
	return f(ctx)
}

func newRetryService(t *testing.T, lock RequestLock, maxRetries int) (*ApprovalServiceImpl, *Metrics) {
	db := newTestDB(t)
	options := DefaultOptions()
	options.MaxRetries = maxRetries
	options.RetryBackoff = time.Millisecond
	metrics := NewMetrics(prometheus.NewRegistry())
	service := NewApprovalService(NewApprovalRepo(db), NewGormUserDirectory(db), lock,
		WithOptions(options), WithMetrics(metrics)).(*ApprovalServiceImpl)
	return service, metrics
}

func TestRunRequestOpRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("锁冲突后重试成功", func(t *testing.T) {
		lock := &busyLock{failures: 2}
		service, metrics := newRetryService(t, lock, 5)
		runs := 0
		err := service.runRequestOp(ctx, 1, "test", func(ctx context.Context, box *outbox) error {
			runs++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, lock.calls)
		assert.Equal(t, 1, runs)
		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Conflicts))
	})

	t.Run("超过重试次数", func(t *testing.T) {
		lock := &busyLock{failures: 100}
		service, _ := newRetryService(t, lock, 3)
		err := service.runRequestOp(ctx, 1, "test", func(ctx context.Context, box *outbox) error {
			return nil
		})
		assert.True(t, errors.Is(err, ErrConcurrentModification))
		assert.Equal(t, 4, lock.calls)
	})

	t.Run("版本冲突也会重试", func(t *testing.T) {
		service, _ := newRetryService(t, &busyLock{}, 5)
		runs := 0
		err := service.runRequestOp(ctx, 1, "test", func(ctx context.Context, box *outbox) error {
			runs++
			if runs < 3 {
				return errors.WithMessage(ErrConcurrentModification, "stale version")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, runs)
	})

	t.Run("业务错误不重试", func(t *testing.T) {
		lock := &busyLock{}
		service, _ := newRetryService(t, lock, 5)
		err := service.runRequestOp(ctx, 1, "test", func(ctx context.Context, box *outbox) error {
			return errors.WithMessage(ErrAlreadyDecided, "record 1")
		})
		assert.True(t, errors.Is(err, ErrAlreadyDecided))
		assert.Equal(t, 1, lock.calls)
	})

	t.Run("context 取消后停止重试", func(t *testing.T) {
		lock := &busyLock{failures: 100}
		service, _ := newRetryService(t, lock, 50)
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		err := service.runRequestOp(cancelCtx, 1, "test", func(ctx context.Context, box *outbox) error {
			return nil
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Less(t, lock.calls, 50)
	})
}

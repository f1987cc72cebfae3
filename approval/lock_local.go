package approval

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func NewLocalRequestLock() RequestLock {
	return &localRequestLock{
		locks: &sync.Map{},
	}
}

type localRequestLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu       sync.Mutex
	guard    sync.Mutex  // 保护下面的字段
	value    string      // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time   // 过期时间
	timer    *time.Timer // 超时定时器
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localRequestLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// 已经持有锁，可重入，直接执行
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}

	value := newLockToken()
	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)

	if !info.mu.TryLock() {
		// 锁被占用，立即返回失败
		return errors.WithMessage(LockFailedError, "[localRequestLock.NonBlockingSynchronized] has been locked")
	}

	info.guard.Lock()
	info.value = value
	info.expireAt = time.Now().Add(maxLockTimeDuration)
	// 超时自动释放, 防止闭包卡死一直占着锁
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, value)
	})
	info.guard.Unlock()

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer l.releaseKey(key, value)
	return f(withKeyCtx)
}

// releaseKey 释放锁
func (l *localRequestLock) releaseKey(key string, value string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		return
	}
	info := lockInfo.(*localLockInfo)
	info.guard.Lock()
	defer info.guard.Unlock()

	// 验证是否是同一个持有者, 超时释放后又被别人拿到的情况这里会不一致
	if info.value != value {
		zap.L().Debug("[localRequestLock.releaseKey] value mismatch",
			zap.String("key", key), zap.String("expected", info.value), zap.String("got", value))
		return
	}
	if info.timer != nil {
		info.timer.Stop()
	}
	info.value = ""
	// 不从map中删除, 删除后并发的 LoadOrStore 可能拿到两把不同的锁
	info.mu.Unlock()
}

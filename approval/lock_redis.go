package approval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisRequestLock(redisClient redis.Cmdable) RequestLock {
	return &redisRequestLock{redisClient: redisClient}
}

type redisRequestLock struct {
	redisClient redis.Cmdable
}

func (d *redisRequestLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := newLockToken()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisRequestLock.NonBlockingSynchronized], err:%v", err)
	}
	if !isLock {
		return errors.WithMessage(LockFailedError, "[redisRequestLock.NonBlockingSynchronized] has been locked")
	}
	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisRequestLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		zap.L().Error("[redisRequestLock.releaseKey] release key failed", zap.String("key", key), zap.Error(err))
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok {
		zap.L().Warn("[redisRequestLock.releaseKey] reply is not int64", zap.Any("reply", replyInterface))
		return
	}
	if reply != 1 {
		// 没有成功释放, 锁已经过期或者被别人持有
		zap.L().Warn("[redisRequestLock.releaseKey] reply is not 1", zap.String("key", key), zap.Int64("reply", reply))
	}
}

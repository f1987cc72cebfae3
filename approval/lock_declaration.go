package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var LockFailedError = errors.New("lock failed")

// RequestLock 单个采购申请的写锁, 保证同一个申请同一时刻只有一个写者
type RequestLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁, 持有信息放在ctx里面
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 一般是 requestOpLockKey(requestID)
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

func newLockToken() string {
	return uuid.NewString()
}

package lock

import (
	"context"
	"fmt"
	"time"
)

// AccountLockKey 账户同步锁的键：同一账户同一时刻只允许一个同步任务
func AccountLockKey(accountID uint64) string {
	return fmt.Sprintf("sync:account:%d", accountID)
}

// DistributedLock 分布式锁接口
type DistributedLock interface {
	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间（长任务每完成一个子窗口续期一次）
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// NopLock 空实现（单实例部署时使用）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}

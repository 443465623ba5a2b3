package job

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"coinsync/database"
	"coinsync/logger"
)

// 任务类型
const (
	KindExchangeSync = "exchange_sync"
	KindCSVTrades    = "csv_trades"
	KindCSVCashflows = "csv_cashflows"
)

// ErrTerminal 任务已到终态，不接受进一步变更
var ErrTerminal = errors.New("job already in terminal state")

// Counts 一次运行的累计处理结果
type Counts struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Tracker 持久化任务进度跟踪器
// 所有状态写入数据库，进程崩溃后任务可查询、可恢复
// 终态（completed / error）一经写入不再变更
type Tracker struct {
	db database.Database
}

// NewTracker 创建任务跟踪器
func NewTracker(db database.Database) *Tracker {
	return &Tracker{db: db}
}

// newJobID 生成 32 位十六进制任务ID
func newJobID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand 失败极罕见，退化为时间戳
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Create 创建并持久化一个运行中的新任务
func (t *Tracker) Create(ctx context.Context, ownerID, kind string, totalSteps int) (*database.SyncJob, error) {
	j := &database.SyncJob{
		ID:         newJobID(),
		OwnerID:    ownerID,
		Kind:       kind,
		Status:     database.JobStatusRunning,
		TotalSteps: totalSteps,
	}
	if err := t.db.CreateSyncJob(ctx, j); err != nil {
		return nil, fmt.Errorf("创建同步任务失败: %w", err)
	}
	logger.Info("📋 创建任务 %s (类型=%s, 步数=%d, 所有者=%s)", j.ID, kind, totalSteps, ownerID)
	return j, nil
}

// Get 查询任务，所有者不匹配时视为不存在
func (t *Tracker) Get(ctx context.Context, id, ownerID string) (*database.SyncJob, error) {
	j, err := t.db.GetSyncJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, database.ErrNotFound
	}
	return j, nil
}

// List 列出某所有者最近的任务
func (t *Tracker) List(ctx context.Context, ownerID string, limit int) ([]*database.SyncJob, error) {
	return t.db.ListSyncJobsByOwner(ctx, ownerID, limit)
}

// Progress 更新任务进度，任务已到终态时静默忽略
func (t *Tracker) Progress(ctx context.Context, id string, step int, message string, c Counts) error {
	j, err := t.db.GetSyncJob(ctx, id)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return nil
	}
	return t.db.UpdateSyncJob(ctx, id, map[string]interface{}{
		"current_step": step,
		"message":      message,
		"inserted":     c.Inserted,
		"updated":      c.Updated,
		"skipped":      c.Skipped,
	})
}

// Complete 将任务标记为成功终态
func (t *Tracker) Complete(ctx context.Context, id, message string, c Counts) error {
	j, err := t.db.GetSyncJob(ctx, id)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return ErrTerminal
	}
	err = t.db.UpdateSyncJob(ctx, id, map[string]interface{}{
		"status":       database.JobStatusCompleted,
		"current_step": j.TotalSteps,
		"message":      message,
		"inserted":     c.Inserted,
		"updated":      c.Updated,
		"skipped":      c.Skipped,
	})
	if err == nil {
		logger.Info("✅ 任务 %s 完成: 新增=%d 更新=%d 跳过=%d", id, c.Inserted, c.Updated, c.Skipped)
	}
	return err
}

// Fail 将任务标记为失败终态
func (t *Tracker) Fail(ctx context.Context, id string, jobErr error, c Counts) error {
	j, err := t.db.GetSyncJob(ctx, id)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return ErrTerminal
	}
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	err = t.db.UpdateSyncJob(ctx, id, map[string]interface{}{
		"status":   database.JobStatusError,
		"error":    msg,
		"inserted": c.Inserted,
		"updated":  c.Updated,
		"skipped":  c.Skipped,
	})
	if err == nil {
		logger.Error("❌ 任务 %s 失败: %s", id, msg)
	}
	return err
}

// Cancel 取消任务：立即写入失败终态，运行中的工作流在下一个处理单元前看到终态后停止
func (t *Tracker) Cancel(ctx context.Context, id, ownerID string) error {
	j, err := t.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return ErrTerminal
	}
	err = t.db.UpdateSyncJob(ctx, id, map[string]interface{}{
		"status": database.JobStatusError,
		"error":  "canceled by user",
	})
	if err == nil {
		logger.Warn("🛑 任务 %s 已被用户取消", id)
	}
	return err
}

// IsTerminal 任务是否已到终态（取消检查点使用）
func (t *Tracker) IsTerminal(ctx context.Context, id string) (bool, error) {
	j, err := t.db.GetSyncJob(ctx, id)
	if err != nil {
		return false, err
	}
	return j.IsTerminal(), nil
}

// StartPurgeLoop 周期清理超过保留期的终态任务，ctx 取消后退出
func (t *Tracker) StartPurgeLoop(ctx context.Context, retention, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				n, err := t.db.DeleteTerminalJobsBefore(ctx, cutoff)
				if err != nil {
					logger.Warn("⚠️ 清理过期任务失败: %v", err)
					continue
				}
				if n > 0 {
					logger.Info("🧹 已清理 %d 个过期终态任务", n)
				}
			}
		}
	}()
}

package job

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"coinsync/database"
)

func newTestTracker(t *testing.T) (*Tracker, database.Database) {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "job_test.db"),
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTracker(db), db
}

func TestCreateAndGet(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	j, err := tr.Create(ctx, "user-1", KindExchangeSync, 10)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if len(j.ID) != 32 {
		t.Errorf("任务ID长度 = %d，期望 32", len(j.ID))
	}
	if j.Status != database.JobStatusRunning {
		t.Errorf("新任务状态 = %s，期望 running", j.Status)
	}

	got, err := tr.Get(ctx, j.ID, "user-1")
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Kind != KindExchangeSync || got.TotalSteps != 10 {
		t.Errorf("任务字段不匹配: %+v", got)
	}
}

func TestGetHidesOtherOwnersJobs(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	j, _ := tr.Create(ctx, "user-1", KindCSVTrades, 5)
	if _, err := tr.Get(ctx, j.ID, "user-2"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("他人任务应表现为不存在，得到 %v", err)
	}
}

func TestProgressAndComplete(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	j, _ := tr.Create(ctx, "user-1", KindCSVTrades, 4)
	if err := tr.Progress(ctx, j.ID, 2, "batch 2/4", Counts{Inserted: 20, Skipped: 1}); err != nil {
		t.Fatalf("更新进度失败: %v", err)
	}

	got, _ := tr.Get(ctx, j.ID, "user-1")
	if got.CurrentStep != 2 || got.Inserted != 20 || got.Skipped != 1 {
		t.Errorf("进度未落库: %+v", got)
	}

	if err := tr.Complete(ctx, j.ID, "done", Counts{Inserted: 40, Updated: 2, Skipped: 1}); err != nil {
		t.Fatalf("完成任务失败: %v", err)
	}
	got, _ = tr.Get(ctx, j.ID, "user-1")
	if got.Status != database.JobStatusCompleted || got.CurrentStep != 4 || got.Inserted != 40 {
		t.Errorf("终态字段不匹配: %+v", got)
	}
}

func TestTerminalStateIsFrozen(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	j, _ := tr.Create(ctx, "user-1", KindExchangeSync, 3)
	if err := tr.Fail(ctx, j.ID, errors.New("boom"), Counts{Inserted: 1}); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}

	// 终态后进度更新静默忽略
	if err := tr.Progress(ctx, j.ID, 3, "late update", Counts{Inserted: 99}); err != nil {
		t.Fatalf("终态后的进度更新应为无操作: %v", err)
	}
	got, _ := tr.Get(ctx, j.ID, "user-1")
	if got.Inserted != 1 || got.CurrentStep != 0 {
		t.Errorf("终态字段被修改: %+v", got)
	}

	// 再次标记终态应报错
	if err := tr.Complete(ctx, j.ID, "too late", Counts{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("重复终态变更应返回 ErrTerminal，得到 %v", err)
	}
}

func TestCancel(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	j, _ := tr.Create(ctx, "user-1", KindExchangeSync, 3)

	// 非所有者不能取消
	if err := tr.Cancel(ctx, j.ID, "user-2"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("非所有者取消应表现为任务不存在，得到 %v", err)
	}

	if err := tr.Cancel(ctx, j.ID, "user-1"); err != nil {
		t.Fatalf("取消任务失败: %v", err)
	}
	got, _ := tr.Get(ctx, j.ID, "user-1")
	if got.Status != database.JobStatusError || got.Error == "" {
		t.Errorf("取消后应为失败终态: %+v", got)
	}

	terminal, err := tr.IsTerminal(ctx, j.ID)
	if err != nil || !terminal {
		t.Errorf("IsTerminal = (%v, %v)，期望 (true, nil)", terminal, err)
	}

	// 已终态的任务不能再取消
	if err := tr.Cancel(ctx, j.ID, "user-1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("重复取消应返回 ErrTerminal，得到 %v", err)
	}
}

func TestListByOwner(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Create(ctx, "user-1", KindExchangeSync, 1)
	tr.Create(ctx, "user-1", KindCSVTrades, 1)
	tr.Create(ctx, "user-2", KindCSVTrades, 1)

	jobs, err := tr.List(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("user-1 应有 2 个任务，得到 %d", len(jobs))
	}
}

func TestPurgeKeepsRunningJobs(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	running, _ := tr.Create(ctx, "user-1", KindExchangeSync, 1)
	done, _ := tr.Create(ctx, "user-1", KindCSVTrades, 1)
	tr.Complete(ctx, done.ID, "done", Counts{})

	// 将终态任务的更新时间推到保留期之外
	db.UpdateSyncJob(ctx, done.ID, map[string]interface{}{
		"updated_at": time.Now().Add(-2 * time.Hour),
	})

	n, err := db.DeleteTerminalJobsBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if n != 1 {
		t.Errorf("应清理 1 个任务，得到 %d", n)
	}
	if _, err := tr.Get(ctx, running.ID, "user-1"); err != nil {
		t.Errorf("运行中的任务不应被清理: %v", err)
	}
	if _, err := tr.Get(ctx, done.ID, "user-1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("过期终态任务应被删除，得到 %v", err)
	}
}

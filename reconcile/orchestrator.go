package reconcile

import (
	"context"
	"fmt"
	"time"

	"coinsync/config"
	"coinsync/database"
	"coinsync/exchange"
	binanceclient "coinsync/exchange/binance"
	"coinsync/job"
	"coinsync/lock"
	"coinsync/logger"
	"coinsync/metrics"
	"coinsync/vault"
)

// 运行状态机阶段，用于进度消息与日志
const (
	phaseInit        = "INIT"
	phaseFetching    = "FETCHING"
	phaseNormalizing = "NORMALIZING"
	phaseDeduping    = "DEDUPING"
	phasePersisting  = "PERSISTING"
	phaseFinalizing  = "FINALIZING"
)

// 账户锁的持有时长，每个处理批次后续期
const accountLockTTL = 30 * time.Minute

// Notifier 任务终态通知接口
type Notifier interface {
	NotifyJobFinished(job *database.SyncJob)
}

// ClientFactory 按账户凭证构造交易所客户端
// 测试时可替换为桩实现
type ClientFactory func(apiKey, secretKey string, acct *database.Account, relayToken string) (exchange.Client, error)

// Orchestrator 对账编排器：驱动抓取/规范化/去重/盈亏/持久化全流程，
// 每个运行作为独立后台任务执行，进度通过任务跟踪器对外可见
type Orchestrator struct {
	cfg       *config.Config
	db        database.Database
	tracker   *job.Tracker
	vault     *vault.Vault
	locks     lock.DistributedLock
	notifier  Notifier
	pm        *metrics.PrometheusMetrics
	newClient ClientFactory
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg *config.Config, db database.Database, tracker *job.Tracker, v *vault.Vault, locks lock.DistributedLock, notifier Notifier) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		db:       db,
		tracker:  tracker,
		vault:    v,
		locks:    locks,
		notifier: notifier,
		pm:       metrics.GetPrometheusMetrics(),
	}
	o.newClient = o.defaultClientFactory
	return o
}

// defaultClientFactory 按配置构造币安客户端
func (o *Orchestrator) defaultClientFactory(apiKey, secretKey string, acct *database.Account, relayToken string) (exchange.Client, error) {
	return binanceclient.NewClient(apiKey, secretKey, &binanceclient.Options{
		MarketMode:        acct.MarketMode,
		UseTestnet:        o.cfg.Exchange.UseTestnet,
		RelayURL:          o.cfg.Exchange.RelayURL,
		RelayToken:        relayToken,
		RecvWindow:        o.cfg.Exchange.RecvWindow,
		RequestsPerSecond: o.cfg.Sync.RequestRatePerSecond,
	})
}

// ExchangeSyncRequest 一次交易所同步请求
type ExchangeSyncRequest struct {
	OwnerID    string
	AccountIDs []uint64  // 为空时同步该用户的全部账户
	Symbols    []string  // 要检查的交易对
	From       time.Time // 同步起点（UTC）
	To         time.Time // 同步终点，零值表示当前时间
	RelayToken string    // 转发给中继的 Bearer 凭证（可选）
}

// StartExchangeSync 校验请求并启动后台同步，立即返回任务
// 输入无效（未知账户、空交易对、非法时间范围）时同步返回错误
func (o *Orchestrator) StartExchangeSync(ctx context.Context, req *ExchangeSyncRequest) (*database.SyncJob, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("交易对列表不能为空")
	}
	if req.To.IsZero() {
		req.To = time.Now().UTC()
	}
	if req.From.IsZero() || !req.From.Before(req.To) {
		return nil, fmt.Errorf("时间范围无效: from=%v to=%v", req.From, req.To)
	}

	accounts, err := o.resolveAccounts(ctx, req.OwnerID, req.AccountIDs)
	if err != nil {
		return nil, err
	}

	batches := chunkStrings(req.Symbols, o.cfg.Sync.SymbolBatchSize)
	// 每个账户：交易对批次 + 出入金 + 余额快照
	perAccount := len(batches) + 2
	totalSteps := len(accounts) * perAccount

	j, err := o.tracker.Create(ctx, req.OwnerID, job.KindExchangeSync, totalSteps)
	if err != nil {
		return nil, err
	}

	go o.runExchangeSync(j.ID, accounts, batches, req)
	return j, nil
}

// resolveAccounts 解析并校验本次同步覆盖的账户
func (o *Orchestrator) resolveAccounts(ctx context.Context, ownerID string, ids []uint64) ([]*database.Account, error) {
	if len(ids) == 0 {
		accounts, err := o.db.ListAccountsByOwner(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("查询账户失败: %w", err)
		}
		if len(accounts) == 0 {
			return nil, fmt.Errorf("用户没有可同步的账户")
		}
		return accounts, nil
	}

	accounts := make([]*database.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := o.db.FindAccountByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("账户 %d 不存在", id)
		}
		if acct.OwnerID != ownerID {
			return nil, fmt.Errorf("账户 %d 不存在", id)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// runExchangeSync 后台执行交易所同步（触发请求返回后继续运行）
func (o *Orchestrator) runExchangeSync(jobID string, accounts []*database.Account, batches [][]string, req *ExchangeSyncRequest) {
	ctx := context.Background()
	started := time.Now()
	logger.Info("🚀 [%s] 交易所同步开始: %d 个账户, %d 个交易对批次, 窗口 %s ~ %s",
		phaseInit, len(accounts), len(batches),
		req.From.Format("2006-01-02 15:04"), req.To.Format("2006-01-02 15:04"))

	var counts job.Counts
	var outcomes []Outcome
	perAccount := len(batches) + 2
	failedAccounts := 0

	for ai, acct := range accounts {
		if o.jobGone(ctx, jobID) {
			logger.Warn("🛑 任务 %s 已终止，放弃剩余账户", jobID)
			o.finishJob(jobID, started, job.KindExchangeSync)
			return
		}

		stepBase := ai * perAccount
		acctCounts, acctOutcomes, err := o.syncAccount(ctx, jobID, acct, batches, req, stepBase, &counts)
		counts.Inserted += acctCounts.Inserted
		counts.Updated += acctCounts.Updated
		counts.Skipped += acctCounts.Skipped
		outcomes = append(outcomes, acctOutcomes...)
		if err != nil {
			// 单账户致命错误：记录后继续其余账户
			logger.Error("❌ 账户 %d 同步失败: %v", acct.ID, err)
			outcomes = append(outcomes, Fail(fmt.Sprintf("account %d", acct.ID), err))
			failedAccounts++
			continue
		}
		outcomes = append(outcomes, Ok(fmt.Sprintf("account %d", acct.ID)))
	}

	tally := Count(outcomes)
	logger.Info("🏁 [%s] 单元结果: %d ok / %d skipped / %d failed", phaseFinalizing, tally.Ok, tally.Skipped, tally.Failed)

	if failedAccounts == len(accounts) {
		o.tracker.Fail(ctx, jobID, fmt.Errorf("全部 %d 个账户同步失败", len(accounts)), counts)
	} else {
		msg := fmt.Sprintf("同步完成: %d/%d 个账户成功", len(accounts)-failedAccounts, len(accounts))
		if failedAccounts > 0 {
			msg += fmt.Sprintf(" (%d 个失败)", failedAccounts)
		}
		o.tracker.Complete(ctx, jobID, msg, counts)
	}
	o.finishJob(jobID, started, job.KindExchangeSync)
}

// syncAccount 同步单个账户；返回的 error 表示该账户的致命错误
func (o *Orchestrator) syncAccount(ctx context.Context, jobID string, acct *database.Account, batches [][]string, req *ExchangeSyncRequest, stepBase int, running *job.Counts) (job.Counts, []Outcome, error) {
	var counts job.Counts
	var outcomes []Outcome

	// 账户消失或凭证无法解密都是该账户的致命错误
	fresh, err := o.db.FindAccountByID(ctx, acct.ID)
	if err != nil {
		return counts, outcomes, fmt.Errorf("账户记录已不存在: %w", err)
	}
	apiKey, err := o.vault.Decrypt(fresh.EncryptedKey)
	if err != nil {
		return counts, outcomes, fmt.Errorf("凭证解密失败: %w", err)
	}
	secretKey, err := o.vault.Decrypt(fresh.EncryptedSecret)
	if err != nil {
		return counts, outcomes, fmt.Errorf("凭证解密失败: %w", err)
	}

	lockKey := lock.AccountLockKey(acct.ID)
	acquired, err := o.locks.TryLock(ctx, lockKey, accountLockTTL)
	if err != nil {
		o.pm.RecordLockAcquire("error")
		return counts, outcomes, fmt.Errorf("获取账户锁失败: %w", err)
	}
	if !acquired {
		o.pm.RecordLockAcquire("conflict")
		logger.Warn("⏭️ 账户 %d 已有同步在进行，本次跳过", acct.ID)
		outcomes = append(outcomes, Skip(fmt.Sprintf("account %d", acct.ID), "another sync in progress"))
		return counts, outcomes, nil
	}
	o.pm.RecordLockAcquire("success")
	defer o.locks.Unlock(ctx, lockKey)

	client, err := o.newClient(apiKey, secretKey, fresh, req.RelayToken)
	if err != nil {
		return counts, outcomes, fmt.Errorf("创建交易所客户端失败: %w", err)
	}

	// FETCHING: 按交易对批次抓取全部子窗口的成交
	raws, fetchOutcomes := o.fetchTrades(ctx, jobID, fresh, client, batches, req, stepBase, running, &counts)
	outcomes = append(outcomes, fetchOutcomes...)
	if o.jobGone(ctx, jobID) {
		return counts, outcomes, nil
	}

	// NORMALIZING + 盈亏标注 + PERSISTING
	ins, upd, skip := o.persistAccountTrades(ctx, jobID, fresh, raws)
	counts.Inserted += ins
	counts.Updated += upd
	counts.Skipped += skip

	// 出入金
	if !o.jobGone(ctx, jobID) {
		cfIns, cfSkip, cfOutcomes := o.syncCashflows(ctx, fresh, client, req)
		counts.Inserted += cfIns
		counts.Skipped += cfSkip
		outcomes = append(outcomes, cfOutcomes...)
		o.progress(ctx, jobID, stepBase+len(batches)+1, fmt.Sprintf("账户 %d: 出入金同步完成", acct.ID), running, counts)
	}

	// 余额快照
	if !o.jobGone(ctx, jobID) {
		if err := o.snapshotBalances(ctx, fresh, client); err != nil {
			logger.Warn("⚠️ 账户 %d 余额快照失败: %v", acct.ID, err)
			outcomes = append(outcomes, Fail(fmt.Sprintf("account %d balances", acct.ID), err))
		} else {
			outcomes = append(outcomes, Ok(fmt.Sprintf("account %d balances", acct.ID)))
		}
		o.progress(ctx, jobID, stepBase+len(batches)+2, fmt.Sprintf("账户 %d: 同步完成", acct.ID), running, counts)
	}

	return counts, outcomes, nil
}

// progress 上报进度（累计计数 = 已完成账户计数 + 当前账户计数）
func (o *Orchestrator) progress(ctx context.Context, jobID string, step int, message string, running *job.Counts, current job.Counts) {
	total := job.Counts{
		Inserted: running.Inserted + current.Inserted,
		Updated:  running.Updated + current.Updated,
		Skipped:  running.Skipped + current.Skipped,
	}
	if err := o.tracker.Progress(ctx, jobID, step, message, total); err != nil {
		logger.Warn("⚠️ 进度上报失败: %v", err)
	}
}

// jobGone 任务是否已被外部置为终态（协作式取消检查点）
func (o *Orchestrator) jobGone(ctx context.Context, jobID string) bool {
	terminal, err := o.tracker.IsTerminal(ctx, jobID)
	if err != nil {
		// 任务记录读不到时保守地继续运行，终态冻结依然由跟踪器保证
		return false
	}
	return terminal
}

// finishJob 记录任务终态指标并发送通知
func (o *Orchestrator) finishJob(jobID string, started time.Time, kind string) {
	j, err := o.db.GetSyncJob(context.Background(), jobID)
	if err != nil {
		return
	}
	o.pm.RecordJob(kind, j.Status, time.Since(started))
	if o.notifier != nil {
		o.notifier.NotifyJobFinished(j)
	}
}

// sleepCtx 可被取消的定时等待，返回 false 表示上下文先被取消
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunkStrings 将切片按固定大小分块
func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = 5
	}
	var chunks [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

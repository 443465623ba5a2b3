package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"coinsync/csvimport"
	"coinsync/database"
	"coinsync/job"
	"coinsync/logger"
	"coinsync/pnl"
)

// CSVImportRequest 一次 CSV 导入请求
type CSVImportRequest struct {
	OwnerID     string
	AccountID   uint64
	RawText     string
	ResumeJobID string // 非空时从该任务的已完成步数继续
}

// StartTradeImport 校验并解析成交 CSV，启动后台导入，立即返回任务
func (o *Orchestrator) StartTradeImport(ctx context.Context, req *CSVImportRequest) (*database.SyncJob, error) {
	acct, err := o.ownedAccount(ctx, req.OwnerID, req.AccountID)
	if err != nil {
		return nil, err
	}

	result, err := csvimport.ParseTrades(req.RawText)
	if err != nil {
		return nil, fmt.Errorf("CSV 解析失败: %w", err)
	}
	if len(result.Trades) == 0 && result.Skipped == 0 {
		return nil, fmt.Errorf("CSV 没有可导入的行")
	}

	records := make([]*database.TradeRecord, 0, len(result.Trades))
	for _, row := range result.Trades {
		records = append(records, tradeFromCSV(acct, row))
	}
	sortByExecution(records)

	batchSize := o.cfg.Sync.CSVBatchSize
	numBatches := (len(records) + batchSize - 1) / batchSize

	j, startBatch, counts, err := o.resumeOrCreate(ctx, req, job.KindCSVTrades, numBatches, result.Skipped)
	if err != nil {
		return nil, err
	}

	go o.runTradeImport(j.ID, acct, records, batchSize, startBatch, counts)
	return j, nil
}

// StartCashflowImport 校验并解析出入金 CSV，启动后台导入，立即返回任务
func (o *Orchestrator) StartCashflowImport(ctx context.Context, req *CSVImportRequest) (*database.SyncJob, error) {
	acct, err := o.ownedAccount(ctx, req.OwnerID, req.AccountID)
	if err != nil {
		return nil, err
	}

	result, err := csvimport.ParseCashflows(req.RawText)
	if err != nil {
		return nil, fmt.Errorf("CSV 解析失败: %w", err)
	}
	if len(result.Cashflows) == 0 && result.Skipped == 0 {
		return nil, fmt.Errorf("CSV 没有可导入的行")
	}

	rows := make([]csvimport.CashflowRow, len(result.Cashflows))
	copy(rows, result.Cashflows)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].OccurredAt.Before(rows[j].OccurredAt)
	})

	batchSize := o.cfg.Sync.CSVBatchSize
	numBatches := (len(rows) + batchSize - 1) / batchSize

	j, startBatch, counts, err := o.resumeOrCreate(ctx, req, job.KindCSVCashflows, numBatches, result.Skipped)
	if err != nil {
		return nil, err
	}

	go o.runCashflowImport(j.ID, acct, rows, batchSize, startBatch, counts)
	return j, nil
}

// ownedAccount 校验账户存在且属于调用者
func (o *Orchestrator) ownedAccount(ctx context.Context, ownerID string, accountID uint64) (*database.Account, error) {
	acct, err := o.db.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("账户 %d 不存在", accountID)
	}
	if acct.OwnerID != ownerID {
		return nil, fmt.Errorf("账户 %d 不存在", accountID)
	}
	return acct, nil
}

// resumeOrCreate 恢复既有任务或创建新任务
// 恢复要求：任务属于调用者、类型一致、未到终态、步数与重新提交的文件一致
func (o *Orchestrator) resumeOrCreate(ctx context.Context, req *CSVImportRequest, kind string, numBatches, parseSkipped int) (*database.SyncJob, int, job.Counts, error) {
	if req.ResumeJobID == "" {
		steps := numBatches
		if steps == 0 {
			steps = 1
		}
		j, err := o.tracker.Create(ctx, req.OwnerID, kind, steps)
		if err != nil {
			return nil, 0, job.Counts{}, err
		}
		return j, 0, job.Counts{Skipped: parseSkipped}, nil
	}

	j, err := o.tracker.Get(ctx, req.ResumeJobID, req.OwnerID)
	if err != nil {
		return nil, 0, job.Counts{}, fmt.Errorf("任务 %s 不存在", req.ResumeJobID)
	}
	if j.Kind != kind {
		return nil, 0, job.Counts{}, fmt.Errorf("任务 %s 类型不匹配", req.ResumeJobID)
	}
	if j.IsTerminal() {
		return nil, 0, job.Counts{}, fmt.Errorf("任务 %s 已结束，不能恢复", req.ResumeJobID)
	}
	if j.TotalSteps != numBatches && !(numBatches == 0 && j.TotalSteps == 1) {
		return nil, 0, job.Counts{}, fmt.Errorf("提交的文件与任务 %s 不一致", req.ResumeJobID)
	}

	// 已记录的计数里含首次解析时的跳过数，恢复时不再累加
	counts := job.Counts{Inserted: j.Inserted, Updated: j.Updated, Skipped: j.Skipped}
	logger.Info("▶️ 任务 %s 从第 %d/%d 步恢复", j.ID, j.CurrentStep, j.TotalSteps)
	return j, j.CurrentStep, counts, nil
}

// runTradeImport 后台执行成交 CSV 导入
func (o *Orchestrator) runTradeImport(jobID string, acct *database.Account, records []*database.TradeRecord, batchSize, startBatch int, counts job.Counts) {
	ctx := context.Background()
	started := time.Now()
	numBatches := (len(records) + batchSize - 1) / batchSize
	logger.Info("🚀 CSV 成交导入开始: 账户 %d, %d 行, %d 个批次 (从第 %d 批)",
		acct.ID, len(records), numBatches, startBatch)

	// 盈亏引擎需要从头喂入全部成交流，恢复的运行也要重建批次状态
	engine := pnl.NewEngine()
	annotatePnL(engine, records, func(*database.TradeRecord) bool { return false })

	for bi := startBatch; bi < numBatches; bi++ {
		if o.jobGone(ctx, jobID) {
			logger.Warn("🛑 任务 %s 已终止，放弃剩余批次", jobID)
			o.finishJob(jobID, started, job.KindCSVTrades)
			return
		}

		end := (bi + 1) * batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[bi*batchSize : end]

		ins, upd, skip, err := o.persistTradeBatch(ctx, acct.ID, "csv", batch)
		if err != nil {
			logger.Warn("⚠️ 批次 %d 写入失败，跳过 %d 行: %v", bi+1, len(batch), err)
			counts.Skipped += len(batch)
		} else {
			counts.Inserted += ins
			counts.Updated += upd
			counts.Skipped += skip
		}
		o.progress(ctx, jobID, bi+1, fmt.Sprintf("批次 %d/%d 处理完成", bi+1, numBatches), &job.Counts{}, counts)
	}

	o.tracker.Complete(ctx, jobID,
		fmt.Sprintf("导入完成: 新增 %d, 补全 %d, 跳过 %d", counts.Inserted, counts.Updated, counts.Skipped), counts)
	o.finishJob(jobID, started, job.KindCSVTrades)
}

// runCashflowImport 后台执行出入金 CSV 导入
func (o *Orchestrator) runCashflowImport(jobID string, acct *database.Account, rows []csvimport.CashflowRow, batchSize, startBatch int, counts job.Counts) {
	ctx := context.Background()
	started := time.Now()
	numBatches := (len(rows) + batchSize - 1) / batchSize
	logger.Info("🚀 CSV 出入金导入开始: 账户 %d, %d 行, %d 个批次 (从第 %d 批)",
		acct.ID, len(rows), numBatches, startBatch)

	for bi := startBatch; bi < numBatches; bi++ {
		if o.jobGone(ctx, jobID) {
			logger.Warn("🛑 任务 %s 已终止，放弃剩余批次", jobID)
			o.finishJob(jobID, started, job.KindCSVCashflows)
			return
		}

		end := (bi + 1) * batchSize
		if end > len(rows) {
			end = len(rows)
		}

		for _, row := range rows[bi*batchSize : end] {
			flow := cashflowFromCSV(acct, row)
			ok, err := o.persistCashflow(ctx, "csv", flow)
			if err != nil {
				logger.Warn("⚠️ 出入金行写入失败 (pedido %s): %v", row.OrderNo, err)
				counts.Skipped++
				continue
			}
			if ok {
				counts.Inserted++
			} else {
				counts.Skipped++
			}
		}
		o.progress(ctx, jobID, bi+1, fmt.Sprintf("批次 %d/%d 处理完成", bi+1, numBatches), &job.Counts{}, counts)
	}

	o.tracker.Complete(ctx, jobID,
		fmt.Sprintf("导入完成: 新增 %d, 跳过 %d", counts.Inserted, counts.Skipped), counts)
	o.finishJob(jobID, started, job.KindCSVCashflows)
}

// cashflowFromCSV CSV 规范化行 → 出入金记录
func cashflowFromCSV(acct *database.Account, row csvimport.CashflowRow) *database.CashflowRecord {
	label := "Depósito"
	if row.Type == database.CashflowWithdrawal {
		label = "Saque"
	}
	note := label
	if row.Method != "" {
		note = fmt.Sprintf("%s via %s", label, row.Method)
	}
	if row.OrderNo != "" {
		note = fmt.Sprintf("%s - Pedido %s", note, row.OrderNo)
	}
	return &database.CashflowRecord{
		AccountID:   acct.ID,
		Type:        row.Type,
		Asset:       row.Asset,
		Amount:      row.Amount,
		Note:        note,
		ExternalRef: row.OrderNo,
		OccurredAt:  row.OccurredAt,
	}
}

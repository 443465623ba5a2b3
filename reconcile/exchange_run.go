package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinsync/database"
	"coinsync/exchange"
	"coinsync/job"
	"coinsync/lock"
	"coinsync/logger"
	"coinsync/pnl"
)

// fetchTrades 按交易对批次抓取全部子窗口的成交
// 批内并发、批间串行并带固定延迟；单个 交易对×子窗口 的失败记录后跳过
func (o *Orchestrator) fetchTrades(ctx context.Context, jobID string, acct *database.Account, client exchange.Client, batches [][]string, req *ExchangeSyncRequest, stepBase int, running *job.Counts, counts *job.Counts) ([]exchange.RawTrade, []Outcome) {
	windows := exchange.SplitWindow(exchange.Window{Start: req.From, End: req.To}, o.cfg.Sync.TradeWindow())

	var mu sync.Mutex
	var raws []exchange.RawTrade
	var outcomes []Outcome

	for bi, batch := range batches {
		if o.jobGone(ctx, jobID) {
			return raws, outcomes
		}
		if bi > 0 && !sleepCtx(ctx, o.cfg.Sync.BatchDelay()) {
			return raws, outcomes
		}
		// 批次处理期间为账户锁续期
		if err := o.locks.Extend(ctx, lock.AccountLockKey(acct.ID), accountLockTTL); err != nil {
			logger.Warn("⚠️ 账户锁续期失败: %v", err)
		}

		for _, w := range windows {
			var wg sync.WaitGroup
			for _, symbol := range batch {
				wg.Add(1)
				go func(symbol string, w exchange.Window) {
					defer wg.Done()
					unit := fmt.Sprintf("%s %s~%s", symbol, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
					trades, err := client.FetchTrades(ctx, symbol, w)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						// 传输层失败：记录后跳过该子窗口，不中断整个运行
						logger.Warn("⚠️ [%s] 成交抓取失败 %s: %v", phaseFetching, unit, err)
						outcomes = append(outcomes, Fail(unit, err))
						return
					}
					raws = append(raws, trades...)
					outcomes = append(outcomes, Ok(unit))
				}(symbol, w)
			}
			wg.Wait()
		}

		o.progress(ctx, jobID, stepBase+bi+1,
			fmt.Sprintf("账户 %d: 交易对批次 %d/%d 抓取完成", acct.ID, bi+1, len(batches)), running, *counts)
	}

	logger.Info("📥 [%s] 账户 %d 抓取到 %d 笔成交", phaseFetching, acct.ID, len(raws))
	return raws, outcomes
}

// persistAccountTrades 规范化、按时间排序、标注盈亏并分批持久化
func (o *Orchestrator) persistAccountTrades(ctx context.Context, jobID string, acct *database.Account, raws []exchange.RawTrade) (int, int, int) {
	if len(raws) == 0 {
		return 0, 0, 0
	}

	logger.Info("🔄 [%s] 账户 %d: 规范化 %d 笔成交", phaseNormalizing, acct.ID, len(raws))
	records := make([]*database.TradeRecord, 0, len(raws))
	withPnl := make(map[*database.TradeRecord]bool, len(raws))
	for _, raw := range raws {
		rec := tradeFromRaw(acct, raw)
		records = append(records, rec)
		withPnl[rec] = raw.HasPnl
	}

	// 盈亏引擎要求同一交易对按执行时间升序喂入
	sortByExecution(records)
	engine := pnl.NewEngine()
	annotatePnL(engine, records, func(r *database.TradeRecord) bool { return withPnl[r] })

	logger.Info("💾 [%s] 账户 %d: 开始写入", phasePersisting, acct.ID)
	inserted, updated, skipped := 0, 0, 0
	batchSize := o.cfg.Sync.CSVBatchSize
	for start := 0; start < len(records); start += batchSize {
		if o.jobGone(ctx, jobID) {
			logger.Warn("🛑 任务 %s 已终止，放弃剩余写入", jobID)
			return inserted, updated, skipped
		}
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		ins, upd, skip, err := o.persistTradeBatch(ctx, acct.ID, "exchange", records[start:end])
		if err != nil {
			logger.Warn("⚠️ [%s] 成交批次写入失败，跳过 %d 条: %v", phasePersisting, end-start, err)
			skipped += end - start
			continue
		}
		inserted += ins
		updated += upd
		skipped += skip
	}
	return inserted, updated, skipped
}

// syncCashflows 抓取并写入法币出入金与加密货币充提
func (o *Orchestrator) syncCashflows(ctx context.Context, acct *database.Account, client exchange.Client, req *ExchangeSyncRequest) (int, int, []Outcome) {
	windows := exchange.SplitWindow(exchange.Window{Start: req.From, End: req.To}, o.cfg.Sync.TransferWindow())
	inserted, skipped := 0, 0
	var outcomes []Outcome

	for _, w := range windows {
		for _, dir := range []exchange.Direction{exchange.DirectionDeposit, exchange.DirectionWithdrawal} {
			unit := fmt.Sprintf("fiat %s %s~%s", dir, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
			orders, err := client.FetchFiatOrders(ctx, dir, w)
			if err != nil {
				logger.Warn("⚠️ 法币订单抓取失败 %s: %v", unit, err)
				outcomes = append(outcomes, Fail(unit, err))
			} else {
				ins, skip := o.persistFiatOrders(ctx, acct, dir, orders)
				inserted += ins
				skipped += skip
				outcomes = append(outcomes, Ok(unit))
			}

			unit = fmt.Sprintf("crypto %s %s~%s", dir, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
			transfers, err := client.FetchCryptoTransfers(ctx, dir, w)
			if err != nil {
				logger.Warn("⚠️ 充提记录抓取失败 %s: %v", unit, err)
				outcomes = append(outcomes, Fail(unit, err))
			} else {
				ins, skip := o.persistCryptoTransfers(ctx, acct, dir, transfers)
				inserted += ins
				skipped += skip
				outcomes = append(outcomes, Ok(unit))
			}
		}
	}
	return inserted, skipped, outcomes
}

// persistFiatOrders 法币订单 → 出入金记录
func (o *Orchestrator) persistFiatOrders(ctx context.Context, acct *database.Account, dir exchange.Direction, orders []exchange.RawFiatOrder) (int, int) {
	inserted, skipped := 0, 0
	for _, ord := range orders {
		flow := &database.CashflowRecord{
			AccountID:   acct.ID,
			Asset:       ord.Currency,
			ExternalRef: ord.OrderNo,
			OccurredAt:  ord.CreatedAt,
		}
		if dir == exchange.DirectionDeposit {
			flow.Type = database.CashflowDeposit
			flow.Amount = ord.Amount
			flow.Note = fmt.Sprintf("Depósito via %s - Pedido %s", ord.Method, ord.OrderNo)
		} else {
			flow.Type = database.CashflowWithdrawal
			flow.Amount = ord.Amount.Sub(ord.Fee).Neg()
			flow.Note = fmt.Sprintf("Saque via %s - Pedido %s", ord.Method, ord.OrderNo)
		}
		ok, err := o.persistCashflow(ctx, "exchange", flow)
		if err != nil {
			logger.Warn("⚠️ 出入金记录写入失败 (pedido %s): %v", ord.OrderNo, err)
			skipped++
			continue
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped
}

// persistCryptoTransfers 充提记录 → 出入金记录
func (o *Orchestrator) persistCryptoTransfers(ctx context.Context, acct *database.Account, dir exchange.Direction, transfers []exchange.RawTransfer) (int, int) {
	inserted, skipped := 0, 0
	for _, tr := range transfers {
		flow := &database.CashflowRecord{
			AccountID:   acct.ID,
			Asset:       tr.Asset,
			ExternalRef: tr.ID,
			OccurredAt:  tr.OccurredAt,
		}
		if dir == exchange.DirectionDeposit {
			flow.Type = database.CashflowDeposit
			flow.Amount = tr.Amount
			flow.Note = fmt.Sprintf("Depósito de cripto - Pedido %s", tr.ID)
		} else {
			flow.Type = database.CashflowWithdrawal
			flow.Amount = tr.Amount.Sub(tr.Fee).Neg()
			flow.Note = fmt.Sprintf("Saque de cripto - Pedido %s", tr.ID)
		}
		ok, err := o.persistCashflow(ctx, "exchange", flow)
		if err != nil {
			logger.Warn("⚠️ 出入金记录写入失败 (transfer %s): %v", tr.ID, err)
			skipped++
			continue
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped
}

// snapshotBalances 抓取余额并整体替换账户快照
func (o *Orchestrator) snapshotBalances(ctx context.Context, acct *database.Account, client exchange.Client) error {
	balances, err := client.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("余额抓取失败: %w", err)
	}

	now := time.Now().UTC()
	snapshots := make([]*database.BalanceSnapshot, 0, len(balances))
	for _, b := range balances {
		snapshots = append(snapshots, &database.BalanceSnapshot{
			AccountID:  acct.ID,
			Asset:      b.Asset,
			Free:       b.Free,
			Locked:     b.Locked,
			MarketMode: acct.MarketMode,
			SnapshotAt: now,
		})
	}
	if err := o.db.ReplaceBalanceSnapshots(ctx, acct.ID, snapshots); err != nil {
		return fmt.Errorf("余额快照写入失败: %w", err)
	}
	logger.Info("📸 账户 %d: 余额快照已刷新 (%d 项资产)", acct.ID, len(snapshots))
	return nil
}

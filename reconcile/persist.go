package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"coinsync/csvimport"
	"coinsync/database"
	"coinsync/dedup"
	"coinsync/exchange"
	"coinsync/logger"
	"coinsync/pnl"
)

// tradeFromRaw 交易所原始成交 → 持久化记录
func tradeFromRaw(acct *database.Account, raw exchange.RawTrade) *database.TradeRecord {
	return &database.TradeRecord{
		AccountID:   acct.ID,
		Exchange:    acct.Exchange,
		MarketMode:  acct.MarketMode,
		Symbol:      raw.Symbol,
		Side:        raw.Side,
		Quantity:    raw.Quantity,
		Price:       raw.Price,
		FeeAmount:   raw.Fee,
		FeeAsset:    raw.FeeAsset,
		RealizedPnl: raw.RealizedPnl,
		OrderID:     raw.OrderID,
		TradeID:     raw.TradeID,
		OrderType:   raw.OrderType,
		ExecutedAt:  raw.ExecutedAt,
	}
}

// tradeFromCSV CSV 规范化行 → 持久化记录
func tradeFromCSV(acct *database.Account, row csvimport.TradeRow) *database.TradeRecord {
	return &database.TradeRecord{
		AccountID:  acct.ID,
		Exchange:   acct.Exchange,
		MarketMode: acct.MarketMode,
		Symbol:     row.Symbol,
		Side:       row.Side,
		Quantity:   row.Quantity,
		Price:      row.Price,
		FeeAmount:  row.Fee,
		FeeAsset:   row.FeeAsset,
		OrderID:    row.OrderID,
		TradeID:    row.TradeID,
		OrderType:  row.OrderType,
		ExecutedAt: row.ExecutedAt,
	}
}

// sortByExecution 按执行时间升序排序（同一交易对的盈亏计算依赖该顺序）
func sortByExecution(records []*database.TradeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ExecutedAt.Before(records[j].ExecutedAt)
	})
}

// annotatePnL 用批次撮合引擎为未携带盈亏的卖出记录计算已实现盈亏
// records 必须已按执行时间升序排列；携带交易所盈亏的记录（合约成交)原样保留
func annotatePnL(engine *pnl.Engine, records []*database.TradeRecord, hasPnl func(*database.TradeRecord) bool) {
	for _, r := range records {
		if hasPnl(r) {
			continue
		}
		realized := engine.ApplyFill(r.Symbol, r.Side, r.Quantity, r.Price, r.ExecutedAt)
		if r.Side == database.SideSell {
			r.RealizedPnl = realized
		}
	}
}

// persistTradeBatch 将一批成交写入数据库：批内合并、既有身份查找、
// 写前最后复查，失败记录单独重试后计为跳过
// 返回 (新增, 补全, 跳过)；返回 error 仅表示批级基础设施故障（查询失败等）
func (o *Orchestrator) persistTradeBatch(ctx context.Context, accountID uint64, source string, batch []*database.TradeRecord) (int, int, int, error) {
	if len(batch) == 0 {
		return 0, 0, 0, nil
	}

	inserted, updated, skipped := 0, 0, 0

	// 批内去重：同一身份的行合并为一条
	batch, collapsed := dedup.Collapse(batch)
	if collapsed > 0 {
		skipped += collapsed
		o.pm.RecordSkipped(source, "trade", "duplicate", collapsed)
	}

	// 每批一次既有身份查找，而不是每行一次
	existing, err := o.lookupExisting(ctx, accountID, batch)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("查询既有成交失败: %w", err)
	}

	ix := dedup.NewIndex(existing)
	byID := make(map[uint64]*database.TradeRecord, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	var pending []*database.TradeRecord
	for _, rec := range batch {
		id, ok := ix.Find(rec)
		if !ok {
			pending = append(pending, rec)
			continue
		}
		fields := dedup.UpdateFields(byID[id], rec)
		if len(fields) == 0 {
			skipped++
			o.pm.RecordSkipped(source, "trade", "duplicate", 1)
			continue
		}
		if err := o.updateWithRetry(ctx, id, fields); err != nil {
			logger.Warn("⚠️ 成交记录 %d 补全失败，跳过: %v", id, err)
			skipped++
			o.pm.RecordSkipped(source, "trade", "persist_failed", 1)
			continue
		}
		updated++
	}

	// 写前最后复查：关闭同一运行内并发步骤插入同一身份的竞态
	if len(pending) > 0 {
		recheck, err := o.lookupExisting(ctx, accountID, pending)
		if err != nil {
			return inserted, updated, skipped, fmt.Errorf("写前复查失败: %w", err)
		}
		if len(recheck) > 0 {
			rx := dedup.NewIndex(recheck)
			rByID := make(map[uint64]*database.TradeRecord, len(recheck))
			for _, e := range recheck {
				rByID[e.ID] = e
			}
			still := pending[:0]
			for _, rec := range pending {
				id, ok := rx.Find(rec)
				if !ok {
					still = append(still, rec)
					continue
				}
				fields := dedup.UpdateFields(rByID[id], rec)
				if len(fields) == 0 {
					skipped++
					o.pm.RecordSkipped(source, "trade", "duplicate", 1)
					continue
				}
				if err := o.updateWithRetry(ctx, id, fields); err != nil {
					skipped++
					o.pm.RecordSkipped(source, "trade", "persist_failed", 1)
					continue
				}
				updated++
			}
			pending = still
		}
	}

	if len(pending) > 0 {
		if err := o.db.InsertTrades(ctx, pending); err != nil {
			// 批量插入失败时逐条重试，失败的单条计为跳过
			logger.Warn("⚠️ 批量插入失败，降级为逐条写入: %v", err)
			for _, rec := range pending {
				if err := o.insertWithRetry(ctx, rec); err != nil {
					logger.Warn("⚠️ 成交记录持久化失败，跳过 (%s %s@%s): %v", rec.Symbol, rec.Side, rec.ExecutedAt.Format(time.RFC3339), err)
					skipped++
					o.pm.RecordSkipped(source, "trade", "persist_failed", 1)
					continue
				}
				inserted++
			}
		} else {
			inserted += len(pending)
		}
	}

	o.pm.RecordInserted(source, "trade", inserted)
	o.pm.RecordUpdated(source, "trade", updated)
	return inserted, updated, skipped, nil
}

// lookupExisting 按外部ID与时间范围查找批次可能命中的既有记录
func (o *Orchestrator) lookupExisting(ctx context.Context, accountID uint64, batch []*database.TradeRecord) ([]*database.TradeRecord, error) {
	var orderIDs, tradeIDs []string
	var from, to time.Time
	for i, rec := range batch {
		if rec.OrderID != "" {
			orderIDs = append(orderIDs, rec.OrderID)
		}
		if rec.TradeID != "" {
			tradeIDs = append(tradeIDs, rec.TradeID)
		}
		if i == 0 || rec.ExecutedAt.Before(from) {
			from = rec.ExecutedAt
		}
		if i == 0 || rec.ExecutedAt.After(to) {
			to = rec.ExecutedAt
		}
	}

	byIdent, err := o.db.FindTradesByExternalIDs(ctx, accountID, orderIDs, tradeIDs)
	if err != nil {
		return nil, err
	}

	// 组合指纹匹配需要同时间范围内的既有记录（时间戳截断到秒，范围各放宽1秒）
	byTime, err := o.db.FindTradesByTimeRange(ctx, accountID, from.Add(-time.Second), to.Add(time.Second))
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(byIdent)+len(byTime))
	merged := make([]*database.TradeRecord, 0, len(byIdent)+len(byTime))
	for _, e := range byIdent {
		if !seen[e.ID] {
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}
	for _, e := range byTime {
		if !seen[e.ID] {
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}
	return merged, nil
}

// updateWithRetry 单条补全，失败后按策略重试
func (o *Orchestrator) updateWithRetry(ctx context.Context, id uint64, fields map[string]interface{}) error {
	var err error
	for attempt := 0; attempt <= o.cfg.Sync.PersistRetries; attempt++ {
		if err = o.db.UpdateTrade(ctx, id, fields); err == nil {
			return nil
		}
	}
	return err
}

// insertWithRetry 单条插入，失败后按策略重试
func (o *Orchestrator) insertWithRetry(ctx context.Context, rec *database.TradeRecord) error {
	var err error
	for attempt := 0; attempt <= o.cfg.Sync.PersistRetries; attempt++ {
		if err = o.db.InsertTrades(ctx, []*database.TradeRecord{rec}); err == nil {
			return nil
		}
	}
	return err
}

// persistCashflow 写入一笔出入金：先按外部订单号精确匹配，
// 再回退到备注子串匹配（兼容旧数据）；没有订单号的行退化为
// (类型, 资产, 金额, 秒级时间戳) 组合身份匹配，命中即跳过
// 返回 (是否新增, error)
func (o *Orchestrator) persistCashflow(ctx context.Context, source string, flow *database.CashflowRecord) (bool, error) {
	if flow.ExternalRef != "" {
		if _, err := o.db.FindCashflowByExternalRef(ctx, flow.AccountID, flow.ExternalRef); err == nil {
			o.pm.RecordSkipped(source, "cashflow", "duplicate", 1)
			return false, nil
		} else if !errors.Is(err, database.ErrNotFound) {
			return false, fmt.Errorf("查询出入金记录失败: %w", err)
		}

		// 旧数据没有 external_ref 列值，订单号只嵌在备注里
		if _, err := o.db.FindCashflowByNoteSubstring(ctx, flow.AccountID, flow.ExternalRef); err == nil {
			o.pm.RecordSkipped(source, "cashflow", "duplicate", 1)
			return false, nil
		} else if !errors.Is(err, database.ErrNotFound) {
			return false, fmt.Errorf("查询出入金记录失败: %w", err)
		}
	} else {
		if _, err := o.db.FindCashflowByFingerprint(ctx, flow.AccountID, flow.Type, flow.Asset, flow.Amount, flow.OccurredAt); err == nil {
			o.pm.RecordSkipped(source, "cashflow", "duplicate", 1)
			return false, nil
		} else if !errors.Is(err, database.ErrNotFound) {
			return false, fmt.Errorf("查询出入金记录失败: %w", err)
		}
	}

	if err := o.db.InsertCashflow(ctx, flow); err != nil {
		return false, fmt.Errorf("写入出入金记录失败: %w", err)
	}
	o.pm.RecordInserted(source, "cashflow", 1)
	return true, nil
}

package dedup

import (
	"fmt"
	"strings"

	"coinsync/database"
)

// Fingerprint 计算一条成交的稳定身份，严格按优先级：
// 1. 有外部订单ID → (账户, 订单ID)
// 2. 有外部成交ID → (账户, 成交ID)
// 3. 组合指纹 → (账户, 截断到秒的时间戳, 交易对, 方向, 价格8位, 数量8位)
// 带外部ID的记录永远不会落到组合指纹
func Fingerprint(t *database.TradeRecord) string {
	if t.OrderID != "" {
		return fmt.Sprintf("o:%d:%s", t.AccountID, t.OrderID)
	}
	if t.TradeID != "" {
		return fmt.Sprintf("t:%d:%s", t.AccountID, t.TradeID)
	}
	return compositeFingerprint(t)
}

// compositeFingerprint 无外部ID记录的组合指纹
// 手工 CSV 导出常见亚秒精度差异，时间戳截断到秒
func compositeFingerprint(t *database.TradeRecord) string {
	return fmt.Sprintf("c:%d:%d:%s:%s:%s:%s",
		t.AccountID,
		t.ExecutedAt.Unix(),
		strings.ToUpper(t.Symbol),
		t.Side,
		t.Price.StringFixed(8),
		t.Quantity.StringFixed(8),
	)
}

// Index 已持久化成交的身份索引
type Index struct {
	byIdentity map[string]uint64 // 身份指纹 → 记录ID
}

// NewIndex 从已有记录集建立索引
func NewIndex(existing []*database.TradeRecord) *Index {
	ix := &Index{byIdentity: make(map[string]uint64, len(existing))}
	for _, t := range existing {
		ix.Add(t)
	}
	return ix
}

// Add 把一条已持久化记录加入索引
// 三种身份全部登记：后到的无ID来源（CSV）也能命中带ID来源（API）已写入的同一笔成交
func (ix *Index) Add(t *database.TradeRecord) {
	if t.OrderID != "" {
		ix.byIdentity[fmt.Sprintf("o:%d:%s", t.AccountID, t.OrderID)] = t.ID
	}
	if t.TradeID != "" {
		ix.byIdentity[fmt.Sprintf("t:%d:%s", t.AccountID, t.TradeID)] = t.ID
	}
	ix.byIdentity[compositeFingerprint(t)] = t.ID
}

// Find 按严格优先级查找记录的既有身份
// 返回已持久化记录的ID；未命中返回 false（应插入新记录）
func (ix *Index) Find(t *database.TradeRecord) (uint64, bool) {
	id, ok := ix.byIdentity[Fingerprint(t)]
	return id, ok
}

// Size 索引中的身份数
func (ix *Index) Size() int {
	return len(ix.byIdentity)
}

// Collapse 批内去重：同一批里身份相同的行合并为一条
// 后出现的行覆盖先出现的行中为空的字段（后到的数据通常更完整）
// 返回合并后的批与被合并的行数
func Collapse(batch []*database.TradeRecord) ([]*database.TradeRecord, int) {
	seen := make(map[string]*database.TradeRecord, len(batch))
	order := make([]string, 0, len(batch))
	collapsed := 0

	for _, t := range batch {
		fp := Fingerprint(t)
		if prev, ok := seen[fp]; ok {
			mergeTrade(prev, t)
			collapsed++
			continue
		}
		seen[fp] = t
		order = append(order, fp)
	}

	result := make([]*database.TradeRecord, 0, len(order))
	for _, fp := range order {
		result = append(result, seen[fp])
	}
	return result, collapsed
}

// mergeTrade 用后到行补全先到行的空字段
func mergeTrade(dst, src *database.TradeRecord) {
	if dst.OrderID == "" {
		dst.OrderID = src.OrderID
	}
	if dst.TradeID == "" {
		dst.TradeID = src.TradeID
	}
	if dst.OrderType == "" {
		dst.OrderType = src.OrderType
	}
	if dst.FeeAsset == "" {
		dst.FeeAsset = src.FeeAsset
	}
	if dst.FeeAmount.IsZero() && !src.FeeAmount.IsZero() {
		dst.FeeAmount = src.FeeAmount
	}
}

// UpdateFields 计算既有记录需要补全的字段
// 只补空字段、不回退已有数据，保证重复摄取是幂等的良性更新
func UpdateFields(existing, incoming *database.TradeRecord) map[string]interface{} {
	fields := make(map[string]interface{})

	if existing.OrderID == "" && incoming.OrderID != "" {
		fields["order_id"] = incoming.OrderID
	}
	if existing.TradeID == "" && incoming.TradeID != "" {
		fields["trade_id"] = incoming.TradeID
	}
	if existing.OrderType == "" && incoming.OrderType != "" {
		fields["order_type"] = incoming.OrderType
	}
	if existing.FeeAsset == "" && incoming.FeeAsset != "" {
		fields["fee_asset"] = incoming.FeeAsset
	}
	if existing.FeeAmount.IsZero() && !incoming.FeeAmount.IsZero() {
		fields["fee_amount"] = incoming.FeeAmount
	}
	if existing.RealizedPnl.IsZero() && !incoming.RealizedPnl.IsZero() {
		fields["realized_pnl"] = incoming.RealizedPnl
	}
	return fields
}

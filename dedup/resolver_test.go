package dedup

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinsync/database"
)

func makeTrade(orderID, tradeID string, ts time.Time) *database.TradeRecord {
	return &database.TradeRecord{
		AccountID:  1,
		Symbol:     "BTCUSDT",
		Side:       database.SideBuy,
		Quantity:   decimal.NewFromFloat(0.5),
		Price:      decimal.NewFromFloat(30000),
		OrderID:    orderID,
		TradeID:    tradeID,
		ExecutedAt: ts,
	}
}

func TestFingerprintPrecedence(t *testing.T) {
	now := time.Now().UTC()

	withOrder := makeTrade("ORD1", "TRD1", now)
	withTradeOnly := makeTrade("", "TRD1", now)
	withNothing := makeTrade("", "", now)

	fpOrder := Fingerprint(withOrder)
	fpTrade := Fingerprint(withTradeOnly)
	fpComposite := Fingerprint(withNothing)

	if fpOrder == fpTrade || fpTrade == fpComposite || fpOrder == fpComposite {
		t.Error("三级身份的指纹应互不相同")
	}

	// 带订单ID的记录永远走订单ID身份，即使成交ID也在
	if fpOrder != "o:1:ORD1" {
		t.Errorf("订单ID身份错误: %s", fpOrder)
	}
	if fpTrade != "t:1:TRD1" {
		t.Errorf("成交ID身份错误: %s", fpTrade)
	}
}

func TestCompositeFingerprintSubSecondStability(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a := makeTrade("", "", base)
	b := makeTrade("", "", base.Add(700*time.Millisecond)) // 仅亚秒差异

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("亚秒精度差异不应产生不同身份")
	}

	c := makeTrade("", "", base.Add(time.Second))
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("秒级差异应产生不同身份")
	}
}

func TestCompositeFingerprintRounding(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a := makeTrade("", "", now)
	a.Price = decimal.RequireFromString("30000.000000001") // 第9位小数
	b := makeTrade("", "", now)
	b.Price = decimal.RequireFromString("30000")

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("价格第9位小数差异不应产生不同身份")
	}
}

func TestIndexFind(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	existing := makeTrade("ORD1", "TRD1", now)
	existing.ID = 42
	ix := NewIndex([]*database.TradeRecord{existing})

	// API 来源：按订单ID命中
	if id, ok := ix.Find(makeTrade("ORD1", "", now)); !ok || id != 42 {
		t.Errorf("按订单ID应命中 42: id=%d ok=%v", id, ok)
	}
	// CSV 来源（无外部ID）：按组合指纹命中同一记录
	if id, ok := ix.Find(makeTrade("", "", now)); !ok || id != 42 {
		t.Errorf("按组合指纹应命中 42: id=%d ok=%v", id, ok)
	}
	// 不同账户不命中
	other := makeTrade("ORD1", "", now)
	other.AccountID = 2
	if _, ok := ix.Find(other); ok {
		t.Error("其它账户不应命中")
	}
}

func TestCollapseDuplicatesInBatch(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first := makeTrade("", "", now)
	duplicate := makeTrade("", "", now.Add(300*time.Millisecond))
	duplicate.OrderID = "" // 同组合指纹
	duplicate.FeeAsset = "BTC"
	duplicate.FeeAmount = decimal.NewFromFloat(0.0001)
	distinct := makeTrade("ORD9", "", now)

	result, collapsed := Collapse([]*database.TradeRecord{first, duplicate, distinct})

	if len(result) != 2 {
		t.Fatalf("期望合并后 2 条, 得到 %d", len(result))
	}
	if collapsed != 1 {
		t.Errorf("期望合并 1 条, 得到 %d", collapsed)
	}
	// 后到行补全了先到行的手续费字段
	if result[0].FeeAsset != "BTC" || result[0].FeeAmount.IsZero() {
		t.Errorf("合并未补全字段: %+v", result[0])
	}
	// 保持先到顺序
	if result[1].OrderID != "ORD9" {
		t.Errorf("合并应保持顺序: %+v", result[1])
	}
}

func TestUpdateFieldsOnlyFillsBlanks(t *testing.T) {
	now := time.Now().UTC()

	existing := makeTrade("", "TRD1", now)
	existing.FeeAsset = "USDT"
	incoming := makeTrade("ORD1", "TRD1", now)
	incoming.FeeAsset = "BTC" // 已有值，不应覆盖
	incoming.OrderType = "LIMIT"

	fields := UpdateFields(existing, incoming)

	if fields["order_id"] != "ORD1" {
		t.Errorf("应补全订单ID: %v", fields)
	}
	if fields["order_type"] != "LIMIT" {
		t.Errorf("应补全订单类型: %v", fields)
	}
	if _, ok := fields["fee_asset"]; ok {
		t.Error("已有手续费资产不应被覆盖")
	}

	// 完全相同的记录不应产生任何更新
	same := makeTrade("", "TRD1", now)
	same.FeeAsset = "USDT"
	if fields := UpdateFields(existing, same); len(fields) != 0 {
		t.Errorf("幂等重放不应产生更新: %v", fields)
	}
}

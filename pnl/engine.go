package pnl

import (
	"time"

	"github.com/shopspring/decimal"
)

// lot 某交易对一笔仍未平仓的买入批次
type lot struct {
	quantity  decimal.Decimal
	price     decimal.Decimal
	timestamp time.Time
}

// Engine 按批次撮合计算已实现盈亏
//
// 卖出时从批次队列的「最近加入端」开始抵扣（保持与历史对账结果一致的
// 后进先出顺序，这是刻意保留的行为，不是经典的最早批次优先）。
// 状态只在一次对账运行内有效，不跨运行持久化：想要全历史口径的盈亏，
// 调用方必须将账户完整的成交流按时间顺序喂给同一个引擎实例。
type Engine struct {
	lots map[string][]*lot // 交易对 → 未平仓买入批次，按加入顺序
}

// NewEngine 创建空引擎
func NewEngine() *Engine {
	return &Engine{lots: make(map[string][]*lot)}
}

// ApplyFill 按时间顺序应用一笔成交，返回该笔成交的已实现盈亏
// 买入批次入队，盈亏为零；卖出从最近的批次开始抵扣
// 调用方必须按执行时间升序喂入同一交易对的成交
func (e *Engine) ApplyFill(symbol, side string, quantity, price decimal.Decimal, timestamp time.Time) decimal.Decimal {
	if side == "BUY" {
		e.lots[symbol] = append(e.lots[symbol], &lot{
			quantity:  quantity,
			price:     price,
			timestamp: timestamp,
		})
		return decimal.Zero
	}

	realized := decimal.Zero
	remaining := quantity
	queue := e.lots[symbol]

	// 从尾部（最近加入的批次）向前抵扣
	for i := len(queue) - 1; i >= 0 && remaining.IsPositive(); i-- {
		l := queue[i]

		consumed := l.quantity
		if consumed.GreaterThan(remaining) {
			consumed = remaining
		}

		realized = realized.Add(price.Sub(l.price).Mul(consumed))
		l.quantity = l.quantity.Sub(consumed)
		remaining = remaining.Sub(consumed)
	}

	// 移除已耗尽的批次
	alive := queue[:0]
	for _, l := range queue {
		if l.quantity.IsPositive() {
			alive = append(alive, l)
		}
	}
	e.lots[symbol] = alive

	// 卖出超过全部未平仓数量：超出部分按零成本计
	if remaining.IsPositive() {
		realized = realized.Add(price.Mul(remaining))
	}

	return realized
}

// OpenQuantity 某交易对当前未平仓的买入总量
func (e *Engine) OpenQuantity(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.lots[symbol] {
		total = total.Add(l.quantity)
	}
	return total
}

// OpenLots 某交易对当前未平仓批次数
func (e *Engine) OpenLots(symbol string) int {
	return len(e.lots[symbol])
}

// Reset 清空全部状态（一次对账运行结束时调用）
func (e *Engine) Reset() {
	e.lots = make(map[string][]*lot)
}

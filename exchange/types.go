package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 资金流方向
type Direction string

const (
	DirectionDeposit    Direction = "deposit"
	DirectionWithdrawal Direction = "withdrawal"
)

// RawTrade 交易所返回的一笔成交（未去重、未计算盈亏）
type RawTrade struct {
	Symbol      string
	Side        string // BUY, SELL
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	OrderID     string
	TradeID     string
	OrderType   string
	RealizedPnl decimal.Decimal // 合约成交自带的已实现盈亏
	HasPnl      bool            // RealizedPnl 是否有效（现货成交为 false）
	ExecutedAt  time.Time       // UTC
}

// RawBalance 交易所返回的一项资产余额
type RawBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// RawFiatOrder 交易所返回的一笔法币出入金订单
type RawFiatOrder struct {
	OrderNo   string
	Currency  string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Method    string
	Status    string
	CreatedAt time.Time
}

// RawTransfer 交易所返回的一笔加密货币充提记录
type RawTransfer struct {
	ID         string
	Asset      string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	TxID       string
	Status     string
	OccurredAt time.Time
}

// Client 交易所客户端接口
// 所有方法都按单个子窗口发起请求，窗口拆分由调用方负责
type Client interface {
	// FetchTrades 查询某交易对在窗口内的成交
	// 账户从未交易过的交易对返回空结果而不是错误
	FetchTrades(ctx context.Context, symbol string, window Window) ([]RawTrade, error)

	// FetchBalances 查询账户当前余额
	FetchBalances(ctx context.Context) ([]RawBalance, error)

	// FetchFiatOrders 查询窗口内的法币出入金订单
	FetchFiatOrders(ctx context.Context, direction Direction, window Window) ([]RawFiatOrder, error)

	// FetchCryptoTransfers 查询窗口内的加密货币充提记录
	FetchCryptoTransfers(ctx context.Context, direction Direction, window Window) ([]RawTransfer, error)
}

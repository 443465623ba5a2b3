package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"coinsync/exchange"
)

// spotTradeToRaw 现货成交转换为规范记录
func spotTradeToRaw(t *binance.TradeV3) (exchange.RawTrade, error) {
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("数量解析失败: %w", err)
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("价格解析失败: %w", err)
	}
	fee, err := decimal.NewFromString(t.Commission)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("手续费解析失败: %w", err)
	}

	side := "SELL"
	if t.IsBuyer {
		side = "BUY"
	}

	return exchange.RawTrade{
		Symbol:     t.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Fee:        fee,
		FeeAsset:   t.CommissionAsset,
		OrderID:    strconv.FormatInt(t.OrderID, 10),
		TradeID:    strconv.FormatInt(t.ID, 10),
		ExecutedAt: time.UnixMilli(t.Time).UTC(),
	}, nil
}

// futuresTradeToRaw 合约成交转换为规范记录
// 合约成交自带交易所计算的已实现盈亏
func futuresTradeToRaw(t *futures.AccountTrade) (exchange.RawTrade, error) {
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("数量解析失败: %w", err)
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("价格解析失败: %w", err)
	}
	fee, err := decimal.NewFromString(t.Commission)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("手续费解析失败: %w", err)
	}
	pnl, err := decimal.NewFromString(t.RealizedPnl)
	if err != nil {
		return exchange.RawTrade{}, fmt.Errorf("盈亏解析失败: %w", err)
	}

	return exchange.RawTrade{
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		FeeAsset:    t.CommissionAsset,
		OrderID:     strconv.FormatInt(t.OrderID, 10),
		TradeID:     strconv.FormatInt(t.ID, 10),
		RealizedPnl: pnl,
		HasPnl:      true,
		ExecutedAt:  time.UnixMilli(t.Time).UTC(),
	}, nil
}

// spotBalancesToRaw 现货余额转换，过滤零余额
func spotBalancesToRaw(balances []binance.Balance) ([]exchange.RawBalance, error) {
	result := make([]exchange.RawBalance, 0, len(balances))
	for _, b := range balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("余额解析失败 %s: %w", b.Asset, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("冻结余额解析失败 %s: %w", b.Asset, err)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		result = append(result, exchange.RawBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return result, nil
}

// futuresAssetsToRaw 合约资产转换，过滤零余额
func futuresAssetsToRaw(assets []*futures.AccountAsset) ([]exchange.RawBalance, error) {
	result := make([]exchange.RawBalance, 0, len(assets))
	for _, a := range assets {
		wallet, err := decimal.NewFromString(a.WalletBalance)
		if err != nil {
			return nil, fmt.Errorf("钱包余额解析失败 %s: %w", a.Asset, err)
		}
		available, err := decimal.NewFromString(a.AvailableBalance)
		if err != nil {
			return nil, fmt.Errorf("可用余额解析失败 %s: %w", a.Asset, err)
		}
		if wallet.IsZero() {
			continue
		}
		locked := wallet.Sub(available)
		if locked.IsNegative() {
			locked = decimal.Zero
		}
		result = append(result, exchange.RawBalance{Asset: a.Asset, Free: available, Locked: locked})
	}
	return result, nil
}

package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"coinsync/exchange"
	"coinsync/logger"
)

const tradePageLimit = 1000 // 单次成交查询的最大条数

// Options 客户端选项
type Options struct {
	MarketMode        string // SPOT / FUTURES
	UseTestnet        bool
	RelayURL          string // 可选的中继地址，为空时直连
	RelayToken        string // 转发给中继的 Bearer 凭证
	RecvWindow        int64  // 毫秒
	RequestsPerSecond int    // 请求速率上限
}

// Client 币安客户端：现货走 SDK，SDK 未覆盖的法币/充提接口走自签名 REST
type Client struct {
	spot       *binance.Client
	fut        *futures.Client
	rest       *restClient
	marketMode string
	recvWindow int64
	limiter    *rate.Limiter
}

// NewClient 创建币安客户端
func NewClient(apiKey, secretKey string, opts *Options) (*Client, error) {
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.MarketMode == "" {
		opts.MarketMode = "SPOT"
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = 5000
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if opts.RelayURL != "" {
		transport, err := newRelayTransport(opts.RelayURL, opts.RelayToken)
		if err != nil {
			return nil, fmt.Errorf("创建中继传输层失败: %w", err)
		}
		httpClient.Transport = transport
		logger.Info("🔀 交易所请求将通过中继转发: %s", opts.RelayURL)
	}

	binance.UseTestnet = opts.UseTestnet
	futures.UseTestnet = opts.UseTestnet

	spot := binance.NewClient(apiKey, secretKey)
	spot.HTTPClient = httpClient

	fut := futures.NewClient(apiKey, secretKey)
	fut.HTTPClient = httpClient

	return &Client{
		spot:       spot,
		fut:        fut,
		rest:       newRestClient(apiKey, secretKey, httpClient, opts.RecvWindow),
		marketMode: opts.MarketMode,
		recvWindow: opts.RecvWindow,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// isUnknownSymbol 判断错误是否为「无效交易对」
// 账户从未交易过的交易对按空结果处理，不算失败
func isUnknownSymbol(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -1121 || apiErr.Code == -1100
	}
	return false
}

// FetchTrades 查询某交易对在窗口内的成交
func (c *Client) FetchTrades(ctx context.Context, symbol string, window exchange.Window) ([]exchange.RawTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if c.marketMode == "FUTURES" {
		return c.fetchFuturesTrades(ctx, symbol, window)
	}
	return c.fetchSpotTrades(ctx, symbol, window)
}

// fetchSpotTrades 现货成交
// 首页按时间窗口查询，满页后用 FromID 翻页直到短页或越过窗口终点
func (c *Client) fetchSpotTrades(ctx context.Context, symbol string, window exchange.Window) ([]exchange.RawTrade, error) {
	endMs := window.End.UnixMilli()
	var trades []exchange.RawTrade
	fromID := int64(-1)

	for {
		svc := c.spot.NewListTradesService().Symbol(symbol).Limit(tradePageLimit)
		if fromID >= 0 {
			// fromId 与时间参数互斥，越界的成交在下方按窗口终点截断
			svc = svc.FromID(fromID)
		} else {
			svc = svc.StartTime(window.Start.UnixMilli()).EndTime(endMs)
		}

		res, err := svc.Do(ctx, binance.WithRecvWindow(c.recvWindow))
		if err != nil {
			if isUnknownSymbol(err) {
				logger.Debug("交易对 %s 在本账户不存在，按空结果处理", symbol)
				return nil, nil
			}
			return nil, fmt.Errorf("查询现货成交失败 %s: %w", symbol, err)
		}

		pastEnd := false
		for _, t := range res {
			if t.Time > endMs {
				pastEnd = true
				break
			}
			raw, err := spotTradeToRaw(t)
			if err != nil {
				logger.Warn("⚠️ 跳过无法解析的现货成交 %s/%d: %v", symbol, t.ID, err)
				continue
			}
			trades = append(trades, raw)
		}

		if pastEnd || len(res) < tradePageLimit {
			return trades, nil
		}
		fromID = res[len(res)-1].ID + 1
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// fetchFuturesTrades 合约成交，翻页方式同现货
func (c *Client) fetchFuturesTrades(ctx context.Context, symbol string, window exchange.Window) ([]exchange.RawTrade, error) {
	endMs := window.End.UnixMilli()
	var trades []exchange.RawTrade
	fromID := int64(-1)

	for {
		svc := c.fut.NewListAccountTradeService().Symbol(symbol).Limit(tradePageLimit)
		if fromID >= 0 {
			svc = svc.FromID(fromID)
		} else {
			svc = svc.StartTime(window.Start.UnixMilli()).EndTime(endMs)
		}

		res, err := svc.Do(ctx, futures.WithRecvWindow(c.recvWindow))
		if err != nil {
			if isUnknownSymbol(err) {
				logger.Debug("交易对 %s 在本账户不存在，按空结果处理", symbol)
				return nil, nil
			}
			return nil, fmt.Errorf("查询合约成交失败 %s: %w", symbol, err)
		}

		pastEnd := false
		for _, t := range res {
			if t.Time > endMs {
				pastEnd = true
				break
			}
			raw, err := futuresTradeToRaw(t)
			if err != nil {
				logger.Warn("⚠️ 跳过无法解析的合约成交 %s/%d: %v", symbol, t.ID, err)
				continue
			}
			trades = append(trades, raw)
		}

		if pastEnd || len(res) < tradePageLimit {
			return trades, nil
		}
		fromID = res[len(res)-1].ID + 1
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// FetchBalances 查询账户当前余额
// 现货返回 balances，合约返回 assets，统一为 RawBalance
func (c *Client) FetchBalances(ctx context.Context) ([]exchange.RawBalance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if c.marketMode == "FUTURES" {
		account, err := c.fut.NewGetAccountService().Do(ctx, futures.WithRecvWindow(c.recvWindow))
		if err != nil {
			return nil, fmt.Errorf("查询合约账户失败: %w", err)
		}
		return futuresAssetsToRaw(account.Assets)
	}

	account, err := c.spot.NewGetAccountService().Do(ctx, binance.WithRecvWindow(c.recvWindow))
	if err != nil {
		return nil, fmt.Errorf("查询现货账户失败: %w", err)
	}
	return spotBalancesToRaw(account.Balances)
}

// FetchFiatOrders 查询窗口内的法币出入金订单
func (c *Client) FetchFiatOrders(ctx context.Context, direction exchange.Direction, window exchange.Window) ([]exchange.RawFiatOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rest.fiatOrders(ctx, direction, window)
}

// FetchCryptoTransfers 查询窗口内的加密货币充提记录
func (c *Client) FetchCryptoTransfers(ctx context.Context, direction exchange.Direction, window exchange.Window) ([]exchange.RawTransfer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rest.cryptoTransfers(ctx, direction, window)
}

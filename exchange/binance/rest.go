package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"coinsync/exchange"
	"coinsync/metrics"
)

const restBaseURL = "https://api.binance.com"

// 法币订单接口的 transactionType 参数
const (
	fiatTypeDeposit  = "0"
	fiatTypeWithdraw = "1"
)

// restClient SDK 未覆盖的签名接口（法币订单、充提记录）
type restClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	recvWindow int64
}

func newRestClient(apiKey, secretKey string, httpClient *http.Client, recvWindow int64) *restClient {
	return &restClient{
		baseURL:    restBaseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: httpClient,
		recvWindow: recvWindow,
	}
}

// signRequest 对查询串做 HMAC-SHA256 签名
func (c *restClient) signRequest(queryString string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(queryString))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest 发送签名请求
// 时间戳在发送前的最后一刻生成，避免排队导致请求过期
func (c *restClient) sendRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	queryString := params.Encode()
	params.Set("signature", c.signRequest(queryString))

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.GetPrometheusMetrics().RecordAPICall("binance", path, "error", time.Since(start))
		return nil, fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()
	metrics.GetPrometheusMetrics().RecordAPICall("binance", path, strconv.Itoa(resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("api error %d: code=%d msg=%s", resp.StatusCode, apiErr.Code, apiErr.Msg)
		}
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// fiatOrderItem /sapi/v1/fiat/orders 响应条目
type fiatOrderItem struct {
	OrderNo         string `json:"orderNo"`
	FiatCurrency    string `json:"fiatCurrency"`
	IndicatedAmount string `json:"indicatedAmount"`
	Amount          string `json:"amount"`
	TotalFee        string `json:"totalFee"`
	Method          string `json:"method"`
	Status          string `json:"status"`
	CreateTime      int64  `json:"createTime"`
	UpdateTime      int64  `json:"updateTime"`
}

// 法币订单接口单页最大行数
const fiatPageRows = 500

// fiatOrders 查询法币出入金订单，按 page 参数翻页直到短页
func (c *restClient) fiatOrders(ctx context.Context, direction exchange.Direction, window exchange.Window) ([]exchange.RawFiatOrder, error) {
	var orders []exchange.RawFiatOrder

	for page := 1; ; page++ {
		// sendRequest 会向 params 追加签名，每页重建避免污染下一页的签名串
		params := url.Values{}
		if direction == exchange.DirectionWithdrawal {
			params.Set("transactionType", fiatTypeWithdraw)
		} else {
			params.Set("transactionType", fiatTypeDeposit)
		}
		params.Set("beginTime", strconv.FormatInt(window.Start.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(window.End.UnixMilli(), 10))
		params.Set("page", strconv.Itoa(page))
		params.Set("rows", strconv.Itoa(fiatPageRows))

		body, err := c.sendRequest(ctx, "/sapi/v1/fiat/orders", params)
		if err != nil {
			return nil, fmt.Errorf("查询法币订单失败: %w", err)
		}

		var resp struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Data    []fiatOrderItem `json:"data"`
			Success bool            `json:"success"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("解析法币订单响应失败: %w", err)
		}
		if !resp.Success {
			return nil, fmt.Errorf("法币订单接口返回失败: code=%s msg=%s", resp.Code, resp.Message)
		}

		for _, item := range resp.Data {
			amount, err := decimal.NewFromString(item.Amount)
			if err != nil {
				continue
			}
			fee := decimal.Zero
			if item.TotalFee != "" {
				if f, err := decimal.NewFromString(item.TotalFee); err == nil {
					fee = f
				}
			}
			orders = append(orders, exchange.RawFiatOrder{
				OrderNo:   item.OrderNo,
				Currency:  item.FiatCurrency,
				Amount:    amount,
				Fee:       fee,
				Method:    item.Method,
				Status:    item.Status,
				CreatedAt: time.UnixMilli(item.CreateTime).UTC(),
			})
		}

		if len(resp.Data) < fiatPageRows {
			return orders, nil
		}
	}
}

// depositItem /sapi/v1/capital/deposit/hisrec 响应条目
type depositItem struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Coin       string `json:"coin"`
	Network    string `json:"network"`
	Status     int    `json:"status"`
	TxID       string `json:"txId"`
	InsertTime int64  `json:"insertTime"`
}

// withdrawItem /sapi/v1/capital/withdraw/history 响应条目
type withdrawItem struct {
	ID             string `json:"id"`
	Amount         string `json:"amount"`
	TransactionFee string `json:"transactionFee"`
	Coin           string `json:"coin"`
	Status         int    `json:"status"`
	TxID           string `json:"txId"`
	ApplyTime      string `json:"applyTime"` // "2019-10-12 11:12:02"
	CompleteTime   string `json:"completeTime"`
}

// 充提记录终态
const (
	depositStatusSuccess   = 1
	withdrawStatusComplete = 6
)

// cryptoTransfers 查询加密货币充提记录
func (c *restClient) cryptoTransfers(ctx context.Context, direction exchange.Direction, window exchange.Window) ([]exchange.RawTransfer, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(window.Start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(window.End.UnixMilli(), 10))

	if direction == exchange.DirectionWithdrawal {
		body, err := c.sendRequest(ctx, "/sapi/v1/capital/withdraw/history", params)
		if err != nil {
			return nil, fmt.Errorf("查询提币记录失败: %w", err)
		}

		var items []withdrawItem
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("解析提币记录失败: %w", err)
		}

		transfers := make([]exchange.RawTransfer, 0, len(items))
		for _, item := range items {
			// 只保留已完成的提币
			if item.Status != withdrawStatusComplete {
				continue
			}
			amount, err := decimal.NewFromString(item.Amount)
			if err != nil {
				continue
			}
			fee := decimal.Zero
			if item.TransactionFee != "" {
				if f, err := decimal.NewFromString(item.TransactionFee); err == nil {
					fee = f
				}
			}
			occurredAt, err := time.Parse("2006-01-02 15:04:05", item.ApplyTime)
			if err != nil {
				continue
			}
			transfers = append(transfers, exchange.RawTransfer{
				ID:         item.ID,
				Asset:      item.Coin,
				Amount:     amount,
				Fee:        fee,
				TxID:       item.TxID,
				Status:     strconv.Itoa(item.Status),
				OccurredAt: occurredAt.UTC(),
			})
		}
		return transfers, nil
	}

	body, err := c.sendRequest(ctx, "/sapi/v1/capital/deposit/hisrec", params)
	if err != nil {
		return nil, fmt.Errorf("查询充币记录失败: %w", err)
	}

	var items []depositItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("解析充币记录失败: %w", err)
	}

	transfers := make([]exchange.RawTransfer, 0, len(items))
	for _, item := range items {
		// 只保留已入账的充币
		if item.Status != depositStatusSuccess {
			continue
		}
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			continue
		}
		id := item.ID
		if id == "" {
			id = item.TxID
		}
		transfers = append(transfers, exchange.RawTransfer{
			ID:         id,
			Asset:      item.Coin,
			Amount:     amount,
			TxID:       item.TxID,
			Status:     strconv.Itoa(item.Status),
			OccurredAt: time.UnixMilli(item.InsertTime).UTC(),
		})
	}
	return transfers, nil
}

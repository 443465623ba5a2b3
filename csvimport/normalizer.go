package csvimport

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinsync/logger"
)

// TradeRow 规范化后的一行成交导出
type TradeRow struct {
	Symbol     string
	Side       string // BUY, SELL
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
	OrderID    string
	TradeID    string
	OrderType  string
	ExecutedAt time.Time // UTC
}

// CashflowRow 规范化后的一行出入金导出
// Amount 已带符号：入金为正，出金为扣除手续费后的负值
type CashflowRow struct {
	Type       string // DEPOSIT, WITHDRAWAL
	Asset      string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	Method     string
	OrderNo    string
	OccurredAt time.Time // UTC
}

// ParseResult 解析结果与跳过计数
type ParseResult struct {
	Trades    []TradeRow
	Cashflows []CashflowRow
	Skipped   int // 缺失必填字段、时间戳非法、状态未完全成交的行数
}

// 时间戳支持的格式，按顺序尝试
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// parseTimestamp 解析时间戳，统一为 UTC
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("时间戳为空")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法识别的时间戳: %s", value)
}

// parseAmountWithUnit 解析可能带单位后缀的数值，如 "0.045ETH"
// 返回数值与字母单位（无单位时为空串）
func parseAmountWithUnit(value string) (decimal.Decimal, string, error) {
	value = strings.TrimSpace(strings.ReplaceAll(value, ",", ""))
	if value == "" {
		return decimal.Zero, "", fmt.Errorf("数值为空")
	}

	// 从尾部剥离非数字字符
	cut := len(value)
	for cut > 0 {
		ch := value[cut-1]
		if (ch >= '0' && ch <= '9') || ch == '.' {
			break
		}
		cut--
	}

	numPart := value[:cut]
	unitPart := strings.TrimSpace(value[cut:])

	d, err := decimal.NewFromString(numPart)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("数值解析失败 %q: %w", value, err)
	}

	// 仅当后缀为纯字母时视为资产单位
	for _, r := range unitPart {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return d, "", nil
		}
	}
	return d, strings.ToUpper(unitPart), nil
}

// 视为完全成交的状态值（小写比较）
var executedStatuses = map[string]bool{
	"filled":     true,
	"executed":   true,
	"completed":  true,
	"success":    true,
	"successful": true,
	"sucesso":    true,
	"concluído":  true,
	"concluido":  true,
}

// isExecuted 状态列是否表示已完全成交
func isExecuted(status string) bool {
	return executedStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// normalizeSide 统一买卖方向表示
func normalizeSide(side string) string {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY", "COMPRA", "B":
		return "BUY"
	case "SELL", "VENDA", "S":
		return "SELL"
	default:
		return ""
	}
}

// normalizeCashflowType 统一出入金类型表示
func normalizeCashflowType(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "DEPOSIT", "DEPÓSITO", "DEPOSITO":
		return "DEPOSIT"
	case "WITHDRAWAL", "WITHDRAW", "SAQUE", "RETIRADA":
		return "WITHDRAWAL"
	default:
		return ""
	}
}

// readRecords 读取 CSV 文本，返回表头索引与数据行
// 使用标准 csv 读取器处理引号包裹的字段
func readRecords(rawText string) (headerIndex, [][]string, error) {
	reader := csv.NewReader(strings.NewReader(rawText))
	reader.FieldsPerRecord = -1 // 行宽不一致时不报错
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("CSV 解析失败: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("CSV 为空")
	}

	return buildHeaderIndex(records[0]), records[1:], nil
}

// ParseTrades 解析成交导出文本
// 缺失交易对或时间戳、时间戳非法、状态未完全成交的行被跳过并计数
func ParseTrades(rawText string) (*ParseResult, error) {
	header, rows, err := readRecords(rawText)
	if err != nil {
		return nil, err
	}

	hasStatus := header.has(statusAliases)
	result := &ParseResult{}

	for i, row := range rows {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue // 空行不计入跳过
		}

		// 状态列存在时，只保留完全成交的行
		if hasStatus {
			if status := header.lookup(row, statusAliases); !isExecuted(status) {
				result.Skipped++
				continue
			}
		}

		symbol := strings.ToUpper(header.lookup(row, symbolAliases))
		if symbol == "" {
			logger.Debug("第 %d 行缺少交易对，跳过", i+2)
			result.Skipped++
			continue
		}

		ts, err := parseTimestamp(header.lookup(row, timeAliases))
		if err != nil {
			logger.Debug("第 %d 行时间戳非法，跳过: %v", i+2, err)
			result.Skipped++
			continue
		}

		side := normalizeSide(header.lookup(row, sideAliases))
		if side == "" {
			result.Skipped++
			continue
		}

		qty, qtyUnit, err := parseAmountWithUnit(header.lookup(row, quantityAliases))
		if err != nil || qty.IsZero() {
			result.Skipped++
			continue
		}
		price, _, err := parseAmountWithUnit(header.lookup(row, priceAliases))
		if err != nil {
			result.Skipped++
			continue
		}

		trade := TradeRow{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			Price:      price,
			OrderID:    header.lookup(row, orderIDAliases),
			TradeID:    header.lookup(row, tradeIDAliases),
			OrderType:  strings.ToUpper(header.lookup(row, orderTypeAliases)),
			ExecutedAt: ts,
		}

		// 手续费可选；字母后缀可在无显式资产列时充当手续费资产
		if feeStr := header.lookup(row, feeAliases); feeStr != "" {
			fee, feeUnit, err := parseAmountWithUnit(feeStr)
			if err == nil {
				trade.Fee = fee
				trade.FeeAsset = header.lookup(row, feeAssetAliases)
				if trade.FeeAsset == "" {
					trade.FeeAsset = feeUnit
				}
			}
		}
		_ = qtyUnit // 数量单位暂不使用，交易对已含基础资产

		result.Trades = append(result.Trades, trade)
	}

	return result, nil
}

// ParseCashflows 解析出入金导出文本
// 预期表头: Data (UTC), Tipo, Moeda, Valor, Taxa, Método, Status, Número do Pedido
func ParseCashflows(rawText string) (*ParseResult, error) {
	header, rows, err := readRecords(rawText)
	if err != nil {
		return nil, err
	}

	hasStatus := header.has(statusAliases)
	result := &ParseResult{}

	for i, row := range rows {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}

		if hasStatus {
			if status := header.lookup(row, statusAliases); !isExecuted(status) {
				result.Skipped++
				continue
			}
		}

		flowType := normalizeCashflowType(header.lookup(row, cashTypeAliases))
		if flowType == "" {
			result.Skipped++
			continue
		}

		ts, err := parseTimestamp(header.lookup(row, timeAliases))
		if err != nil {
			logger.Debug("第 %d 行时间戳非法，跳过: %v", i+2, err)
			result.Skipped++
			continue
		}

		amount, amountUnit, err := parseAmountWithUnit(header.lookup(row, cashAmountAliases))
		if err != nil {
			result.Skipped++
			continue
		}

		asset := strings.ToUpper(header.lookup(row, cashAssetAliases))
		if asset == "" {
			asset = amountUnit
		}
		if asset == "" {
			result.Skipped++
			continue
		}

		fee := decimal.Zero
		if feeStr := header.lookup(row, feeAliases); feeStr != "" {
			if f, _, err := parseAmountWithUnit(feeStr); err == nil {
				fee = f
			}
		}

		// 符号约定：入金为正，出金为扣除手续费后的负值
		signed := amount
		if flowType == "WITHDRAWAL" {
			signed = amount.Sub(fee).Neg()
		}

		result.Cashflows = append(result.Cashflows, CashflowRow{
			Type:       flowType,
			Asset:      asset,
			Amount:     signed,
			Fee:        fee,
			Method:     header.lookup(row, cashMethodAliases),
			OrderNo:    header.lookup(row, orderIDAliases),
			OccurredAt: ts,
		})
	}

	return result, nil
}

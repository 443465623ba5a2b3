package csvimport

import "strings"

// 不同导出方言的表头别名表
// 统一小写、去空格后匹配，未知列忽略
var (
	symbolAliases    = []string{"symbol", "pair", "market", "par", "instrument"}
	sideAliases      = []string{"side", "type", "direction", "lado", "operação", "operacao"}
	quantityAliases  = []string{"quantity", "qty", "amount", "executed", "quantidade", "filled"}
	priceAliases     = []string{"price", "avg price", "average price", "preço", "preco"}
	feeAliases       = []string{"fee", "commission", "taxa", "fees"}
	feeAssetAliases  = []string{"fee asset", "fee coin", "commission asset", "moeda da taxa"}
	orderIDAliases   = []string{"order id", "orderid", "orderno", "order no", "número do pedido", "numero do pedido"}
	tradeIDAliases   = []string{"trade id", "tradeid", "exec id", "execution id", "id"}
	orderTypeAliases = []string{"order type", "ordertype", "tipo de ordem"}
	statusAliases    = []string{"status", "state", "estado"}
	timeAliases      = []string{"date", "time", "date(utc)", "data (utc)", "data", "timestamp", "created", "time(utc)"}

	// 资金流导出专用
	cashTypeAliases   = []string{"tipo", "type"}
	cashAssetAliases  = []string{"moeda", "coin", "currency", "asset"}
	cashAmountAliases = []string{"valor", "amount", "value"}
	cashMethodAliases = []string{"método", "metodo", "method"}
)

// headerIndex 表头名 → 列号
type headerIndex map[string]int

// buildHeaderIndex 规范化表头并建立索引
func buildHeaderIndex(header []string) headerIndex {
	idx := make(headerIndex, len(header))
	for i, name := range header {
		key := normalizeHeader(name)
		if _, exists := idx[key]; !exists {
			idx[key] = i
		}
	}
	return idx
}

// normalizeHeader 表头规范化：小写、去首尾空白、去 BOM
func normalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "\uFEFF")
	return strings.ToLower(strings.TrimSpace(name))
}

// lookup 按别名表取字段值，找不到返回空串
func (h headerIndex) lookup(row []string, aliases []string) string {
	for _, alias := range aliases {
		if i, ok := h[alias]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
	}
	return ""
}

// has 别名表中任意一个表头是否存在
func (h headerIndex) has(aliases []string) bool {
	for _, alias := range aliases {
		if _, ok := h[alias]; ok {
			return true
		}
	}
	return false
}

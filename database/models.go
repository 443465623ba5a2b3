package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// 市场模式
const (
	MarketSpot    = "SPOT"
	MarketFutures = "FUTURES"
)

// 成交方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// 资金流类型
const (
	CashflowDeposit    = "DEPOSIT"
	CashflowWithdrawal = "WITHDRAWAL"
)

// 同步任务状态
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
)

// Account 交易所账户（由账户管理模块创建，对账核心只读）
type Account struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID         string    `gorm:"index;size:64" json:"owner_id"`
	Exchange        string    `gorm:"size:32" json:"exchange"`
	MarketMode      string    `gorm:"size:16" json:"market_mode"` // SPOT, FUTURES
	EncryptedKey    string    `gorm:"size:512" json:"-"`
	EncryptedSecret string    `gorm:"size:512" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TradeRecord 一笔已执行的成交
// 同一账户内按解析身份（订单ID > 成交ID > 组合指纹）至多存一条
type TradeRecord struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID   uint64          `gorm:"index:idx_account_order;index:idx_account_trade;index:idx_account_time" json:"account_id"`
	Exchange    string          `gorm:"size:32" json:"exchange"`
	MarketMode  string          `gorm:"size:16" json:"market_mode"`
	Symbol      string          `gorm:"index;size:32" json:"symbol"`
	Side        string          `gorm:"size:8" json:"side"` // BUY, SELL
	Quantity    decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(32,8)" json:"price"`
	FeeAmount   decimal.Decimal `gorm:"type:decimal(32,8)" json:"fee_amount"`
	FeeAsset    string          `gorm:"size:16" json:"fee_asset"`
	RealizedPnl decimal.Decimal `gorm:"type:decimal(32,8)" json:"realized_pnl"`
	OrderID     string          `gorm:"index:idx_account_order;size:64" json:"order_id"` // 外部订单ID（可为空）
	TradeID     string          `gorm:"index:idx_account_trade;size:64" json:"trade_id"` // 外部成交ID（可为空）
	OrderType   string          `gorm:"size:16" json:"order_type"`
	ExecutedAt  time.Time       `gorm:"index:idx_account_time" json:"executed_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CashflowRecord 一笔法币或加密货币出入金
// 金额符号约定：入金为正，出金为扣除手续费后的负值
type CashflowRecord struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID   uint64          `gorm:"index;index:idx_cashflow_ref" json:"account_id"`
	Type        string          `gorm:"size:16" json:"type"` // DEPOSIT, WITHDRAWAL
	Asset       string          `gorm:"size:16" json:"asset"`
	Amount      decimal.Decimal `gorm:"type:decimal(32,8)" json:"amount"`
	Note        string          `gorm:"size:256" json:"note"`
	ExternalRef string          `gorm:"index:idx_cashflow_ref;size:64" json:"external_ref"` // 外部订单号
	OccurredAt  time.Time       `gorm:"index" json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BalanceSnapshot 账户余额快照（每次交易所同步时刷新）
type BalanceSnapshot struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID  uint64          `gorm:"index:idx_balance_account_asset" json:"account_id"`
	Asset      string          `gorm:"index:idx_balance_account_asset;size:16" json:"asset"`
	Free       decimal.Decimal `gorm:"type:decimal(32,8)" json:"free"`
	Locked     decimal.Decimal `gorm:"type:decimal(32,8)" json:"locked"`
	MarketMode string          `gorm:"size:16" json:"market_mode"`
	SnapshotAt time.Time       `json:"snapshot_at"`
}

// SyncJob 一次摄取任务的持久化状态
// 进程崩溃后可通过该记录查询/恢复，终态不再变更
type SyncJob struct {
	ID          string    `gorm:"primaryKey;size:32" json:"id"`
	OwnerID     string    `gorm:"index;size:64" json:"owner_id"`
	Kind        string    `gorm:"size:32" json:"kind"` // exchange_sync, csv_trades, csv_cashflows
	Status      string    `gorm:"index;size:16" json:"status"`
	TotalSteps  int       `json:"total_steps"`
	CurrentStep int       `json:"current_step"`
	Message     string    `gorm:"size:256" json:"message"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Skipped     int       `json:"skipped"`
	Error       string    `gorm:"size:512" json:"error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

// IsTerminal 任务是否已到终态
func (j *SyncJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusError
}

package database

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Database 持久化网关接口
type Database interface {
	// 账户（只读）
	FindAccountByID(ctx context.Context, id uint64) (*Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)

	// 成交记录
	FindTradesByExternalIDs(ctx context.Context, accountID uint64, orderIDs, tradeIDs []string) ([]*TradeRecord, error)
	FindTradesByTimeRange(ctx context.Context, accountID uint64, from, to time.Time) ([]*TradeRecord, error)
	InsertTrades(ctx context.Context, trades []*TradeRecord) error
	UpdateTrade(ctx context.Context, id uint64, fields map[string]interface{}) error

	// 资金流记录
	FindCashflowByExternalRef(ctx context.Context, accountID uint64, ref string) (*CashflowRecord, error)
	FindCashflowByNoteSubstring(ctx context.Context, accountID uint64, text string) (*CashflowRecord, error)
	FindCashflowByFingerprint(ctx context.Context, accountID uint64, cfType, asset string, amount decimal.Decimal, occurredAt time.Time) (*CashflowRecord, error)
	InsertCashflow(ctx context.Context, flow *CashflowRecord) error
	UpdateCashflow(ctx context.Context, id uint64, fields map[string]interface{}) error

	// 余额快照
	ReplaceBalanceSnapshots(ctx context.Context, accountID uint64, snapshots []*BalanceSnapshot) error

	// 同步任务
	CreateSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, id string, fields map[string]interface{}) error
	ListSyncJobsByOwner(ctx context.Context, ownerID string, limit int) ([]*SyncJob, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

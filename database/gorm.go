package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	// 打开数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&Account{},
		&TradeRecord{},
		&CashflowRecord{},
		&BalanceSnapshot{},
		&SyncJob{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// DB 暴露底层 gorm 句柄（账户管理等外部模块使用）
func (g *GormDatabase) DB() *gorm.DB {
	return g.db
}

// FindAccountByID 按 ID 查询账户
func (g *GormDatabase) FindAccountByID(ctx context.Context, id uint64) (*Account, error) {
	var account Account
	if err := g.db.WithContext(ctx).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccountsByOwner 查询某用户的全部账户
func (g *GormDatabase) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	var accounts []*Account
	if err := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// FindTradesByExternalIDs 按外部订单ID/成交ID批量查询成交
func (g *GormDatabase) FindTradesByExternalIDs(ctx context.Context, accountID uint64, orderIDs, tradeIDs []string) ([]*TradeRecord, error) {
	if len(orderIDs) == 0 && len(tradeIDs) == 0 {
		return nil, nil
	}

	query := g.db.WithContext(ctx).Model(&TradeRecord{}).Where("account_id = ?", accountID)
	switch {
	case len(orderIDs) > 0 && len(tradeIDs) > 0:
		query = query.Where("order_id IN ? OR trade_id IN ?", orderIDs, tradeIDs)
	case len(orderIDs) > 0:
		query = query.Where("order_id IN ?", orderIDs)
	default:
		query = query.Where("trade_id IN ?", tradeIDs)
	}

	var trades []*TradeRecord
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// FindTradesByTimeRange 查询时间区间内的成交（组合指纹匹配用）
func (g *GormDatabase) FindTradesByTimeRange(ctx context.Context, accountID uint64, from, to time.Time) ([]*TradeRecord, error) {
	var trades []*TradeRecord
	if err := g.db.WithContext(ctx).
		Where("account_id = ? AND executed_at >= ? AND executed_at <= ?", accountID, from, to).
		Order("executed_at ASC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// InsertTrades 批量插入成交记录
func (g *GormDatabase) InsertTrades(ctx context.Context, trades []*TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).CreateInBatches(trades, 100).Error
}

// UpdateTrade 更新成交记录的部分字段
func (g *GormDatabase) UpdateTrade(ctx context.Context, id uint64, fields map[string]interface{}) error {
	return g.db.WithContext(ctx).Model(&TradeRecord{}).Where("id = ?", id).Updates(fields).Error
}

// FindCashflowByExternalRef 按外部订单号查询资金流
func (g *GormDatabase) FindCashflowByExternalRef(ctx context.Context, accountID uint64, ref string) (*CashflowRecord, error) {
	var flow CashflowRecord
	if err := g.db.WithContext(ctx).
		Where("account_id = ? AND external_ref = ?", accountID, ref).
		First(&flow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// FindCashflowByNoteSubstring 按备注子串查询资金流
// 兼容 external_ref 列存在之前写入的旧数据
func (g *GormDatabase) FindCashflowByNoteSubstring(ctx context.Context, accountID uint64, text string) (*CashflowRecord, error) {
	var flow CashflowRecord
	if err := g.db.WithContext(ctx).
		Where("account_id = ? AND note LIKE ?", accountID, "%"+text+"%").
		First(&flow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// FindCashflowByFingerprint 按组合身份查询资金流
// 没有外部订单号的行用 (类型, 资产, 金额, 秒级时间戳) 识别
func (g *GormDatabase) FindCashflowByFingerprint(ctx context.Context, accountID uint64, cfType, asset string, amount decimal.Decimal, occurredAt time.Time) (*CashflowRecord, error) {
	second := occurredAt.Truncate(time.Second)
	var flow CashflowRecord
	if err := g.db.WithContext(ctx).
		Where("account_id = ? AND type = ? AND asset = ? AND amount = ? AND occurred_at >= ? AND occurred_at < ?",
			accountID, cfType, asset, amount, second, second.Add(time.Second)).
		First(&flow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// InsertCashflow 插入资金流记录
func (g *GormDatabase) InsertCashflow(ctx context.Context, flow *CashflowRecord) error {
	return g.db.WithContext(ctx).Create(flow).Error
}

// UpdateCashflow 更新资金流记录的部分字段
func (g *GormDatabase) UpdateCashflow(ctx context.Context, id uint64, fields map[string]interface{}) error {
	return g.db.WithContext(ctx).Model(&CashflowRecord{}).Where("id = ?", id).Updates(fields).Error
}

// ReplaceBalanceSnapshots 替换账户余额快照
func (g *GormDatabase) ReplaceBalanceSnapshots(ctx context.Context, accountID uint64, snapshots []*BalanceSnapshot) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&BalanceSnapshot{}).Error; err != nil {
			return err
		}
		if len(snapshots) == 0 {
			return nil
		}
		return tx.CreateInBatches(snapshots, 100).Error
	})
}

// CreateSyncJob 创建同步任务记录
func (g *GormDatabase) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	return g.db.WithContext(ctx).Create(job).Error
}

// GetSyncJob 查询同步任务
func (g *GormDatabase) GetSyncJob(ctx context.Context, id string) (*SyncJob, error) {
	var job SyncJob
	if err := g.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateSyncJob 更新同步任务的部分字段
func (g *GormDatabase) UpdateSyncJob(ctx context.Context, id string, fields map[string]interface{}) error {
	return g.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", id).Updates(fields).Error
}

// ListSyncJobsByOwner 查询某用户的任务列表
func (g *GormDatabase) ListSyncJobsByOwner(ctx context.Context, ownerID string, limit int) ([]*SyncJob, error) {
	query := g.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []*SyncJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteTerminalJobsBefore 删除更新时间早于 cutoff 的终态任务
func (g *GormDatabase) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := g.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{JobStatusCompleted, JobStatusError}, cutoff).
		Delete(&SyncJob{})
	return result.RowsAffected, result.Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

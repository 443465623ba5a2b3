package config

import (
	"testing"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = "./test_data/coinsync.db"
	cfg.Exchange.Name = "binance"
	cfg.Vault.MasterKey = "test_master_key"
	cfg.Web.Port = 28990
	return cfg
}

func TestConfigValidate(t *testing.T) {
	// 测试有效配置
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	// 测试未配置主密钥
	invalidCfg1 := createValidConfig()
	invalidCfg1.Vault.MasterKey = ""
	if err := invalidCfg1.Validate(); err == nil {
		t.Error("缺失主密钥应该报错")
	}

	// 测试不支持的交易所
	invalidCfg2 := createValidConfig()
	invalidCfg2.Exchange.Name = "mtgox"
	if err := invalidCfg2.Validate(); err == nil {
		t.Error("不支持的交易所应该报错")
	}

	// 测试非 sqlite 缺失 DSN
	invalidCfg3 := createValidConfig()
	invalidCfg3.Database.Type = "postgres"
	invalidCfg3.Database.DSN = ""
	if err := invalidCfg3.Validate(); err == nil {
		t.Error("postgres 缺失 DSN 应该报错")
	}
}

func TestSyncPolicyDefaults(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Sync.TradeWindowHours != 24 {
		t.Errorf("期望默认成交窗口为24小时, 得到 %d", cfg.Sync.TradeWindowHours)
	}
	if cfg.Sync.TransferWindowDays != 90 {
		t.Errorf("期望默认划转窗口为90天, 得到 %d", cfg.Sync.TransferWindowDays)
	}
	if cfg.Sync.SymbolBatchSize != 5 {
		t.Errorf("期望默认批次大小为5, 得到 %d", cfg.Sync.SymbolBatchSize)
	}
	if cfg.Sync.JobRetentionMinutes != 60 {
		t.Errorf("期望默认任务保留60分钟, 得到 %d", cfg.Sync.JobRetentionMinutes)
	}
	if cfg.Sync.PersistRetries != 1 {
		t.Errorf("期望默认重试1次, 得到 %d", cfg.Sync.PersistRetries)
	}
}

func TestSyncPolicyExplicitZeroRetries(t *testing.T) {
	// -1 表示显式关闭重试，与「未设置取默认值」区分开
	cfg := createValidConfig()
	cfg.Sync.PersistRetries = -1
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.PersistRetries != 0 {
		t.Errorf("-1 应归一为 0 次重试, 得到 %d", cfg.Sync.PersistRetries)
	}

	cfg = createValidConfig()
	cfg.Sync.PersistRetries = 3
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.PersistRetries != 3 {
		t.Errorf("显式设置的重试次数被改写: %d", cfg.Sync.PersistRetries)
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	yamlData := []byte(`
web:
  port: 29000
database:
  type: sqlite
  dsn: ./data/test.db
exchange:
  name: binance
  recv_window: 10000
vault:
  master_key: secret
sync:
  symbol_batch_size: 3
  batch_delay_ms: 500
`)

	cfg, err := LoadConfigFromBytes(yamlData)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Web.Port != 29000 {
		t.Errorf("期望端口 29000, 得到 %d", cfg.Web.Port)
	}
	if cfg.Exchange.RecvWindow != 10000 {
		t.Errorf("期望 recv_window 10000, 得到 %d", cfg.Exchange.RecvWindow)
	}
	if cfg.Sync.SymbolBatchSize != 3 {
		t.Errorf("期望批次大小 3, 得到 %d", cfg.Sync.SymbolBatchSize)
	}
	// 未设置的字段应取默认值
	if cfg.Sync.CSVBatchSize != 200 {
		t.Errorf("期望默认 CSV 批次 200, 得到 %d", cfg.Sync.CSVBatchSize)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := LoadConfigFromBytes([]byte("web: [not a map"))
	if err == nil {
		t.Error("非法 YAML 应该报错")
	}
}

package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinsync/config"
	"coinsync/database"
	"coinsync/exchange"
	"coinsync/job"
	"coinsync/lock"
	"coinsync/vault"
)

// stubClient 固定返回预置数据的交易所客户端
type stubClient struct {
	trades    map[string][]exchange.RawTrade
	balances  []exchange.RawBalance
	fiat      []exchange.RawFiatOrder
	transfers []exchange.RawTransfer
	failAll   bool
}

func (s *stubClient) FetchTrades(ctx context.Context, symbol string, w exchange.Window) ([]exchange.RawTrade, error) {
	if s.failAll {
		return nil, fmt.Errorf("stub transport failure")
	}
	var out []exchange.RawTrade
	for _, t := range s.trades[symbol] {
		if !t.ExecutedAt.Before(w.Start) && t.ExecutedAt.Before(w.End) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubClient) FetchBalances(ctx context.Context) ([]exchange.RawBalance, error) {
	return s.balances, nil
}

func (s *stubClient) FetchFiatOrders(ctx context.Context, dir exchange.Direction, w exchange.Window) ([]exchange.RawFiatOrder, error) {
	if dir == exchange.DirectionDeposit {
		return s.fiat, nil
	}
	return nil, nil
}

func (s *stubClient) FetchCryptoTransfers(ctx context.Context, dir exchange.Direction, w exchange.Window) ([]exchange.RawTransfer, error) {
	if dir == exchange.DirectionDeposit {
		return s.transfers, nil
	}
	return nil, nil
}

type testEnv struct {
	orch  *Orchestrator
	db    database.Database
	vault *vault.Vault
	cfg   *config.Config
	stub  *stubClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Vault.MasterKey = "test-master-key"
	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "reconcile_test.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置校验失败: %v", err)
	}
	cfg.Sync.BatchDelayMs = 1

	db, err := database.NewDatabase(&database.Config{Type: cfg.Database.Type, DSN: cfg.Database.DSN})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.Salt)
	if err != nil {
		t.Fatalf("创建保险库失败: %v", err)
	}

	stub := &stubClient{trades: make(map[string][]exchange.RawTrade)}
	orch := NewOrchestrator(cfg, db, job.NewTracker(db), v, lock.NewNopLock(), nil)
	orch.newClient = func(apiKey, secretKey string, acct *database.Account, relayToken string) (exchange.Client, error) {
		return stub, nil
	}
	return &testEnv{orch: orch, db: db, vault: v, cfg: cfg, stub: stub}
}

// seedAccount 写入一个带加密凭证的测试账户
func (e *testEnv) seedAccount(t *testing.T, ownerID string) *database.Account {
	t.Helper()
	key, _ := e.vault.Encrypt("api-key")
	secret, _ := e.vault.Encrypt("api-secret")
	acct := &database.Account{
		OwnerID:         ownerID,
		Exchange:        "binance",
		MarketMode:      database.MarketSpot,
		EncryptedKey:    key,
		EncryptedSecret: secret,
	}
	gdb, ok := e.db.(*database.GormDatabase)
	if !ok {
		t.Fatal("测试需要 gorm 数据库")
	}
	if err := gdb.DB().Create(acct).Error; err != nil {
		t.Fatalf("写入测试账户失败: %v", err)
	}
	return acct
}

// waitTerminal 轮询直到任务到达终态
func waitTerminal(t *testing.T, tr *job.Tracker, jobID, ownerID string) *database.SyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := tr.Get(context.Background(), jobID, ownerID)
		if err != nil {
			t.Fatalf("查询任务失败: %v", err)
		}
		if j.IsTerminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待任务终态超时")
	return nil
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestExchangeSyncEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	env.stub.trades["BTCUSDT"] = []exchange.RawTrade{
		{Symbol: "BTCUSDT", Side: "BUY", Quantity: d("1"), Price: d("100"), OrderID: "o1", TradeID: "t1", ExecutedAt: base},
		{Symbol: "BTCUSDT", Side: "SELL", Quantity: d("0.5"), Price: d("120"), OrderID: "o2", TradeID: "t2", ExecutedAt: base.Add(time.Hour)},
	}
	env.stub.balances = []exchange.RawBalance{{Asset: "BTC", Free: d("0.5")}}
	// 同一法币订单出现两次：只应落库一条
	env.stub.fiat = []exchange.RawFiatOrder{
		{OrderNo: "A1", Currency: "BRL", Amount: d("1000"), Method: "PIX", CreatedAt: base},
		{OrderNo: "A1", Currency: "BRL", Amount: d("1000"), Method: "PIX", CreatedAt: base},
	}

	req := &ExchangeSyncRequest{
		OwnerID: "user-1",
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		From:    base.Add(-time.Hour),
		To:      base.Add(2 * time.Hour),
	}
	j, err := env.orch.StartExchangeSync(ctx, req)
	if err != nil {
		t.Fatalf("启动同步失败: %v", err)
	}

	final := waitTerminal(t, env.orch.tracker, j.ID, "user-1")
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务状态 = %s, error = %s", final.Status, final.Error)
	}
	// 2 笔成交 + 1 条出入金
	if final.Inserted != 3 {
		t.Errorf("inserted = %d，期望 3", final.Inserted)
	}

	trades, _ := env.db.FindTradesByTimeRange(ctx, acct.ID, base.Add(-time.Hour), base.Add(2*time.Hour))
	if len(trades) != 2 {
		t.Fatalf("落库成交数 = %d，期望 2", len(trades))
	}
	for _, tr := range trades {
		if tr.Side == database.SideSell && tr.RealizedPnl.Cmp(d("10")) != 0 {
			t.Errorf("卖出已实现盈亏 = %s，期望 10", tr.RealizedPnl)
		}
	}

	if _, err := env.db.FindCashflowByExternalRef(ctx, acct.ID, "A1"); err != nil {
		t.Errorf("出入金记录未落库: %v", err)
	}

	// 重复同步必须幂等：零新增
	j2, err := env.orch.StartExchangeSync(ctx, req)
	if err != nil {
		t.Fatalf("二次同步启动失败: %v", err)
	}
	final2 := waitTerminal(t, env.orch.tracker, j2.ID, "user-1")
	if final2.Inserted != 0 {
		t.Errorf("二次同步 inserted = %d，期望 0", final2.Inserted)
	}
}

func TestExchangeSyncTransportFailureStillTerminates(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "user-1")
	env.stub.failAll = true

	j, err := env.orch.StartExchangeSync(context.Background(), &ExchangeSyncRequest{
		OwnerID: "user-1",
		Symbols: []string{"BTCUSDT"},
		From:    time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("启动同步失败: %v", err)
	}

	// 子窗口失败被记录后跳过，任务仍要到达终态
	final := waitTerminal(t, env.orch.tracker, j.ID, "user-1")
	if final.Status != database.JobStatusCompleted {
		t.Errorf("任务状态 = %s，期望 completed", final.Status)
	}
}

func TestStartExchangeSyncValidation(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()
	from := time.Now().UTC().Add(-time.Hour)

	if _, err := env.orch.StartExchangeSync(ctx, &ExchangeSyncRequest{OwnerID: "user-1", From: from}); err == nil {
		t.Error("空交易对列表应被拒绝")
	}
	if _, err := env.orch.StartExchangeSync(ctx, &ExchangeSyncRequest{OwnerID: "user-1", Symbols: []string{"BTCUSDT"}}); err == nil {
		t.Error("缺失时间范围应被拒绝")
	}
	if _, err := env.orch.StartExchangeSync(ctx, &ExchangeSyncRequest{OwnerID: "user-1", Symbols: []string{"BTCUSDT"}, From: from, AccountIDs: []uint64{9999}}); err == nil {
		t.Error("未知账户应被拒绝")
	}
	if _, err := env.orch.StartExchangeSync(ctx, &ExchangeSyncRequest{OwnerID: "user-2", Symbols: []string{"BTCUSDT"}, From: from, AccountIDs: []uint64{acct.ID}}); err == nil {
		t.Error("他人账户应被拒绝")
	}
}

const tradeCSV = `Date(UTC),Pair,Side,Price,Executed,Fee,Order ID,Status
2024-05-10 10:00:00,BTCUSDT,BUY,100,1BTC,0.001BTC,ord-1,Filled
2024-05-10 11:00:00,BTCUSDT,SELL,120,0.5BTC,0.0005BTC,ord-2,Filled
2024-05-10 12:00:00,ETHUSDT,BUY,3000,2ETH,0.002ETH,ord-3,Filled
`

func TestTradeImportIdempotence(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	req := &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: tradeCSV}
	j, err := env.orch.StartTradeImport(ctx, req)
	if err != nil {
		t.Fatalf("启动导入失败: %v", err)
	}
	final := waitTerminal(t, env.orch.tracker, j.ID, "user-1")
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务状态 = %s, error = %s", final.Status, final.Error)
	}
	if final.Inserted != 3 {
		t.Errorf("首次导入 inserted = %d，期望 3", final.Inserted)
	}

	// 同一文件重复导入：零新增，只有良性跳过
	j2, err := env.orch.StartTradeImport(ctx, req)
	if err != nil {
		t.Fatalf("二次导入启动失败: %v", err)
	}
	final2 := waitTerminal(t, env.orch.tracker, j2.ID, "user-1")
	if final2.Inserted != 0 {
		t.Errorf("二次导入 inserted = %d，期望 0", final2.Inserted)
	}
	if final2.Updated != 0 {
		t.Errorf("二次导入 updated = %d，期望 0", final2.Updated)
	}
}

const cashflowCSV = `Data (UTC),Tipo,Moeda,Valor,Taxa,Método,Status,Número do Pedido
2024-05-10 10:00:00,Depósito,BRL,1000.00,0,PIX,Concluído,A1
2024-05-10 11:00:00,Depósito,BRL,1000.00,0,PIX,Concluído,A1
2024-05-10 12:00:00,Saque,BRL,500.00,3.50,TED,Concluído,B2
`

func TestCashflowImportDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	j, err := env.orch.StartCashflowImport(ctx, &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: cashflowCSV})
	if err != nil {
		t.Fatalf("启动导入失败: %v", err)
	}
	final := waitTerminal(t, env.orch.tracker, j.ID, "user-1")
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务状态 = %s, error = %s", final.Status, final.Error)
	}
	// A1 重复行只落库一条
	if final.Inserted != 2 || final.Skipped != 1 {
		t.Errorf("inserted = %d, skipped = %d，期望 2 / 1", final.Inserted, final.Skipped)
	}

	flow, err := env.db.FindCashflowByExternalRef(ctx, acct.ID, "A1")
	if err != nil {
		t.Fatalf("查询出入金记录失败: %v", err)
	}
	if flow.Amount.Cmp(d("1000")) != 0 {
		t.Errorf("入金金额 = %s，期望 1000", flow.Amount)
	}

	saque, err := env.db.FindCashflowByExternalRef(ctx, acct.ID, "B2")
	if err != nil {
		t.Fatalf("查询出金记录失败: %v", err)
	}
	if saque.Amount.Cmp(d("-496.5")) != 0 {
		t.Errorf("出金净额 = %s，期望 -496.5", saque.Amount)
	}
}

func TestCashflowImportWithoutOrderNoIdempotent(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	// 某些导出没有订单号列值，重新导入同一文件不应产生重复行
	csvText := `Data (UTC),Tipo,Moeda,Valor,Taxa,Método,Status,Número do Pedido
2024-05-10 10:00:00,Depósito,BRL,1000.00,0,PIX,Concluído,
2024-05-10 12:00:00,Saque,BRL,500.00,3.50,TED,Concluído,
`

	j1, err := env.orch.StartCashflowImport(ctx, &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: csvText})
	if err != nil {
		t.Fatalf("启动导入失败: %v", err)
	}
	first := waitTerminal(t, env.orch.tracker, j1.ID, "user-1")
	if first.Status != database.JobStatusCompleted || first.Inserted != 2 {
		t.Fatalf("首次导入: status = %s, inserted = %d，期望 completed / 2", first.Status, first.Inserted)
	}

	j2, err := env.orch.StartCashflowImport(ctx, &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: csvText})
	if err != nil {
		t.Fatalf("重新导入失败: %v", err)
	}
	second := waitTerminal(t, env.orch.tracker, j2.ID, "user-1")
	if second.Status != database.JobStatusCompleted {
		t.Fatalf("任务状态 = %s, error = %s", second.Status, second.Error)
	}
	if second.Inserted != 0 || second.Skipped != 2 {
		t.Errorf("重新导入: inserted = %d, skipped = %d，期望 0 / 2", second.Inserted, second.Skipped)
	}

	if _, err := env.db.FindCashflowByFingerprint(ctx, acct.ID, database.CashflowDeposit, "BRL", d("1000"), time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Errorf("组合身份查询未命中入金行: %v", err)
	}
}

func TestCanceledJobStopsPersistence(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	j, err := env.orch.tracker.Create(ctx, "user-1", job.KindCSVTrades, 1)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := env.orch.tracker.Cancel(ctx, j.ID, "user-1"); err != nil {
		t.Fatalf("取消任务失败: %v", err)
	}

	records := []*database.TradeRecord{{
		AccountID:  acct.ID,
		Symbol:     "BTCUSDT",
		Side:       database.SideBuy,
		Quantity:   d("1"),
		Price:      d("100"),
		ExecutedAt: time.Now().UTC(),
	}}
	// 终态任务的导入运行必须放弃全部持久化
	env.orch.runTradeImport(j.ID, acct, records, 200, 0, job.Counts{})

	trades, _ := env.db.FindTradesByTimeRange(ctx, acct.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if len(trades) != 0 {
		t.Errorf("取消后不应有新增记录，得到 %d 条", len(trades))
	}
	final, _ := env.orch.tracker.Get(ctx, j.ID, "user-1")
	if final.Inserted != 0 {
		t.Errorf("取消后计数不应变化，inserted = %d", final.Inserted)
	}
}

func TestResumeValidation(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "user-1")
	ctx := context.Background()

	// 先完成一次导入
	j, err := env.orch.StartTradeImport(ctx, &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: tradeCSV})
	if err != nil {
		t.Fatalf("启动导入失败: %v", err)
	}
	waitTerminal(t, env.orch.tracker, j.ID, "user-1")

	// 已完成的任务不能恢复
	if _, err := env.orch.StartTradeImport(ctx, &CSVImportRequest{OwnerID: "user-1", AccountID: acct.ID, RawText: tradeCSV, ResumeJobID: j.ID}); err == nil {
		t.Error("恢复已完成任务应被拒绝")
	}

	// 他人的任务不能恢复
	acct2 := env.seedAccount(t, "user-2")
	if _, err := env.orch.StartTradeImport(ctx, &CSVImportRequest{OwnerID: "user-2", AccountID: acct2.ID, RawText: tradeCSV, ResumeJobID: j.ID}); err == nil {
		t.Error("恢复他人任务应被拒绝")
	}
}

func TestSleepCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 已取消的上下文不应等满延迟
	start := time.Now()
	if sleepCtx(ctx, 5*time.Second) {
		t.Error("已取消的上下文应返回 false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("取消后仍等待了 %v", elapsed)
	}

	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("正常等待应返回 true")
	}
	if sleepCtx(ctx, 0) {
		t.Error("零延迟也应检查上下文状态")
	}
}

func TestChunkStrings(t *testing.T) {
	chunks := chunkStrings([]string{"a", "b", "c", "d", "e", "f", "g"}, 3)
	if len(chunks) != 3 {
		t.Fatalf("分块数 = %d，期望 3", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[2]) != 1 {
		t.Errorf("分块大小不匹配: %v", chunks)
	}
}

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coinsync/config"
	"coinsync/database"
	"coinsync/job"
	"coinsync/lock"
	"coinsync/reconcile"
	"coinsync/vault"
)

func newTestServer(t *testing.T) (*WebServer, *database.Account) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Vault.MasterKey = "test-master-key"
	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "web_test.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置校验失败: %v", err)
	}

	db, err := database.NewDatabase(&database.Config{Type: cfg.Database.Type, DSN: cfg.Database.DSN})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.Salt)
	if err != nil {
		t.Fatalf("创建保险库失败: %v", err)
	}
	tracker := job.NewTracker(db)
	orch := reconcile.NewOrchestrator(cfg, db, tracker, v, lock.NewNopLock(), nil)
	ws := NewWebServer(cfg, db, orch, tracker)

	key, _ := v.Encrypt("api-key")
	secret, _ := v.Encrypt("api-secret")
	acct := &database.Account{
		OwnerID:         "user-1",
		Exchange:        "binance",
		MarketMode:      database.MarketSpot,
		EncryptedKey:    key,
		EncryptedSecret: secret,
	}
	gdb := db.(*database.GormDatabase)
	if err := gdb.DB().Create(acct).Error; err != nil {
		t.Fatalf("写入测试账户失败: %v", err)
	}
	return ws, acct
}

func doRequest(ws *WebServer, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ws.server.Handler.ServeHTTP(w, req)
	return w
}

func TestIdentityRequired(t *testing.T) {
	ws, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := doRequest(ws, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("无身份请求状态码 = %d，期望 401", w.Code)
	}
}

func TestHealthNoIdentity(t *testing.T) {
	ws, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	w := doRequest(ws, req)
	if w.Code != http.StatusOK {
		t.Errorf("健康检查状态码 = %d，期望 200", w.Code)
	}
}

func TestExchangeSyncRejectsInvalidBody(t *testing.T) {
	ws, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/sync/exchange", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", "application/json")
	if w := doRequest(ws, req); w.Code != http.StatusBadRequest {
		t.Errorf("非法请求体状态码 = %d，期望 400", w.Code)
	}

	// 合法 JSON 但交易对为空
	body := `{"symbols": [], "from": "2024-05-01"}`
	req = httptest.NewRequest("POST", "/api/sync/exchange", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", "application/json")
	if w := doRequest(ws, req); w.Code != http.StatusBadRequest {
		t.Errorf("空交易对状态码 = %d，期望 400", w.Code)
	}
}

func csvUpload(t *testing.T, accountID string, csv string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("account_id", accountID)
	fw, err := mw.CreateFormFile("file", "trades.csv")
	if err != nil {
		t.Fatalf("构造上传表单失败: %v", err)
	}
	fw.Write([]byte(csv))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

const tradeCSV = `Date(UTC),Pair,Side,Price,Executed,Fee,Order ID,Status
2024-05-10 10:00:00,BTCUSDT,BUY,100,1BTC,0.001BTC,ord-1,Filled
2024-05-10 11:00:00,BTCUSDT,SELL,120,0.5BTC,0.0005BTC,ord-2,Filled
`

func TestImportTradesAndPollJob(t *testing.T) {
	ws, acct := newTestServer(t)

	buf, contentType := csvUpload(t, "1", tradeCSV)
	req := httptest.NewRequest("POST", "/api/import/trades", buf)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", contentType)
	w := doRequest(ws, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("导入请求状态码 = %d，body = %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	jobID := resp["job_id"]
	if jobID == "" {
		t.Fatal("响应里没有 job_id")
	}

	// 轮询直到终态
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		req := httptest.NewRequest("GET", "/api/jobs/"+jobID, nil)
		req.Header.Set("X-User-ID", "user-1")
		w := doRequest(ws, req)
		if w.Code != http.StatusOK {
			t.Fatalf("轮询状态码 = %d", w.Code)
		}
		json.Unmarshal(w.Body.Bytes(), &last)
		if last["status"] == "completed" || last["status"] == "error" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last["status"] != "completed" {
		t.Fatalf("任务未完成: %v", last)
	}
	result := last["result"].(map[string]interface{})
	if result["inserted"].(float64) != 2 {
		t.Errorf("inserted = %v，期望 2", result["inserted"])
	}

	// 他人不可见
	req2 := httptest.NewRequest("GET", "/api/jobs/"+jobID, nil)
	req2.Header.Set("X-User-ID", "user-2")
	if w := doRequest(ws, req2); w.Code != http.StatusNotFound {
		t.Errorf("他人轮询状态码 = %d，期望 404", w.Code)
	}

	// 终态任务取消返回 409
	req3 := httptest.NewRequest("POST", "/api/jobs/"+jobID+"/cancel", nil)
	req3.Header.Set("X-User-ID", "user-1")
	if w := doRequest(ws, req3); w.Code != http.StatusConflict {
		t.Errorf("终态取消状态码 = %d，期望 409", w.Code)
	}

	_ = acct
}

func TestImportTradesUnknownAccount(t *testing.T) {
	ws, _ := newTestServer(t)
	buf, contentType := csvUpload(t, "9999", tradeCSV)
	req := httptest.NewRequest("POST", "/api/import/trades", buf)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", contentType)
	if w := doRequest(ws, req); w.Code != http.StatusBadRequest {
		t.Errorf("未知账户状态码 = %d，期望 400", w.Code)
	}
}

func TestCancelRunningJob(t *testing.T) {
	ws, _ := newTestServer(t)
	j, err := ws.tracker.Create(context.Background(), "user-1", job.KindCSVTrades, 10)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/jobs/"+j.ID+"/cancel", nil)
	req.Header.Set("X-User-ID", "user-1")
	if w := doRequest(ws, req); w.Code != http.StatusOK {
		t.Errorf("取消状态码 = %d，期望 200", w.Code)
	}

	got, _ := ws.tracker.Get(context.Background(), j.ID, "user-1")
	if !got.IsTerminal() {
		t.Error("取消后任务应为终态")
	}
}

package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coinsync/database"
	"coinsync/job"
	"coinsync/reconcile"
)

// 上传 CSV 的大小上限
const maxUploadBytes = 32 << 20

// exchangeSyncBody POST /api/sync/exchange 请求体
type exchangeSyncBody struct {
	AccountIDs []uint64 `json:"account_ids"`
	Symbols    []string `json:"symbols"`
	From       string   `json:"from"` // RFC3339 或 2006-01-02
	To         string   `json:"to"`
	RelayToken string   `json:"relay_token"`
}

// parseFlexibleTime 接受日期或完整时间戳
func parseFlexibleTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// startExchangeSync 触发交易所同步，立即返回任务ID
func (ws *WebServer) startExchangeSync(c *gin.Context) {
	var body exchangeSyncBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	from, err := parseFlexibleTime(body.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
		return
	}
	to, err := parseFlexibleTime(body.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
		return
	}

	j, err := ws.orch.StartExchangeSync(c.Request.Context(), &reconcile.ExchangeSyncRequest{
		OwnerID:    callerID(c),
		AccountIDs: body.AccountIDs,
		Symbols:    body.Symbols,
		From:       from,
		To:         to,
		RelayToken: body.RelayToken,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID})
}

// readUploadedCSV 读取 multipart 表单里的 CSV 文件与账户参数
func readUploadedCSV(c *gin.Context) (*reconcile.CSVImportRequest, bool) {
	accountID, err := strconv.ParseUint(c.PostForm("account_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account_id"})
		return nil, false
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return nil, false
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return nil, false
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return nil, false
	}

	return &reconcile.CSVImportRequest{
		OwnerID:     callerID(c),
		AccountID:   accountID,
		RawText:     string(data),
		ResumeJobID: c.PostForm("resume_job_id"),
	}, true
}

// importTrades 上传成交 CSV，立即返回任务ID
func (ws *WebServer) importTrades(c *gin.Context) {
	req, ok := readUploadedCSV(c)
	if !ok {
		return
	}
	j, err := ws.orch.StartTradeImport(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID})
}

// importCashflows 上传出入金 CSV，立即返回任务ID
func (ws *WebServer) importCashflows(c *gin.Context) {
	req, ok := readUploadedCSV(c)
	if !ok {
		return
	}
	j, err := ws.orch.StartCashflowImport(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID})
}

// jobResponse 任务进度的对外形态
func jobResponse(j *database.SyncJob) gin.H {
	resp := gin.H{
		"job_id":       j.ID,
		"kind":         j.Kind,
		"status":       j.Status,
		"current_step": j.CurrentStep,
		"total_steps":  j.TotalSteps,
		"message":      j.Message,
		"updated_at":   j.UpdatedAt.Format(time.RFC3339),
	}
	if j.IsTerminal() {
		resp["result"] = gin.H{
			"inserted": j.Inserted,
			"updated":  j.Updated,
			"skipped":  j.Skipped,
		}
	}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	return resp
}

// getJob 查询任务进度（仅任务所有者可见）
func (ws *WebServer) getJob(c *gin.Context) {
	j, err := ws.tracker.Get(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(j))
}

// cancelJob 取消任务
func (ws *WebServer) cancelJob(c *gin.Context) {
	err := ws.tracker.Cancel(c.Request.Context(), c.Param("id"), callerID(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "canceled"})
	case errors.Is(err, job.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// listJobs 列出调用者最近的任务
func (ws *WebServer) listJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := ws.tracker.List(c.Request.Context(), callerID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// health 健康检查
func (ws *WebServer) health(c *gin.Context) {
	if err := ws.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

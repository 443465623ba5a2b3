package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coinsync/config"
	"coinsync/database"
	"coinsync/logger"
)

// WebhookNotifier Webhook 通知器：任务到达终态时向外部系统推送一条 JSON 消息
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg *config.WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Webhook URL 未配置")
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &WebhookNotifier{
		url:     cfg.URL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回通知器名称
func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// NotifyJobFinished 异步推送任务终态，失败只记日志不影响主流程
func (wn *WebhookNotifier) NotifyJobFinished(job *database.SyncJob) {
	go func() {
		if err := wn.send(job); err != nil {
			logger.Warn("⚠️ Webhook 通知发送失败 (任务 %s): %v", job.ID, err)
		}
	}()
}

func (wn *WebhookNotifier) send(job *database.SyncJob) error {
	payload := map[string]interface{}{
		"job_id":    job.ID,
		"kind":      job.Kind,
		"status":    job.Status,
		"inserted":  job.Inserted,
		"updated":   job.Updated,
		"skipped":   job.Skipped,
		"error":     job.Error,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wn.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", wn.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := wn.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态码: %d", resp.StatusCode)
	}

	return nil
}

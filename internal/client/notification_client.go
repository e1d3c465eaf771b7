package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// NotificationClient 通知服务客户端
// 通知是 fire-and-forget: 失败只记日志, 从不阻断业务流程。
type NotificationClient struct {
	baseURL    string
	httpClient *http.Client
}

// NotificationClientConfig 客户端配置
type NotificationClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultNotificationClientConfig 返回默认配置
func DefaultNotificationClientConfig(baseURL string) *NotificationClientConfig {
	return &NotificationClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
	}
}

// NewNotificationClient 创建通知服务客户端
func NewNotificationClient(cfg *NotificationClientConfig) *NotificationClient {
	return &NotificationClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// notificationRequest 通知请求
type notificationRequest struct {
	UserID  string            `json:"user_id"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Notify 发送用户通知
func (c *NotificationClient) Notify(ctx context.Context, userID, kind string, payload map[string]string) {
	body, err := json.Marshal(&notificationRequest{
		UserID:  userID,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		logger.Error("marshal notification failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		logger.Error("build notification request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("send notification failed",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warn("notification service returned error",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Int("status", resp.StatusCode),
		)
	}
}

// Notification kinds
const (
	NotifyBidPlaced      = "bid.placed"
	NotifyOutbid         = "auction.outbid"
	NotifyAuctionWon     = "auction.won"
	NotifyAuctionNoBids  = "auction.no_bids"
	NotifyBidRefunded    = "auction.bid_refunded"
	NotifySaleCompleted  = "sale.completed"
	NotifySaleFailed     = "sale.failed"
	NotifyPurchaseDone   = "purchase.completed"
	NotifyPurchaseFailed = "purchase.failed"
)

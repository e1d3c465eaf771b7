// Package client 提供外部服务客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// WalletClient 钱包服务客户端
// 钱包服务是资金的最终记账方, 本服务的 Redis 账本只是它的热投影。
type WalletClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// WalletClientConfig 客户端配置
type WalletClientConfig struct {
	BaseURL        string        // 钱包服务地址
	RequestTimeout time.Duration // 请求超时
	MaxRetries     int           // 最大重试次数
	RetryBackoff   time.Duration // 重试间隔
}

// DefaultWalletClientConfig 返回默认配置
func DefaultWalletClientConfig(baseURL string) *WalletClientConfig {
	return &WalletClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 3 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// NewWalletClient 创建钱包服务客户端
func NewWalletClient(cfg *WalletClientConfig) *WalletClient {
	return &WalletClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
}

// walletBalanceResponse 余额查询响应
type walletBalanceResponse struct {
	UserID    string `json:"user_id"`
	Available string `json:"available"`
}

// walletOperationRequest 资金操作请求
type walletOperationRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

// walletOperationResponse 资金操作响应
type walletOperationResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// GetBalance 查询钱包侧可用余额 (账本 warm-up 用)
func (c *WalletClient) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var resp walletBalanceResponse
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v1/balances/%s", userID), nil, &resp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get wallet balance: %w", err)
	}

	available, err := decimal.NewFromString(resp.Available)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse wallet balance: %w", err)
	}
	return available, nil
}

// CommitPayment 通知钱包完成扣款
// 失败不是致命的: 调用方记录日志, 异步确认流程负责兜底。
func (c *WalletClient) CommitPayment(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error) {
	req := &walletOperationRequest{
		UserID:      userID,
		Amount:      amount.String(),
		ReferenceID: referenceID,
	}

	var resp walletOperationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/payments/commit", req, &resp); err != nil {
		return false, fmt.Errorf("commit payment: %w", err)
	}

	if !resp.Success {
		logger.Warn("wallet rejected payment commit",
			zap.String("user_id", userID),
			zap.String("reference_id", referenceID),
			zap.String("reason", resp.Reason),
		)
	}
	return resp.Success, nil
}

// CreditSeller 向卖家入账
func (c *WalletClient) CreditSeller(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error) {
	req := &walletOperationRequest{
		UserID:      userID,
		Amount:      amount.String(),
		ReferenceID: referenceID,
	}

	var resp walletOperationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/payments/credit", req, &resp); err != nil {
		return false, fmt.Errorf("credit seller: %w", err)
	}
	return resp.Success, nil
}

// doJSON 带重试的 JSON 请求
func (c *WalletClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}

		logger.Warn("wallet request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (c *WalletClient) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("wallet service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wallet service rejected request: %d %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletClient_GetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/balances/user-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":   "user-1",
			"available": "1234.56",
		})
	}))
	defer server.Close()

	c := NewWalletClient(DefaultWalletClientConfig(server.URL))

	available, err := c.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, available.Equal(decimal.NewFromFloat(1234.56)))
}

func TestWalletClient_CommitPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/commit", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-1", req["user_id"])
		assert.Equal(t, "500", req["amount"])
		assert.Equal(t, "txn-1", req["reference_id"])

		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer server.Close()

	c := NewWalletClient(DefaultWalletClientConfig(server.URL))

	ok, err := c.CommitPayment(context.Background(), "user-1", decimal.NewFromInt(500), "txn-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// 钱包拒绝扣款: 不是传输错误, success=false 透传给调用方
func TestWalletClient_CommitPayment_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"reason":  "account frozen",
		})
	}))
	defer server.Close()

	c := NewWalletClient(DefaultWalletClientConfig(server.URL))

	ok, err := c.CommitPayment(context.Background(), "user-1", decimal.NewFromInt(500), "txn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// 5xx 触发重试, 恢复后成功
func TestWalletClient_RetryOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":   "user-1",
			"available": "100",
		})
	}))
	defer server.Close()

	c := NewWalletClient(DefaultWalletClientConfig(server.URL))

	available, err := c.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, available.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWalletClient_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewWalletClient(DefaultWalletClientConfig(server.URL))

	_, err := c.GetBalance(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestNotificationClient_Notify(t *testing.T) {
	received := make(chan notificationRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req notificationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewNotificationClient(DefaultNotificationClientConfig(server.URL))
	c.Notify(context.Background(), "user-1", NotifyOutbid, map[string]string{"listing_id": "listing-1"})

	req := <-received
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, NotifyOutbid, req.Kind)
	assert.Equal(t, "listing-1", req.Payload["listing_id"])
}

// 通知服务不可达时不返回错误, 只记日志
func TestNotificationClient_Notify_Unreachable(t *testing.T) {
	c := NewNotificationClient(DefaultNotificationClientConfig("http://127.0.0.1:1"))
	c.Notify(context.Background(), "user-1", NotifyAuctionWon, nil)
}

package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type explicitRejection interface {
	IsExplicitRejection() bool
}

func TestLockWaitsForSeal(t *testing.T) {
	var polls int32
	transferID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/escrows":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, transferID.String(), body["transfer_id"])
			assert.Equal(t, "10.5", body["amount"])
			assert.Equal(t, "FLOW", body["token"])
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "tx-lock"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/tx-lock":
			status := "PENDING"
			if atomic.AddInt32(&polls, 1) >= 2 {
				status = "SEALED"
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "tx-lock", "status": status})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", time.Second, 5*time.Millisecond)
	txRef, err := client.Lock(context.Background(), transferID, "claim-token", decimal.RequireFromString("10.5"), domain.TokenFLOW, "0xA")
	require.NoError(t, err)
	assert.Equal(t, "tx-lock", txRef)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(2))
}

func TestReleaseSealedWithErrorIsExplicitRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/escrows/tok/release":
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "tx-release"})
		case "/v1/transactions/tx-release":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "SEALED", "error_message": "escrow already released"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, 5*time.Millisecond)
	_, err := client.Release(context.Background(), "tok", domain.TokenFLOW, "0xB")
	require.Error(t, err)

	var rejection explicitRejection
	require.True(t, errors.As(err, &rejection))
	assert.True(t, rejection.IsExplicitRejection())
	assert.False(t, errors.Is(err, ErrUnconfirmed))
}

func TestReturnTimesOutAsUnconfirmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "tx-return"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "EXECUTED"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 30*time.Millisecond, 5*time.Millisecond)
	_, err := client.ReturnToSender(context.Background(), uuid.New(), domain.TokenUSDC, "0xA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnconfirmed))

	var rejection explicitRejection
	assert.False(t, errors.As(err, &rejection))
}

func TestErrorResponseClassification(t *testing.T) {
	cases := []struct {
		status   int
		explicit bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusConflict, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"code": "nope", "message": "rejected"})
			}))
			defer server.Close()

			client := NewClient(server.URL, "k", time.Second, time.Millisecond)
			_, err := client.Lock(context.Background(), uuid.New(), "tok", decimal.NewFromInt(1), domain.TokenFLOW, "0xA")

			var apiErr *ErrorResponse
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, tc.explicit, apiErr.IsExplicitRejection())
		})
	}
}

func TestGetByClaimTokenNotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"escrow_not_found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, time.Millisecond)
	view, err := client.GetByClaimToken(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestGetMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/metrics", r.URL.Path)
		_, _ = w.Write([]byte(`{"total_locked":{"flow":"12.5","USDC":"3"},"transfer_count":4,"active_transfers":2}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, time.Millisecond)
	metrics, err := client.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12.5", metrics.TotalLocked[domain.TokenFLOW].String())
	assert.Equal(t, "3", metrics.TotalLocked[domain.TokenUSDC].String())
	assert.Equal(t, int64(4), metrics.TransferCount)
	assert.Equal(t, int64(2), metrics.ActiveTransfers)
}

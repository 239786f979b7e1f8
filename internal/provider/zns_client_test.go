package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znsflow/backend/internal/config"
)

func newTestClient(url string) *ZNSClient {
	return NewZNSClient(&config.ProviderConfig{SendURL: url, Timeout: 2 * time.Second})
}

func TestZNSClient_Send(t *testing.T) {
	t.Run("successful send returns the msg id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "token-abc", r.Header.Get("access_token"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req map[string]json.RawMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.JSONEq(t, `"84901234567"`, string(req["phone"]))
			assert.JSONEq(t, `"tpl-7"`, string(req["template_id"]))
			assert.JSONEq(t, `{"otp":"123456"}`, string(req["template_data"]))
			assert.JSONEq(t, `"trk-1"`, string(req["tracking_id"]))

			json.NewEncoder(w).Encode(map[string]any{
				"error":   0,
				"message": "Success",
				"data":    map[string]string{"msg_id": "msg-777"},
			})
		}))
		defer srv.Close()

		msgID, err := newTestClient(srv.URL).Send(context.Background(),
			"token-abc", "84901234567", "tpl-7", json.RawMessage(`{"otp":"123456"}`), "trk-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-777", msgID)
	})

	t.Run("provider error code becomes an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"error":   -124,
				"message": "Access token invalid",
			})
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Send(context.Background(),
			"token-abc", "84901234567", "tpl-7", nil, "trk-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "-124")
		assert.Contains(t, err.Error(), "Access token invalid")
	})

	t.Run("non-2xx status becomes an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Send(context.Background(),
			"token-abc", "84901234567", "tpl-7", nil, "trk-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("missing msg_id is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"error": 0, "message": "Success"})
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Send(context.Background(),
			"token-abc", "84901234567", "tpl-7", nil, "trk-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "msg_id")
	})

	t.Run("context cancellation aborts the call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestClient(srv.URL).Send(ctx,
			"token-abc", "84901234567", "tpl-7", nil, "trk-1")
		assert.Error(t, err)
	})
}

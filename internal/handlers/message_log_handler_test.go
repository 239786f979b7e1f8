package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znsflow/backend/internal/services"
)

func TestMessageLogHandler_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	handler := NewMessageLogHandler(services.NewMessageLogService(db))

	withTenant := func(r *http.Request) *http.Request {
		return r.WithContext(context.WithValue(r.Context(), "tenantID", "tenant1"))
	}

	emptyPage := func() {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM message_logs m").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT m.id, m.tenant_id, m.oa_id_zalo").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "oa_id_zalo", "template_id", "recipient_phone", "tracking_id",
				"template_data", "status", "msg_id", "error_message", "sent_at", "failed_at", "created_at",
				"template_name", "amount",
			}))
	}

	t.Run("defaults fill the pagination meta", func(t *testing.T) {
		emptyPage()

		req := withTenant(httptest.NewRequest(http.MethodGet, "/api/v1/message-logs", nil))
		rec := httptest.NewRecorder()
		handler.List(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Items []services.MessageLogItem `json:"items"`
			Meta  map[string]int            `json:"meta"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Items)
		assert.Equal(t, 0, resp.Meta["total"])
		assert.Equal(t, 1, resp.Meta["page"])
		assert.Equal(t, 20, resp.Meta["pageSize"])
	})

	t.Run("status filter is upper-cased", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM message_logs m").
			WithArgs("tenant1", "SENT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT m.id, m.tenant_id, m.oa_id_zalo").
			WithArgs("tenant1", "SENT", 20, 0).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "oa_id_zalo", "template_id", "recipient_phone", "tracking_id",
				"template_data", "status", "msg_id", "error_message", "sent_at", "failed_at", "created_at",
				"template_name", "amount",
			}))

		req := withTenant(httptest.NewRequest(http.MethodGet, "/api/v1/message-logs?status=sent", nil))
		rec := httptest.NewRecorder()
		handler.List(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed from bound is rejected", func(t *testing.T) {
		req := withTenant(httptest.NewRequest(http.MethodGet, "/api/v1/message-logs?from=yesterday", nil))
		rec := httptest.NewRecorder()
		handler.List(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("valid date bounds pass through", func(t *testing.T) {
		from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM message_logs m").
			WithArgs("tenant1", from).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT m.id, m.tenant_id, m.oa_id_zalo").
			WithArgs("tenant1", from, 20, 0).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "oa_id_zalo", "template_id", "recipient_phone", "tracking_id",
				"template_data", "status", "msg_id", "error_message", "sent_at", "failed_at", "created_at",
				"template_name", "amount",
			}))

		req := withTenant(httptest.NewRequest(http.MethodGet, "/api/v1/message-logs?from=2026-08-01T00:00:00Z", nil))
		rec := httptest.NewRecorder()
		handler.List(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing tenant context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/message-logs", nil)
		rec := httptest.NewRecorder()
		handler.List(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znsflow/backend/internal/config"
	"github.com/znsflow/backend/internal/services"
)

const workerTestKey = "0123456789abcdef0123456789abcdef"

type fakeSender struct {
	msgID string
	err   error
	calls []fakeSendCall
}

type fakeSendCall struct {
	AccessToken string
	Phone       string
	TemplateID  string
	TrackingID  string
}

func (f *fakeSender) Send(ctx context.Context, accessToken, phone, templateID string, templateData json.RawMessage, trackingID string) (string, error) {
	f.calls = append(f.calls, fakeSendCall{accessToken, phone, templateID, trackingID})
	if f.err != nil {
		return "", f.err
	}
	return f.msgID, nil
}

func testBilling() *config.BillingConfig {
	return &config.BillingConfig{PlatformFee: 200, VATPercent: 10}
}

func newWorker(t *testing.T, sender Sender) (*SendWorker, sqlmock.Sqlmock, *services.OAService) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	oa, err := services.NewOAService(db, workerTestKey)
	require.NoError(t, err)

	return NewSendWorker(db, services.NewWalletLedgerService(db), oa, sender, testBilling()), mock, oa
}

func testJob() *services.SendJob {
	return &services.SendJob{
		TenantID:     "tenant1",
		OAIDZalo:     "oa-123",
		TemplateID:   "tpl-7",
		Phone:        "84901234567",
		TemplateData: json.RawMessage(`{"otp":"123456"}`),
		TrackingID:   "trk-1",
	}
}

func TestSendWorker_ComputeFees(t *testing.T) {
	w := &SendWorker{billing: testBilling()}

	cases := []struct {
		price int64
		vat   int64
		total int64
	}{
		{800, 100, 1100}, // subtotal 1000
		{0, 20, 220},     // platform fee only
		{333, 53, 586},   // 53.3 rounds down
		{335, 54, 589},   // 53.5 rounds up
	}
	for _, tc := range cases {
		fees := w.ComputeFees(tc.price)
		assert.Equal(t, tc.price, fees.Base)
		assert.Zero(t, fees.Delivery)
		assert.Equal(t, int64(200), fees.Platform)
		assert.Equal(t, tc.vat, fees.VAT, "price %d", tc.price)
		assert.Equal(t, tc.total, fees.Total, "price %d", tc.price)
	}
}

func expectTemplatePrice(mock sqlmock.Sqlmock, price int64) {
	mock.ExpectQuery("SELECT price FROM zns_templates").
		WithArgs("tenant1", "tpl-7").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow(price))
}

func expectBalance(mock sqlmock.Sqlmock, balance int64) {
	mock.ExpectQuery("SELECT balance FROM tenants WHERE id = \\$1").
		WithArgs("tenant1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balance))
}

func expectMarkFailed(mock sqlmock.Sqlmock, reason string) {
	mock.ExpectExec("UPDATE message_logs").
		WithArgs("FAILED", sqlmock.AnyArg(), reason, "tenant1", "trk-1", "SENT").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSendWorker_Process(t *testing.T) {
	t.Run("successful send commits billing atomically", func(t *testing.T) {
		sender := &fakeSender{msgID: "msg-1"}
		w, mock, oa := newWorker(t, sender)

		sealed, err := oa.EncryptToken("access-token")
		require.NoError(t, err)

		expectTemplatePrice(mock, 800)
		expectBalance(mock, 5000)

		mock.ExpectQuery("SELECT id, oa_id_zalo, access_token FROM zalo_oas").
			WithArgs("tenant1", "oa-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "oa_id_zalo", "access_token"}).
				AddRow("row1", "oa-123", sealed))

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE message_logs").
			WithArgs("SENT", "msg-1", sqlmock.AnyArg(), "tenant1", "trk-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("log1"))
		mock.ExpectQuery("SELECT balance FROM tenants WHERE id = \\$1 FOR UPDATE").
			WithArgs("tenant1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(5000))
		mock.ExpectQuery("SELECT id FROM message_charges WHERE message_log_id = \\$1").
			WithArgs("log1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec("INSERT INTO message_charges").
			WithArgs(sqlmock.AnyArg(), "log1", "tenant1", int64(800), int64(0), int64(200), int64(100), int64(1100), "CONFIRMED", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE tenants SET balance = balance - \\$1").
			WithArgs(int64(1100), "tenant1").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusDone, result.Status)

		require.Len(t, sender.calls, 1)
		assert.Equal(t, "access-token", sender.calls[0].AccessToken)
		assert.Equal(t, "84901234567", sender.calls[0].Phone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance fails terminally before the provider call", func(t *testing.T) {
		sender := &fakeSender{msgID: "msg-1"}
		w, mock, _ := newWorker(t, sender)

		expectTemplatePrice(mock, 800) // total fee 1100
		expectBalance(mock, 1000)
		expectMarkFailed(mock, "INSUFFICIENT_BALANCE")

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusFail, result.Status)
		assert.ErrorIs(t, result.Err, services.ErrInsufficientBalance)
		assert.Empty(t, sender.calls, "provider must not be called")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("vanished template fails terminally", func(t *testing.T) {
		sender := &fakeSender{}
		w, mock, _ := newWorker(t, sender)

		mock.ExpectQuery("SELECT price FROM zns_templates").
			WithArgs("tenant1", "tpl-7").
			WillReturnRows(sqlmock.NewRows([]string{"price"}))
		expectMarkFailed(mock, "template_not_found")

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusFail, result.Status)
		assert.Empty(t, sender.calls)
	})

	t.Run("deactivated identity fails terminally", func(t *testing.T) {
		sender := &fakeSender{}
		w, mock, _ := newWorker(t, sender)

		expectTemplatePrice(mock, 800)
		expectBalance(mock, 5000)
		mock.ExpectQuery("SELECT id, oa_id_zalo, access_token FROM zalo_oas").
			WithArgs("tenant1", "oa-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "oa_id_zalo", "access_token"}))
		expectMarkFailed(mock, "not_found")

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusFail, result.Status)
		assert.ErrorIs(t, result.Err, services.ErrOANotFound)
	})

	t.Run("provider error records the failure and retries", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("zns error -124: access token invalid")}
		w, mock, oa := newWorker(t, sender)

		sealed, err := oa.EncryptToken("access-token")
		require.NoError(t, err)

		expectTemplatePrice(mock, 800)
		expectBalance(mock, 5000)
		mock.ExpectQuery("SELECT id, oa_id_zalo, access_token FROM zalo_oas").
			WithArgs("tenant1", "oa-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "oa_id_zalo", "access_token"}).
				AddRow("row1", "oa-123", sealed))
		expectMarkFailed(mock, "zns error -124: access token invalid")

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusRetry, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost billing race retries the commit", func(t *testing.T) {
		sender := &fakeSender{msgID: "msg-1"}
		w, mock, oa := newWorker(t, sender)

		sealed, err := oa.EncryptToken("access-token")
		require.NoError(t, err)

		expectTemplatePrice(mock, 800)
		expectBalance(mock, 5000)
		mock.ExpectQuery("SELECT id, oa_id_zalo, access_token FROM zalo_oas").
			WithArgs("tenant1", "oa-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "oa_id_zalo", "access_token"}).
				AddRow("row1", "oa-123", sealed))

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE message_logs").
			WithArgs("SENT", "msg-1", sqlmock.AnyArg(), "tenant1", "trk-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("log1"))
		// Concurrent debit drained the balance between the gate and the commit.
		mock.ExpectQuery("SELECT balance FROM tenants WHERE id = \\$1 FOR UPDATE").
			WithArgs("tenant1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
		mock.ExpectRollback()

		result := w.Process(context.Background(), testJob())
		assert.Equal(t, StatusRetry, result.Status)
		assert.ErrorIs(t, result.Err, services.ErrInsufficientBalance)
	})
}

func TestSendWorker_OnExhausted(t *testing.T) {
	w, mock, _ := newWorker(t, &fakeSender{})

	expectMarkFailed(mock, "zns error -124: access token invalid")
	w.OnExhausted(context.Background(), testJob(), errors.New("zns error -124: access token invalid"))

	expectMarkFailed(mock, "dispatch attempts exhausted")
	w.OnExhausted(context.Background(), testJob(), nil)

	assert.NoError(t, mock.ExpectationsWereMet())
}

package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/znsflow/backend/internal/config"
	"github.com/znsflow/backend/internal/models"
	"github.com/znsflow/backend/internal/services"
)

// Sender is the provider call the worker makes. Satisfied by
// provider.ZNSClient.
type Sender interface {
	Send(ctx context.Context, accessToken, phone, templateID string, templateData json.RawMessage, trackingID string) (string, error)
}

// FeeBreakdown is the per-message billing computed before the provider call.
type FeeBreakdown struct {
	Base     int64
	Delivery int64
	Platform int64
	VAT      int64
	Total    int64
}

// SendWorker processes queued send jobs: fee computation, balance gate,
// provider call, then one atomic transaction covering the SENT update, the
// charge upsert and the ledger debit.
type SendWorker struct {
	db      *sql.DB
	ledger  *services.WalletLedgerService
	oa      *services.OAService
	client  Sender
	billing *config.BillingConfig
}

func NewSendWorker(db *sql.DB, ledger *services.WalletLedgerService, oa *services.OAService, client Sender, billing *config.BillingConfig) *SendWorker {
	return &SendWorker{
		db:      db,
		ledger:  ledger,
		oa:      oa,
		client:  client,
		billing: billing,
	}
}

// ComputeFees prices one message: base is the template's configured price,
// delivery is reserved at zero, platform is a fixed constant and VAT is the
// configured percentage of the subtotal, rounded half up.
func (w *SendWorker) ComputeFees(templatePrice int64) FeeBreakdown {
	subtotal := templatePrice + 0 + w.billing.PlatformFee
	vat := (subtotal*w.billing.VATPercent + 50) / 100
	return FeeBreakdown{
		Base:     templatePrice,
		Delivery: 0,
		Platform: w.billing.PlatformFee,
		VAT:      vat,
		Total:    subtotal + vat,
	}
}

// Process runs one attempt for one job.
func (w *SendWorker) Process(ctx context.Context, job *services.SendJob) Result {
	price, err := w.oa.TemplateForTenant(ctx, job.TenantID, job.TemplateID)
	if err != nil {
		if errors.Is(err, services.ErrTemplateNotFound) {
			// The template vanished between submission and dispatch.
			w.markFailed(ctx, job, "template_not_found")
			return Terminal(err)
		}
		return Retry(err)
	}

	fees := w.ComputeFees(price)

	// Balance gate before the provider call: a tenant that cannot pay now
	// will not be able to pay after backoff either, and retrying just burns
	// provider quota.
	balance, err := w.ledger.Balance(ctx, job.TenantID)
	if err != nil {
		return Retry(err)
	}
	if balance < fees.Total {
		log.Printf("[WORKER] Insufficient balance for %s/%s: have %d, need %d",
			job.TenantID, job.TrackingID, balance, fees.Total)
		w.markFailed(ctx, job, services.ErrInsufficientBalance.Error())
		return Terminal(services.ErrInsufficientBalance)
	}

	oa, err := w.oa.ResolveActiveOA(ctx, job.TenantID, job.OAIDZalo)
	if err != nil {
		if errors.Is(err, services.ErrOANotFound) || errors.Is(err, services.ErrMultipleOAs) {
			w.markFailed(ctx, job, err.Error())
			return Terminal(err)
		}
		return Retry(err)
	}

	msgID, err := w.client.Send(ctx, oa.AccessToken, job.Phone, job.TemplateID, job.TemplateData, job.TrackingID)
	if err != nil {
		// Record the raw provider error; a later successful attempt
		// overwrites the status and clears it.
		w.markFailed(ctx, job, err.Error())
		return Retry(err)
	}

	if err := w.commitSent(ctx, job, msgID, fees); err != nil {
		// Includes the case where a concurrent debit won the balance between
		// the gate and the commit. The message already went out; retrying the
		// billing commit lets a top-up before exhaustion still settle it.
		return Retry(err)
	}

	return Done()
}

// commitSent performs the single side-effecting transaction of the success
// path: MessageLog to SENT, idempotent charge upsert, ledger debit.
func (w *SendWorker) commitSent(ctx context.Context, job *services.SendJob, msgID string, fees FeeBreakdown) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var logID string
	err = tx.QueryRow(`
        UPDATE message_logs
        SET status = $1, msg_id = $2, sent_at = $3, error_message = NULL, failed_at = NULL
        WHERE tenant_id = $4 AND tracking_id = $5
        RETURNING id
    `, models.MessageStatusSent, msgID, time.Now(), job.TenantID, job.TrackingID).Scan(&logID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message log not found for %s/%s", job.TenantID, job.TrackingID)
	}
	if err != nil {
		return err
	}

	err = w.ledger.DebitTx(tx, &models.MessageCharge{
		MessageLogID: logID,
		TenantID:     job.TenantID,
		BaseFee:      fees.Base,
		DeliveryFee:  fees.Delivery,
		PlatformFee:  fees.Platform,
		VATAmount:    fees.VAT,
		Amount:       fees.Total,
	})
	if err != nil {
		return err
	}

	return tx.Commit()
}

// OnExhausted is the dispatcher's dead-letter hook: the last retryable error
// becomes the message's terminal failure.
func (w *SendWorker) OnExhausted(ctx context.Context, job *services.SendJob, lastErr error) {
	reason := "dispatch attempts exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	w.markFailed(ctx, job, reason)
}

func (w *SendWorker) markFailed(ctx context.Context, job *services.SendJob, reason string) {
	_, err := w.db.ExecContext(ctx, `
        UPDATE message_logs
        SET status = $1, failed_at = $2, error_message = $3
        WHERE tenant_id = $4 AND tracking_id = $5 AND status != $6
    `, models.MessageStatusFailed, time.Now(), reason, job.TenantID, job.TrackingID, models.MessageStatusSent)
	if err != nil {
		log.Printf("[WORKER] Failed to mark message %s/%s FAILED: %v", job.TenantID, job.TrackingID, err)
	}
}

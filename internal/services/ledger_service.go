package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/znsflow/backend/internal/models"
)

// ErrInsufficientBalance is returned by Debit when the post-debit balance
// would go negative. It is a terminal business failure, not a system error.
var ErrInsufficientBalance = errors.New("INSUFFICIENT_BALANCE")

// WalletLedgerService owns the two balance mutation primitives. Every credit
// or debit runs in a single database transaction together with its audit
// record (TopupTransaction or MessageCharge), so the balance and the trail
// can never diverge.
type WalletLedgerService struct {
	db *sql.DB
}

func NewWalletLedgerService(db *sql.DB) *WalletLedgerService {
	return &WalletLedgerService{db: db}
}

// Credit appends a CONFIRMED TopupTransaction and increments the tenant
// balance atomically. payment_ref carries a unique index: a second event with
// the same reference inserts zero rows and the balance is left untouched, so
// the returned credited flag is false for redelivered webhook events.
func (s *WalletLedgerService) Credit(ctx context.Context, rec *models.TopupTransaction) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	credited, err := s.CreditTx(tx, rec)
	if err != nil {
		return false, err
	}
	if !credited {
		return false, tx.Rollback()
	}

	return true, tx.Commit()
}

// CreditTx is the composable form of Credit for callers managing their own
// transaction.
func (s *WalletLedgerService) CreditTx(tx *sql.Tx, rec *models.TopupTransaction) (bool, error) {
	if rec.Amount <= 0 {
		return false, fmt.Errorf("credit amount must be positive, got %d", rec.Amount)
	}

	rec.ID = uuid.NewString()
	rec.Status = "CONFIRMED"
	rec.CreatedAt = time.Now()

	result, err := tx.Exec(`
        INSERT INTO topup_transactions (id, tenant_id, amount, payment_method, payment_ref, status, notes, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (payment_ref) DO NOTHING
    `, rec.ID, rec.TenantID, rec.Amount, rec.PaymentMethod, rec.PaymentRef, rec.Status, rec.Notes, rec.CreatedAt)
	if err != nil {
		return false, err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		// Already credited for this payment reference.
		return false, nil
	}

	result, err = tx.Exec(`
        UPDATE tenants SET balance = balance + $1, updated_at = NOW() WHERE id = $2
    `, rec.Amount, rec.TenantID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, fmt.Errorf("tenant %s not found", rec.TenantID)
	}

	return true, nil
}

// Debit checks and decrements the tenant balance and writes the charge record
// in one transaction.
func (s *WalletLedgerService) Debit(ctx context.Context, charge *models.MessageCharge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.DebitTx(tx, charge); err != nil {
		return err
	}

	return tx.Commit()
}

// DebitTx re-reads the balance under a row lock, aborts with
// ErrInsufficientBalance if the debit would overdraw, upserts the charge for
// charge.MessageLogID and decrements the balance. The upsert is an explicit
// select-then-insert-or-update keyed by message_log_id: a worker retried
// after a crash between send and commit overwrites its earlier charge instead
// of creating a second one.
func (s *WalletLedgerService) DebitTx(tx *sql.Tx, charge *models.MessageCharge) error {
	if charge.Amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", charge.Amount)
	}

	var balance int64
	err := tx.QueryRow(`
        SELECT balance FROM tenants WHERE id = $1 FOR UPDATE
    `, charge.TenantID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("tenant %s not found", charge.TenantID)
		}
		return err
	}

	if balance < charge.Amount {
		return ErrInsufficientBalance
	}

	charge.Status = "CONFIRMED"

	var existingID string
	err = tx.QueryRow(`
        SELECT id FROM message_charges WHERE message_log_id = $1
    `, charge.MessageLogID).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		charge.ID = uuid.NewString()
		charge.CreatedAt = time.Now()
		_, err = tx.Exec(`
            INSERT INTO message_charges (id, message_log_id, tenant_id, base_fee, delivery_fee, platform_fee, vat_amount, amount, status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        `, charge.ID, charge.MessageLogID, charge.TenantID, charge.BaseFee, charge.DeliveryFee,
			charge.PlatformFee, charge.VATAmount, charge.Amount, charge.Status, charge.CreatedAt)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		charge.ID = existingID
		_, err = tx.Exec(`
            UPDATE message_charges
            SET base_fee = $1, delivery_fee = $2, platform_fee = $3, vat_amount = $4, amount = $5, status = $6
            WHERE id = $7
        `, charge.BaseFee, charge.DeliveryFee, charge.PlatformFee, charge.VATAmount,
			charge.Amount, charge.Status, charge.ID)
		if err != nil {
			return err
		}
	}

	result, err := tx.Exec(`
        UPDATE tenants SET balance = balance - $1, updated_at = NOW() WHERE id = $2 AND balance >= $1
    `, charge.Amount, charge.TenantID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}

	return nil
}

// Balance reads the current tenant balance outside of any transaction. Callers
// needing a balance that stays valid must debit through DebitTx instead.
func (s *WalletLedgerService) Balance(ctx context.Context, tenantID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
        SELECT balance FROM tenants WHERE id = $1
    `, tenantID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("tenant %s not found", tenantID)
	}
	return balance, err
}

package models

import (
	"encoding/json"
	"time"
)

// MessageLog status values. PENDING moves to exactly one of SENT or FAILED;
// both are terminal for this pipeline (delivery receipts are out of scope).
const (
	MessageStatusPending = "PENDING"
	MessageStatusSent    = "SENT"
	MessageStatusFailed  = "FAILED"
)

// MessageLog records one outbound ZNS message. trackingId is the caller's
// correlation id and is unique per tenant.
type MessageLog struct {
	ID             string          `json:"id" db:"id"`
	TenantID       string          `json:"tenantId" db:"tenant_id"`
	OAIDZalo       string          `json:"oaIdZalo" db:"oa_id_zalo"`
	TemplateID     string          `json:"templateId" db:"template_id"`
	RecipientPhone string          `json:"recipientPhone" db:"recipient_phone"`
	TrackingID     string          `json:"trackingId" db:"tracking_id"`
	TemplateData   json.RawMessage `json:"templateData" db:"template_data"`
	Status         string          `json:"status" db:"status"`
	MsgID          *string         `json:"msgId" db:"msg_id"`
	ErrorMessage   *string         `json:"errorMessage" db:"error_message"`
	SentAt         *time.Time      `json:"sentAt" db:"sent_at"`
	FailedAt       *time.Time      `json:"failedAt" db:"failed_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// MessageCharge is the fee breakdown debited for one sent message, one-to-one
// with its MessageLog. Written via an idempotent conditional upsert so a
// retried worker attempt cannot double-charge.
type MessageCharge struct {
	ID           string    `json:"id" db:"id"`
	MessageLogID string    `json:"messageLogId" db:"message_log_id"`
	TenantID     string    `json:"tenantId" db:"tenant_id"`
	BaseFee      int64     `json:"baseFee" db:"base_fee"`
	DeliveryFee  int64     `json:"deliveryFee" db:"delivery_fee"`
	PlatformFee  int64     `json:"platformFee" db:"platform_fee"`
	VATAmount    int64     `json:"vatAmount" db:"vat_amount"`
	Amount       int64     `json:"amount" db:"amount"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// ZaloOA is a tenant-owned sending identity. The access token is stored
// AES-256-GCM encrypted and decrypted just before a provider call.
type ZaloOA struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenantId" db:"tenant_id"`
	OAIDZalo    string    `json:"oaIdZalo" db:"oa_id_zalo"`
	Name        string    `json:"name" db:"name"`
	AccessToken string    `json:"-" db:"access_token"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// ZnsTemplate mirrors the provider's template registry entry for a tenant.
// Price is the per-message base fee in the smallest currency unit.
type ZnsTemplate struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenantId" db:"tenant_id"`
	TemplateID   string    `json:"templateId" db:"template_id"`
	TemplateName string    `json:"templateName" db:"template_name"`
	Price        int64     `json:"price" db:"price"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

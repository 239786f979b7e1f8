package models

import "time"

// Tenant is the billing unit owning a wallet balance and Zalo OAs. Balance is
// stored in the smallest currency unit and is only ever mutated through the
// wallet ledger, never directly by handlers.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TopupTransaction is one row of the append-only top-up audit trail. A row is
// written exactly once per reconciled webhook event and never updated.
type TopupTransaction struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenantId" db:"tenant_id"`
	Amount        int64     `json:"amount" db:"amount"`
	PaymentMethod string    `json:"paymentMethod" db:"payment_method"`
	PaymentRef    string    `json:"paymentRef" db:"payment_ref"`
	Status        string    `json:"status" db:"status"`
	Notes         string    `json:"notes" db:"notes"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// APIKey authenticates public send requests. Only the bcrypt hash is stored;
// the prefix (first 8 chars of the raw key) narrows the lookup.
type APIKey struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenantId" db:"tenant_id"`
	Prefix   string `json:"prefix" db:"prefix"`
	KeyHash  string `json:"-" db:"key_hash"`
	IsActive bool   `json:"isActive" db:"is_active"`
}

package config

import (
	"os"
	"strconv"
	"time"
)

// TopupConfig controls the bank-transfer top-up flow: memo generation,
// intent lifetime and the gateway webhook credentials.
type TopupConfig struct {
	MemoPrefix      string
	MemoCodeLength  int
	IntentTTL       time.Duration
	IdempotencyTTL  time.Duration
	BankName        string
	BankAccount     string
	BankAccountName string
	WebhookAPIKey   string
	StatusLookback  time.Duration
}

func LoadTopupConfig() *TopupConfig {
	return &TopupConfig{
		MemoPrefix:      getEnv("TOPUP_MEMO_PREFIX", "ZNS"),
		MemoCodeLength:  getEnvAsInt("TOPUP_MEMO_CODE_LENGTH", 8),
		IntentTTL:       getEnvAsDuration("TOPUP_INTENT_TTL", 15*time.Minute),
		IdempotencyTTL:  getEnvAsDuration("TOPUP_IDEMPOTENCY_TTL", 72*time.Hour),
		BankName:        getEnv("TOPUP_BANK_NAME", ""),
		BankAccount:     getEnv("TOPUP_BANK_ACCOUNT", ""),
		BankAccountName: getEnv("TOPUP_BANK_ACCOUNT_NAME", ""),
		WebhookAPIKey:   getEnv("SEPAY_WEBHOOK_API_KEY", ""),
		StatusLookback:  getEnvAsDuration("TOPUP_STATUS_LOOKBACK", 10*time.Minute),
	}
}

// BillingConfig holds the per-message fee constants. VATPercent applies to the
// sum of base, delivery and platform fees.
type BillingConfig struct {
	PlatformFee int64
	VATPercent  int64
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		PlatformFee: getEnvAsInt64("BILLING_PLATFORM_FEE", 200),
		VATPercent:  getEnvAsInt64("BILLING_VAT_PERCENT", 10),
	}
}

// DispatchConfig controls the send queue and its worker pool.
type DispatchConfig struct {
	QueueKey    string
	RetryKey    string
	DedupTTL    time.Duration
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
}

func LoadDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		QueueKey:    getEnv("DISPATCH_QUEUE_KEY", "zns:send"),
		RetryKey:    getEnv("DISPATCH_RETRY_KEY", "zns:send:retry"),
		DedupTTL:    getEnvAsDuration("DISPATCH_DEDUP_TTL", 24*time.Hour),
		Concurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 5),
		MaxAttempts: getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5),
		BackoffBase: getEnvAsDuration("DISPATCH_BACKOFF_BASE", 5*time.Second),
	}
}

// ProviderConfig points at the Zalo Business OpenAPI send endpoint.
type ProviderConfig struct {
	SendURL string
	Timeout time.Duration
}

func LoadProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		SendURL: getEnv("ZALO_SEND_URL", "https://business.openapi.zalo.me/message/template"),
		Timeout: getEnvAsDuration("ZALO_SEND_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

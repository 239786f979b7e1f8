package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
	"github.com/znsflow/backend/internal/config"
	"github.com/znsflow/backend/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Memo codes avoid ambiguous characters (no I, O, 0, 1) since they are typed
// by hand into a bank transfer form.
const memoCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// TopupService reserves payment intents, reconciles SePay webhook events
// against them and credits the wallet ledger through exactly one atomic
// transaction per event.
type TopupService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *WalletLedgerService
	validator *ValidationHelper
	config    *config.TopupConfig
	memoRe    *regexp.Regexp
}

// TopupIntent is the cache-resident reservation stored under a memo code.
type TopupIntent struct {
	TenantID string `json:"tenantId"`
	Amount   int64  `json:"amount"`
}

// SePayWebhookPayload is the bank gateway's transfer notification. The shape
// is validated at the boundary; nothing downstream touches raw JSON.
type SePayWebhookPayload struct {
	ID              int64  `json:"id" validate:"required"`
	Gateway         string `json:"gateway"`
	TransactionDate string `json:"transactionDate"`
	AccountNumber   string `json:"accountNumber"`
	Code            string `json:"code"`
	Content         string `json:"content"`
	TransferType    string `json:"transferType" validate:"required"`
	TransferAmount  int64  `json:"transferAmount" validate:"required,gt=0"`
	Accumulated     int64  `json:"accumulated"`
	ReferenceCode   string `json:"referenceCode"`
	Description     string `json:"description"`
}

// WebhookOutcome is the deterministic result of processing one webhook event.
// Rejections are outcomes, not errors: the gateway always gets a 200 so it
// does not retry-storm deliberate rejections.
type WebhookOutcome struct {
	Accepted bool   `json:"accepted"`
	Dedup    bool   `json:"dedup,omitempty"`
	Reason   string `json:"reason,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Memo     string `json:"memo,omitempty"`
}

func NewTopupService(db *sql.DB, redisClient *redis.Client, ledger *WalletLedgerService, cfg *config.TopupConfig) *TopupService {
	prefix := regexp.QuoteMeta(normalizeText(cfg.MemoPrefix))
	return &TopupService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		validator: NewValidationHelper(),
		config:    cfg,
		memoRe:    regexp.MustCompile(`\b` + prefix + `[^A-Z0-9]?([A-Z0-9]{4,})\b`),
	}
}

func keyIntent(memo string) string { return "topup:intent:" + memo }

func keyDoneID(id int64) string { return fmt.Sprintf("sepay:done:id:%d", id) }

func keyDoneRef(ref string) string { return "sepay:done:ref:" + ref }

// CreateIntent reserves a memo code for an expected bank transfer
// @Summary Create top-up intent
// @Description Reserve a memo code and bank details for a wallet top-up
// @Tags topup
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Top-up amount in smallest currency unit"
// @Success 201 {object} object{memoCode=string,amount=int64,bank=object,expiresIn=int,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /topup/intents [post]
func (s *TopupService) CreateIntent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}

	if !DecodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	memoCode, err := s.createIntent(r.Context(), tenantID, req.Amount)
	if err != nil {
		log.Printf("[TOPUP] Failed to create intent for tenant %s: %v", tenantID, err)
		SendErrorResponse(w, "Failed to create top-up intent", http.StatusInternalServerError, nil)
		return
	}

	qrImage, err := s.transferQR(memoCode, req.Amount)
	if err != nil {
		// The intent is already live; respond without the QR rather than fail.
		log.Printf("[TOPUP] QR generation failed for memo %s: %v", memoCode, err)
	}

	SendJSON(w, http.StatusCreated, map[string]any{
		"memoCode": memoCode,
		"amount":   req.Amount,
		"bank": map[string]string{
			"name":        s.config.BankName,
			"account":     s.config.BankAccount,
			"accountName": s.config.BankAccountName,
		},
		"expiresIn": int(s.config.IntentTTL.Seconds()),
		"qrImage":   qrImage,
	})
}

func (s *TopupService) createIntent(ctx context.Context, tenantID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %d", amount)
	}

	memoCode := s.config.MemoPrefix + "-" + randomMemoCode(s.config.MemoCodeLength)

	payload, err := json.Marshal(TopupIntent{TenantID: tenantID, Amount: amount})
	if err != nil {
		return "", err
	}

	if err := s.redis.Set(ctx, keyIntent(memoCode), payload, s.config.IntentTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store intent: %w", err)
	}

	log.Printf("[TOPUP] Intent created: memo=%s tenant=%s amount=%d", memoCode, tenantID, amount)
	return memoCode, nil
}

// LookupIntent resolves a memo code to its live intent. Read-only; the intent
// is only deleted by a successful reconciliation or TTL expiry.
func (s *TopupService) LookupIntent(ctx context.Context, memoCode string) (*TopupIntent, error) {
	raw, err := s.redis.Get(ctx, keyIntent(memoCode)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var intent TopupIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, fmt.Errorf("corrupt intent payload for %s: %w", memoCode, err)
	}
	return &intent, nil
}

// HandleSePayWebhook receives bank transfer notifications from SePay
// @Summary SePay webhook
// @Description Reconcile a bank-transfer notification against open top-up intents
// @Tags topup
// @Accept json
// @Produce json
// @Param payload body SePayWebhookPayload true "Transfer event"
// @Success 200 {object} object{ok=bool,accepted=bool}
// @Failure 401 {object} services.ErrorResponse
// @Router /topup/webhooks/sepay [post]
func (s *TopupService) HandleSePayWebhook(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Apikey"))
	if auth == "" || s.config.WebhookAPIKey == "" || token != s.config.WebhookAPIKey {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var payload SePayWebhookPayload

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(&payload); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&payload); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	outcome, err := s.ProcessWebhook(r.Context(), &payload)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to process event %d: %v", payload.ID, err)
		SendErrorResponse(w, "Failed to process webhook", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"accepted": outcome.Accepted,
		"dedup":    outcome.Dedup,
		"reason":   outcome.Reason,
		"tenantId": outcome.TenantID,
		"amount":   outcome.Amount,
		"memo":     outcome.Memo,
	})
}

// ProcessWebhook walks the reconciliation gates in order. Every terminal
// outcome, rejections included, writes idempotency markers so a redelivered
// event short-circuits to the recorded outcome with no side effects. The
// ledger credit itself is guarded by the unique payment_ref, which is the
// real exclusivity boundary for concurrent deliveries of the same event.
func (s *TopupService) ProcessWebhook(ctx context.Context, payload *SePayWebhookPayload) (*WebhookOutcome, error) {
	if strings.ToLower(payload.TransferType) != "in" {
		return &WebhookOutcome{Accepted: false, Reason: "not_incoming"}, nil
	}

	if s.config.BankAccount != "" && payload.AccountNumber != s.config.BankAccount {
		s.setMarkers(ctx, payload, "wrong_account")
		return &WebhookOutcome{Accepted: false, Reason: "wrong_account"}, nil
	}

	if s.config.BankName != "" && normalizeText(payload.Gateway) != normalizeText(s.config.BankName) {
		s.setMarkers(ctx, payload, "wrong_bank")
		return &WebhookOutcome{Accepted: false, Reason: "wrong_bank"}, nil
	}

	if prior, found := s.priorOutcome(ctx, payload); found {
		log.Printf("[WEBHOOK] Duplicate event %d, recorded outcome: %s", payload.ID, prior)
		return &WebhookOutcome{Accepted: prior == "ok", Dedup: true, Reason: dedupReason(prior)}, nil
	}

	memo := s.extractMemo(payload.Content)
	if memo == "" {
		memo = s.extractMemo(payload.Description)
	}
	if memo == "" {
		s.setMarkers(ctx, payload, "no_memo")
		return &WebhookOutcome{Accepted: false, Reason: "no_memo"}, nil
	}

	intent, err := s.LookupIntent(ctx, memo)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		s.setMarkers(ctx, payload, "intent_not_found")
		return &WebhookOutcome{Accepted: false, Reason: "intent_not_found"}, nil
	}

	if payload.TransferAmount != intent.Amount {
		s.setMarkers(ctx, payload, "amount_mismatch")
		return &WebhookOutcome{Accepted: false, Reason: "amount_mismatch"}, nil
	}

	ref := payload.ReferenceCode
	if ref == "" {
		ref = fmt.Sprintf("%d", payload.ID)
	}

	credited, err := s.ledger.Credit(ctx, &models.TopupTransaction{
		TenantID:      intent.TenantID,
		Amount:        intent.Amount,
		PaymentMethod: "SEPAY",
		PaymentRef:    ref,
		Notes:         payload.Content,
	})
	if err != nil {
		return nil, err
	}
	if !credited {
		s.setMarkers(ctx, payload, "ok")
		return &WebhookOutcome{Accepted: true, Dedup: true}, nil
	}

	if err := s.redis.Del(ctx, keyIntent(memo)).Err(); err != nil {
		log.Printf("[WEBHOOK] Failed to delete intent %s: %v", memo, err)
	}
	s.setMarkers(ctx, payload, "ok")

	log.Printf("[WEBHOOK] Credited tenant %s with %d (memo=%s, ref=%s)", intent.TenantID, intent.Amount, memo, ref)
	return &WebhookOutcome{Accepted: true, TenantID: intent.TenantID, Amount: intent.Amount, Memo: memo}, nil
}

// GetTopupStatus reports whether a memo's transfer has been reconciled
// @Summary Top-up status
// @Description Poll whether a recent confirmed transaction matches the memo
// @Tags topup
// @Produce json
// @Security BearerAuth
// @Param memo query string true "Memo code"
// @Success 200 {object} object{status=string,amount=int64,createdAt=string}
// @Failure 401 {object} services.ErrorResponse
// @Router /topup/intents/status [get]
func (s *TopupService) GetTopupStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	memo := strings.TrimSpace(r.URL.Query().Get("memo"))
	if len(memo) < 4 {
		SendErrorResponse(w, "memo is required", http.StatusBadRequest, nil)
		return
	}

	since := time.Now().Add(-s.config.StatusLookback)

	var amount int64
	var createdAt time.Time
	err := s.db.QueryRowContext(r.Context(), `
        SELECT amount, created_at FROM topup_transactions
        WHERE tenant_id = $1 AND status = 'CONFIRMED' AND created_at >= $2 AND notes LIKE '%' || $3 || '%'
        ORDER BY created_at DESC
        LIMIT 1
    `, tenantID, since, memo).Scan(&amount, &createdAt)

	if err == sql.ErrNoRows {
		SendJSON(w, http.StatusOK, map[string]any{"status": "PENDING"})
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to query top-up status", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"status":    "SUCCESS",
		"amount":    amount,
		"createdAt": createdAt.Format(time.RFC3339),
	})
}

// priorOutcome checks both idempotency markers. Either key existing is enough
// to treat the event as already processed.
func (s *TopupService) priorOutcome(ctx context.Context, payload *SePayWebhookPayload) (string, bool) {
	if val, err := s.redis.Get(ctx, keyDoneID(payload.ID)).Result(); err == nil {
		return val, true
	}
	if payload.ReferenceCode != "" {
		if val, err := s.redis.Get(ctx, keyDoneRef(payload.ReferenceCode)).Result(); err == nil {
			return val, true
		}
	}
	return "", false
}

func (s *TopupService) setMarkers(ctx context.Context, payload *SePayWebhookPayload, value string) {
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, keyDoneID(payload.ID), value, s.config.IdempotencyTTL)
	if payload.ReferenceCode != "" {
		pipe.Set(ctx, keyDoneRef(payload.ReferenceCode), value, s.config.IdempotencyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[WEBHOOK] Failed to write idempotency markers for event %d: %v", payload.ID, err)
	}
}

// extractMemo pulls the trailing alphanumeric code out of free-text transfer
// content. Banks mangle case and diacritics, so matching runs on the
// normalized form.
func (s *TopupService) extractMemo(content string) string {
	if content == "" {
		return ""
	}
	m := s.memoRe.FindStringSubmatch(normalizeText(content))
	if m == nil {
		return ""
	}
	return s.config.MemoPrefix + "-" + m[1]
}

// transferQR renders the manual-transfer payload as a base64 PNG so clients
// can show a scannable code next to the bank details.
func (s *TopupService) transferQR(memoCode string, amount int64) (string, error) {
	content := fmt.Sprintf("bank=%s&account=%s&amount=%d&memo=%s",
		s.config.BankName, s.config.BankAccount, amount, memoCode)
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

func dedupReason(prior string) string {
	if prior == "ok" {
		return ""
	}
	return prior
}

func randomMemoCode(length int) string {
	code := make([]byte, length)
	charsetLen := big.NewInt(int64(len(memoCharset)))
	for i := range code {
		n, _ := rand.Int(rand.Reader, charsetLen)
		code[i] = memoCharset[n.Int64()]
	}
	return string(code)
}

// normalizeText strips diacritics and upper-cases, mirroring what bank
// gateways do to transfer descriptions.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(out)
}

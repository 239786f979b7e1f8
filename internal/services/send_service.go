package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/znsflow/backend/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid_api_key")
	ErrTemplateNotFound = errors.New("template_not_found")
)

// apiKeyPrefixLen narrows the key lookup before the bcrypt comparison.
const apiKeyPrefixLen = 8

// SendJob is one queued outbound message. TrackingID doubles as the queue's
// dedup key, so at most one job is ever in flight per (tenant, trackingId).
type SendJob struct {
	TenantID     string          `json:"tenantId"`
	OAIDZalo     string          `json:"oaIdZalo"`
	TemplateID   string          `json:"templateId"`
	Phone        string          `json:"phone"`
	TemplateData json.RawMessage `json:"templateData"`
	TrackingID   string          `json:"trackingId"`
	Attempts     int             `json:"attempts"`
}

// Enqueuer hands jobs to the dispatch queue. Enqueue reports false when the
// dedup key already exists and nothing was queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *SendJob) (bool, error)
}

// SendService is the synchronous half of the dispatch pipeline: it
// authenticates the API key, validates the request against the tenant's
// templates and identities, persists the PENDING message log and enqueues
// the job. The actual provider call and billing happen in the worker pool.
type SendService struct {
	db        *sql.DB
	oa        *OAService
	queue     Enqueuer
	validator *ValidationHelper
}

func NewSendService(db *sql.DB, oa *OAService, queue Enqueuer) *SendService {
	return &SendService{
		db:        db,
		oa:        oa,
		queue:     queue,
		validator: NewValidationHelper(),
	}
}

// VerifyAPIKey resolves a raw API key to its tenant. Keys are stored as a
// plaintext prefix plus a bcrypt hash of the full key.
func (s *SendService) VerifyAPIKey(ctx context.Context, rawKey string) (string, error) {
	if len(rawKey) < apiKeyPrefixLen {
		return "", ErrInvalidAPIKey
	}

	var key models.APIKey
	err := s.db.QueryRowContext(ctx, `
        SELECT id, tenant_id, key_hash FROM api_keys WHERE prefix = $1 AND is_active = true
    `, rawKey[:apiKeyPrefixLen]).Scan(&key.ID, &key.TenantID, &key.KeyHash)
	if err == sql.ErrNoRows {
		return "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
		return "", ErrInvalidAPIKey
	}
	return key.TenantID, nil
}

// Submit accepts a public send request and queues it for dispatch
// @Summary Submit ZNS message
// @Description Queue a billed template message for asynchronous dispatch
// @Tags zns
// @Accept json
// @Produce json
// @Param X-Api-Key header string true "Tenant API key"
// @Param request body object{templateId=string,phone=string,templateData=object,trackingId=string,oaIdZalo=string} true "Send request"
// @Success 202 {object} object{status=string,trackingId=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /zns/send [post]
func (s *SendService) Submit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.VerifyAPIKey(r.Context(), r.Header.Get("X-Api-Key"))
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			SendErrorResponse(w, "invalid_api_key", http.StatusUnauthorized, nil)
			return
		}
		SendErrorResponse(w, "Failed to verify API key", http.StatusInternalServerError, nil)
		return
	}

	var req submitRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if _, err := s.oa.TemplateForTenant(r.Context(), tenantID, req.TemplateID); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			SendErrorResponse(w, "template_not_found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to resolve template", http.StatusInternalServerError, nil)
		return
	}

	oa, err := s.oa.ResolveActiveOA(r.Context(), tenantID, req.OAIDZalo)
	if err != nil {
		switch {
		case errors.Is(err, ErrOANotFound):
			SendErrorResponse(w, "not_found", http.StatusNotFound, nil)
		case errors.Is(err, ErrMultipleOAs):
			SendErrorResponse(w, "multiple_oas_choose_one", http.StatusBadRequest, nil)
		default:
			SendErrorResponse(w, "Failed to resolve sending identity", http.StatusInternalServerError, nil)
		}
		return
	}

	if err := s.ensureMessageLog(r.Context(), tenantID, oa.OAIDZalo, &req); err != nil {
		log.Printf("[SEND] Failed to persist message log (tenant=%s tracking=%s): %v", tenantID, req.TrackingID, err)
		SendErrorResponse(w, "Failed to persist message", http.StatusInternalServerError, nil)
		return
	}

	queued, err := s.queue.Enqueue(r.Context(), &SendJob{
		TenantID:     tenantID,
		OAIDZalo:     oa.OAIDZalo,
		TemplateID:   req.TemplateID,
		Phone:        req.Phone,
		TemplateData: req.TemplateData,
		TrackingID:   req.TrackingID,
	})
	if err != nil {
		log.Printf("[SEND] Failed to enqueue job (tenant=%s tracking=%s): %v", tenantID, req.TrackingID, err)
		SendErrorResponse(w, "Failed to enqueue message", http.StatusInternalServerError, nil)
		return
	}
	if !queued {
		log.Printf("[SEND] Duplicate submission suppressed (tenant=%s tracking=%s)", tenantID, req.TrackingID)
	}

	SendJSON(w, http.StatusAccepted, map[string]string{
		"status":     "QUEUED",
		"trackingId": req.TrackingID,
	})
}

type submitRequest struct {
	TemplateID   string          `json:"templateId" validate:"required"`
	Phone        string          `json:"phone" validate:"required,min=8"`
	TemplateData json.RawMessage `json:"templateData" validate:"required"`
	TrackingID   string          `json:"trackingId" validate:"required"`
	OAIDZalo     string          `json:"oaIdZalo"`
}

// ensureMessageLog creates the PENDING record, leaving any prior attempt for
// the same trackingId in place.
func (s *SendService) ensureMessageLog(ctx context.Context, tenantID, oaIDZalo string, req *submitRequest) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO message_logs (id, tenant_id, oa_id_zalo, template_id, recipient_phone, tracking_id, template_data, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (tenant_id, tracking_id) DO NOTHING
    `, uuid.NewString(), tenantID, oaIDZalo, req.TemplateID, req.Phone, req.TrackingID,
		[]byte(req.TemplateData), models.MessageStatusPending, time.Now())
	return err
}

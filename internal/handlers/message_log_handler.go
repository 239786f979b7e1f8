package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/znsflow/backend/internal/services"
)

type MessageLogHandler struct {
	service *services.MessageLogService
}

func NewMessageLogHandler(service *services.MessageLogService) *MessageLogHandler {
	return &MessageLogHandler{service: service}
}

// List returns a tenant's message history
// @Summary List message logs
// @Description Paginated message history with status, phone and date filters
// @Tags message-logs
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page (default 1)"
// @Param pageSize query int false "Page size (default 20, max 100)"
// @Param status query string false "PENDING, SENT or FAILED"
// @Param phone query string false "Recipient phone substring"
// @Param trackingId query string false "Tracking id substring"
// @Param q query string false "Free-text search across phone, tracking id and template id"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Success 200 {object} object{items=[]services.MessageLogItem,meta=object}
// @Failure 401 {object} services.ErrorResponse
// @Router /message-logs [get]
func (h *MessageLogHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := r.Context().Value("tenantID").(string)
	if !ok || tenantID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	q := r.URL.Query()
	filter := services.MessageLogFilter{
		Status:     strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Phone:      strings.TrimSpace(q.Get("phone")),
		TrackingID: strings.TrimSpace(q.Get("trackingId")),
		Q:          strings.TrimSpace(q.Get("q")),
	}

	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Page = n
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.PageSize = n
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		} else {
			services.SendErrorResponse(w, "from must be RFC3339", http.StatusBadRequest, nil)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		} else {
			services.SendErrorResponse(w, "to must be RFC3339", http.StatusBadRequest, nil)
			return
		}
	}

	items, total, err := h.service.List(r.Context(), tenantID, filter)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list message logs", http.StatusInternalServerError, nil)
		return
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"meta": map[string]int{
			"total":    total,
			"page":     filter.Page,
			"pageSize": filter.PageSize,
		},
	})
}

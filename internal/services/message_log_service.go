package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/znsflow/backend/internal/models"
)

// MessageLogService serves the tenant dashboard's message history.
type MessageLogService struct {
	db *sql.DB
}

// MessageLogFilter narrows a listing. Zero values mean "no filter".
type MessageLogFilter struct {
	Status     string
	Phone      string
	TrackingID string
	Q          string
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

// MessageLogItem is one listing row with the joined charge amount and
// template name.
type MessageLogItem struct {
	models.MessageLog
	TemplateName string `json:"templateName"`
	ChargeAmount *int64 `json:"amount"`
}

func NewMessageLogService(db *sql.DB) *MessageLogService {
	return &MessageLogService{db: db}
}

// List returns one page of a tenant's message logs, newest first, plus the
// total row count for pagination.
func (s *MessageLogService) List(ctx context.Context, tenantID string, filter MessageLogFilter) ([]MessageLogItem, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	conditions := []string{"m.tenant_id = $1"}
	args := []interface{}{tenantID}
	argIndex := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("m.status = $%d", argIndex))
		args = append(args, filter.Status)
		argIndex++
	}

	if filter.Phone != "" {
		conditions = append(conditions, fmt.Sprintf("m.recipient_phone LIKE '%%' || $%d || '%%'", argIndex))
		args = append(args, filter.Phone)
		argIndex++
	}

	if filter.TrackingID != "" {
		conditions = append(conditions, fmt.Sprintf("m.tracking_id LIKE '%%' || $%d || '%%'", argIndex))
		args = append(args, filter.TrackingID)
		argIndex++
	}

	if filter.Q != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(m.recipient_phone LIKE '%%' || $%d || '%%' OR m.tracking_id LIKE '%%' || $%d || '%%' OR m.template_id LIKE '%%' || $%d || '%%')",
			argIndex, argIndex, argIndex))
		args = append(args, filter.Q)
		argIndex++
	}

	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("m.created_at >= $%d", argIndex))
		args = append(args, *filter.From)
		argIndex++
	}

	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("m.created_at <= $%d", argIndex))
		args = append(args, *filter.To)
		argIndex++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM message_logs m WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
        SELECT m.id, m.tenant_id, m.oa_id_zalo, m.template_id, m.recipient_phone, m.tracking_id,
               m.template_data, m.status, m.msg_id, m.error_message, m.sent_at, m.failed_at, m.created_at,
               COALESCE(t.template_name, '') AS template_name, c.amount
        FROM message_logs m
        LEFT JOIN zns_templates t ON t.tenant_id = m.tenant_id AND t.template_id = m.template_id
        LEFT JOIN message_charges c ON c.message_log_id = m.id
        WHERE %s
        ORDER BY m.created_at DESC
        LIMIT $%d OFFSET $%d
    `, where, argIndex, argIndex+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []MessageLogItem{}
	for rows.Next() {
		var item MessageLogItem
		err := rows.Scan(
			&item.ID, &item.TenantID, &item.OAIDZalo, &item.TemplateID, &item.RecipientPhone,
			&item.TrackingID, &item.TemplateData, &item.Status, &item.MsgID, &item.ErrorMessage,
			&item.SentAt, &item.FailedAt, &item.CreatedAt, &item.TemplateName, &item.ChargeAmount,
		)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}

	return items, total, rows.Err()
}

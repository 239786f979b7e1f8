// Package provider wraps the Zalo Business OpenAPI send endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/znsflow/backend/internal/config"
)

// ZNSClient posts template messages to the provider. The access token is
// supplied per call since each sending identity carries its own credential.
type ZNSClient struct {
	sendURL string
	client  *http.Client
}

func NewZNSClient(cfg *config.ProviderConfig) *ZNSClient {
	return &ZNSClient{
		sendURL: cfg.SendURL,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type sendRequest struct {
	Phone        string          `json:"phone"`
	TemplateID   string          `json:"template_id"`
	TemplateData json.RawMessage `json:"template_data"`
	TrackingID   string          `json:"tracking_id"`
}

type sendResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
	Data    struct {
		MsgID string `json:"msg_id"`
	} `json:"data"`
}

// Send delivers one template message. It returns the provider-assigned
// message id; any non-2xx status or provider-reported error code is an error
// carrying the raw response for the message log.
func (c *ZNSClient) Send(ctx context.Context, accessToken, phone, templateID string, templateData json.RawMessage, trackingID string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		Phone:        phone,
		TemplateID:   templateID,
		TemplateData: templateData,
		TrackingID:   trackingID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access_token", accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("zalo upstream status %d: %s", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w body=%q", err, string(body))
	}
	if sr.Error != 0 {
		return "", fmt.Errorf("zalo error %d: %s", sr.Error, sr.Message)
	}
	if sr.Data.MsgID == "" {
		return "", fmt.Errorf("missing msg_id in provider response body=%q", string(body))
	}

	return sr.Data.MsgID, nil
}

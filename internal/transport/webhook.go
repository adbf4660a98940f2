package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/foxzi/dripline/internal/model"
)

// WebhookSender relays messages to an HTTP gateway that talks to the
// provider on the platform's behalf
type WebhookSender struct {
	client *resty.Client
}

type webhookRequest struct {
	TenantID    string         `json:"tenant_id"`
	RecipientID string         `json:"recipient_id"`
	Address     string         `json:"address"`
	Text        string         `json:"text,omitempty"`
	Media       string         `json:"media,omitempty"`
	Buttons     []model.Button `json:"buttons,omitempty"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// NewWebhookSender creates a sender posting to baseURL
func NewWebhookSender(baseURL, token string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &WebhookSender{client: client}
}

// Send posts the message and maps the gateway status to a transport error
func (s *WebhookSender) Send(ctx context.Context, to Recipient, msg model.Message) (string, error) {
	var result webhookResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(webhookRequest{
			TenantID:    to.TenantID,
			RecipientID: to.ID,
			Address:     to.Address,
			Text:        msg.Text,
			Media:       msg.Media,
			Buttons:     msg.Buttons,
		}).
		SetResult(&result).
		SetError(&result).
		Post("/messages")
	if err != nil {
		return "", temporary("webhook request failed", err)
	}

	if resp.IsError() {
		reason := result.Error
		if reason == "" {
			reason = resp.Status()
		}
		cause := fmt.Errorf("gateway returned %d", resp.StatusCode())

		switch code := resp.StatusCode(); {
		case code == http.StatusForbidden, code == http.StatusGone:
			return "", blocked(reason, cause)
		case code == http.StatusTooManyRequests, code >= 500:
			return "", temporary(reason, cause)
		default:
			return "", permanent(reason, cause)
		}
	}

	return result.MessageID, nil
}

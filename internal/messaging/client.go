// Package messaging is the outbound WhatsApp Cloud API client.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "appointment-bot/internal/common/errors"
	httpclient "appointment-bot/internal/common/http"
	"appointment-bot/internal/common/metrics"
)

const (
	MaxButtons    = 3
	MaxListRows   = 10
	maxTitleRunes = 20
	maxRowRunes   = 24
)

// Option is one selectable choice. ID is the opaque value echoed back by
// the provider when the user taps it.
type Option struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Section struct {
	Title string   `json:"title,omitempty"`
	Rows  []Option `json:"rows"`
}

// Sender is the outbound surface the conversation engine talks to. Each
// send returns the provider message id.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendButtons(ctx context.Context, to, body string, options []Option) (string, error)
	SendList(ctx context.Context, to, body, button string, sections []Section) (string, error)
	MarkRead(ctx context.Context, messageID string) error
}

// Settings are shared by every tenant client.
type Settings struct {
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type Client struct {
	phoneNumberID string
	accessToken   string
	baseURL       string
	httpClient    *httpclient.Client
}

// NewClient builds a client for one tenant's phone number. Each client
// owns its own token bucket.
func NewClient(settings Settings, phoneNumberID, accessToken string) *Client {
	return &Client{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		baseURL:       strings.TrimRight(settings.BaseURL, "/") + "/" + settings.APIVersion,
		httpClient:    httpclient.NewClient(settings.Timeout, settings.RatePerSecond, settings.Burst),
	}
}

// SendError is a provider rejection.
type SendError struct {
	Status   int
	Code     int
	Category string
	Message  string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider error (status %d, code %d, %s): %s", e.Status, e.Code, e.Category, e.Message)
}

const CategoryUnknown = "unknown"

// Categorize maps an HTTP status and provider error code to a category.
func Categorize(status, code int) string {
	switch code {
	case 130429, 131056:
		return apperrors.ProviderRateLimited
	case 131026, 131030, 1006:
		return apperrors.ProviderInvalidRecipient
	case 131047, 368, 131048:
		return apperrors.ProviderPolicyFiltered
	case 190:
		return apperrors.ProviderAuthExpired
	}
	switch status {
	case http.StatusTooManyRequests:
		return apperrors.ProviderRateLimited
	case http.StatusUnauthorized:
		return apperrors.ProviderAuthExpired
	}
	return CategoryUnknown
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, "text", map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]interface{}{"preview_url": false, "body": body},
	})
}

func (c *Client) SendButtons(ctx context.Context, to, body string, options []Option) (string, error) {
	if len(options) == 0 || len(options) > MaxButtons {
		return "", fmt.Errorf("buttons need 1 to %d options, got %d", MaxButtons, len(options))
	}

	buttons := make([]map[string]interface{}, 0, len(options))
	for _, o := range options {
		buttons = append(buttons, map[string]interface{}{
			"type":  "reply",
			"reply": map[string]string{"id": o.ID, "title": truncate(o.Title, maxTitleRunes)},
		})
	}

	return c.send(ctx, "buttons", map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]interface{}{
			"type":   "button",
			"body":   map[string]string{"text": body},
			"action": map[string]interface{}{"buttons": buttons},
		},
	})
}

func (c *Client) SendList(ctx context.Context, to, body, button string, sections []Section) (string, error) {
	rows := 0
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		sec := Section{Title: truncate(s.Title, maxRowRunes)}
		for _, r := range s.Rows {
			sec.Rows = append(sec.Rows, Option{
				ID:          r.ID,
				Title:       truncate(r.Title, maxRowRunes),
				Description: truncate(r.Description, 72),
			})
		}
		rows += len(sec.Rows)
		out = append(out, sec)
	}
	if rows == 0 || rows > MaxListRows {
		return "", fmt.Errorf("list needs 1 to %d rows, got %d", MaxListRows, rows)
	}

	return c.send(ctx, "list", map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]interface{}{
			"type": "list",
			"body": map[string]string{"text": body},
			"action": map[string]interface{}{
				"button":   truncate(button, maxTitleRunes),
				"sections": out,
			},
		},
	})
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	_, err := c.send(ctx, "read", map[string]interface{}{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
	return err
}

func (c *Client) send(ctx context.Context, kind string, payload map[string]interface{}) (string, error) {
	id, err := c.post(ctx, payload)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if se, ok := err.(*SendError); ok {
			outcome = se.Category
		}
	}
	metrics.OutboundMessages.WithLabelValues(kind, outcome).Inc()
	return id, err
}

func (c *Client) post(ctx context.Context, payload map[string]interface{}) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = string(body)
		}
		return "", &SendError{
			Status:   resp.StatusCode,
			Code:     errResp.Error.Code,
			Category: Categorize(resp.StatusCode, errResp.Error.Code),
			Message:  msg,
		}
	}

	var sent sendResponse
	if err := json.Unmarshal(body, &sent); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(sent.Messages) == 0 {
		return "", nil
	}
	return sent.Messages[0].ID, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

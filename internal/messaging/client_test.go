package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "appointment-bot/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test helpers
// ==========================

type capturedRequest struct {
	Path string
	Auth string
	Body map[string]interface{}
}

func createTestClient(t *testing.T, status int, response string) (*Client, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		captured = append(captured, capturedRequest{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	c := NewClient(Settings{
		BaseURL:    server.URL + "/",
		APIVersion: "v19.0",
		Timeout:    2 * time.Second,
	}, "1234567890", "token-abc")
	return c, &captured
}

const okResponse = `{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT1"}]}`

// ==========================
// Sends
// ==========================

func TestSendText(t *testing.T) {
	c, captured := createTestClient(t, http.StatusOK, okResponse)

	id, err := c.SendText(context.Background(), "5511999", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT1", id)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/v19.0/1234567890/messages", req.Path)
	assert.Equal(t, "Bearer token-abc", req.Auth)
	assert.Equal(t, "text", req.Body["type"])
	assert.Equal(t, "hello", req.Body["text"].(map[string]interface{})["body"])
}

func TestSendButtons(t *testing.T) {
	c, captured := createTestClient(t, http.StatusOK, okResponse)

	_, err := c.SendButtons(context.Background(), "5511999", "Confirm?", []Option{
		{ID: "yes", Title: "Yes"},
		{ID: "no", Title: "No"},
	})
	require.NoError(t, err)

	interactive := (*captured)[0].Body["interactive"].(map[string]interface{})
	assert.Equal(t, "button", interactive["type"])
	buttons := interactive["action"].(map[string]interface{})["buttons"].([]interface{})
	assert.Len(t, buttons, 2)
}

func TestSendButtons_RejectsTooMany(t *testing.T) {
	c, captured := createTestClient(t, http.StatusOK, okResponse)

	_, err := c.SendButtons(context.Background(), "5511999", "Pick", []Option{
		{ID: "a", Title: "A"}, {ID: "b", Title: "B"}, {ID: "c", Title: "C"}, {ID: "d", Title: "D"},
	})
	assert.Error(t, err)
	assert.Empty(t, *captured)
}

func TestSendList_TruncatesTitles(t *testing.T) {
	c, captured := createTestClient(t, http.StatusOK, okResponse)

	_, err := c.SendList(context.Background(), "5511999", "Pick a service", "Services", []Section{{
		Title: "Services",
		Rows:  []Option{{ID: "svc:1", Title: "A very long service name that overflows"}},
	}})
	require.NoError(t, err)

	action := (*captured)[0].Body["interactive"].(map[string]interface{})["action"].(map[string]interface{})
	rows := action["sections"].([]interface{})[0].(map[string]interface{})["rows"].([]interface{})
	title := rows[0].(map[string]interface{})["title"].(string)
	assert.Len(t, []rune(title), maxRowRunes)
}

func TestMarkRead(t *testing.T) {
	c, captured := createTestClient(t, http.StatusOK, `{"success":true}`)

	require.NoError(t, c.MarkRead(context.Background(), "wamid.IN1"))
	assert.Equal(t, "read", (*captured)[0].Body["status"])
	assert.Equal(t, "wamid.IN1", (*captured)[0].Body["message_id"])
}

// ==========================
// Errors
// ==========================

func TestSendText_ProviderErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		response     string
		wantCategory string
		wantCode     int
	}{
		{"throttled by status", http.StatusTooManyRequests, `{}`, apperrors.ProviderRateLimited, 0},
		{"throughput code", http.StatusBadRequest, `{"error":{"message":"rate","code":130429}}`, apperrors.ProviderRateLimited, 130429},
		{"recipient", http.StatusBadRequest, `{"error":{"message":"not a user","code":131026}}`, apperrors.ProviderInvalidRecipient, 131026},
		{"policy", http.StatusBadRequest, `{"error":{"message":"spam","code":131048}}`, apperrors.ProviderPolicyFiltered, 131048},
		{"auth", http.StatusUnauthorized, `{"error":{"message":"expired","code":190}}`, apperrors.ProviderAuthExpired, 190},
		{"other", http.StatusInternalServerError, `oops`, CategoryUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := createTestClient(t, tt.status, tt.response)

			_, err := c.SendText(context.Background(), "5511999", "hi")
			var se *SendError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantCategory, se.Category)
			assert.Equal(t, tt.wantCode, se.Code)
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

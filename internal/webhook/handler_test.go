package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/models"
	"appointment-bot/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test helpers
// ==========================

type fakeDirectory struct {
	routes map[string]string
	tokens map[string]string
	err    error
}

func (f *fakeDirectory) ResolveRoutingKey(ctx context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id, ok := f.routes[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, key)
	}
	return id, nil
}

func (f *fakeDirectory) CheckVerifyToken(ctx context.Context, id, token string) (bool, error) {
	return f.tokens[id] == token, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	msgs   []models.InboundMessage
	reject bool
}

func (d *recordingDispatcher) Dispatch(msg models.InboundMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return false
	}
	d.msgs = append(d.msgs, msg)
	return true
}

func (d *recordingDispatcher) all() []models.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.InboundMessage(nil), d.msgs...)
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *recordingSink) Append(ctx context.Context, payload []byte, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

type testIngress struct {
	ingress    *Ingress
	router     *gin.Engine
	dispatcher *recordingDispatcher
	sink       *recordingSink
}

const testSecret = "app-secret"

func createTestIngress(t *testing.T, secret string) *testIngress {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := &fakeDirectory{
		routes: map[string]string{"106540352242922": "tenant-a"},
		tokens: map[string]string{"tenant-a": "tenant-a-token"},
	}
	disp := &recordingDispatcher{}
	sink := &recordingSink{}
	ing := NewIngress(Options{VerifyToken: "deploy-token", AppSecret: secret}, dir, NewMemoryDeduper(100), sink, disp, logger.NewTestLogger(t))

	r := gin.New()
	ing.RegisterRoutes(r)
	return &testIngress{ingress: ing, router: r, dispatcher: disp, sink: sink}
}

func textEvent(messageID, body string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "WABA1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
					"contacts": [{"profile": {"name": "Maria"}, "wa_id": "5511988887777"}],
					"messages": [{"from": "5511988887777", "id": %q, "timestamp": "1760000000", "type": "text", "text": {"body": %q}}]
				}
			}]
		}]
	}`, messageID, body)
}

func (ti *testIngress) post(path, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	ti.router.ServeHTTP(w, req)
	return w
}

// ==========================
// Subscription handshake
// ==========================

func TestVerifySubscription(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"deployment token", "/webhook", "hub.mode=subscribe&hub.verify_token=deploy-token&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "/webhook", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"wrong mode", "/webhook", "hub.mode=unsubscribe&hub.verify_token=deploy-token&hub.challenge=42", http.StatusForbidden, ""},
		{"tenant token on tenant route", "/webhook/tenant-a", "hub.mode=subscribe&hub.verify_token=tenant-a-token&hub.challenge=7", http.StatusOK, "7"},
		{"tenant token on shared route", "/webhook", "hub.mode=subscribe&hub.verify_token=tenant-a-token&hub.challenge=7", http.StatusForbidden, ""},
		{"deployment token on tenant route", "/webhook/tenant-a", "hub.mode=subscribe&hub.verify_token=deploy-token&hub.challenge=9", http.StatusOK, "9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := createTestIngress(t, "")
			req := httptest.NewRequest(http.MethodGet, tt.path+"?"+tt.query, nil)
			w := httptest.NewRecorder()
			ti.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

// ==========================
// Events
// ==========================

func TestAcceptEvent_DispatchesNormalizedMessage(t *testing.T) {
	ti := createTestIngress(t, testSecret)
	body := textEvent("wamid.1", "  hola  ")

	w := ti.post("/webhook", body, Sign([]byte(testSecret), []byte(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	msgs := ti.dispatcher.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tenant-a", msgs[0].TenantID)
	assert.Equal(t, "5511988887777", msgs[0].From)
	assert.Equal(t, "Maria", msgs[0].ProfileName)
	assert.Equal(t, "hola", msgs[0].Text)
	assert.Equal(t, models.KindText, msgs[0].Kind)
	assert.Len(t, ti.sink.payloads, 1)
}

func TestAcceptEvent_BadSignatureHasNoSideEffects(t *testing.T) {
	ti := createTestIngress(t, testSecret)
	body := textEvent("wamid.1", "hi")

	w := ti.post("/webhook", body, Sign([]byte("other-secret"), []byte(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ti.dispatcher.all())
	assert.Empty(t, ti.sink.payloads)

	err := ti.ingress.AcceptEvent(context.Background(), "", []byte(body), "")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAcceptEvent_RelaxedModeWithoutSecret(t *testing.T) {
	ti := createTestIngress(t, "")

	ti.post("/webhook", textEvent("wamid.1", "hi"), "")
	assert.Len(t, ti.dispatcher.all(), 1)
}

func TestAcceptEvent_MalformedEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing entry", `{"object":"whatsapp_business_account"}`},
		{"entry not array", `{"object":"x","entry":{}}`},
		{"entry without changes", `{"object":"x","entry":[{"id":"1"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := createTestIngress(t, "")

			err := ti.ingress.AcceptEvent(context.Background(), "", []byte(tt.body), "")
			assert.ErrorIs(t, err, ErrMalformedPayload)
			assert.Empty(t, ti.sink.payloads)
			assert.Empty(t, ti.dispatcher.all())
		})
	}
}

func TestAcceptEvent_DuplicateDeliveryDropped(t *testing.T) {
	ti := createTestIngress(t, "")
	body := textEvent("wamid.dup", "book")

	for n := 0; n < 3; n++ {
		assert.Equal(t, http.StatusOK, ti.post("/webhook", body, "").Code)
	}

	assert.Len(t, ti.dispatcher.all(), 1)
	assert.Len(t, ti.sink.payloads, 3)
}

func TestAcceptEvent_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	ti := createTestIngress(t, "")
	body := []byte(textEvent("wamid.race", "book"))

	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ti.ingress.AcceptEvent(context.Background(), "", body, "")
		}()
	}
	wg.Wait()

	assert.Len(t, ti.dispatcher.all(), 1)
}

func TestAcceptEvent_UnknownRoutingKeyAcked(t *testing.T) {
	ti := createTestIngress(t, "")
	body := strings.Replace(textEvent("wamid.1", "hi"), "106540352242922", "999", 1)

	w := ti.post("/webhook", body, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ti.dispatcher.all())
}

func TestAcceptEvent_TenantRouteMustMatchRoutingKey(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		routingKey string
		wantTenant string
	}{
		{"matching tenant", "/webhook/tenant-a", "106540352242922", "tenant-a"},
		{"routing key of another tenant", "/webhook/tenant-b", "106540352242922", ""},
		{"unknown routing key", "/webhook/tenant-a", "999", ""},
		{"missing routing key", "/webhook/tenant-a", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := createTestIngress(t, "")
			body := strings.Replace(textEvent("wamid.1", "hi"), "106540352242922", tt.routingKey, 1)

			w := ti.post(tt.path, body, "")

			assert.Equal(t, http.StatusOK, w.Code)
			msgs := ti.dispatcher.all()
			if tt.wantTenant == "" {
				assert.Empty(t, msgs)
				return
			}
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.wantTenant, msgs[0].TenantID)
		})
	}
}

func TestAcceptEvent_FullMailboxCountedAsDropped(t *testing.T) {
	ti := createTestIngress(t, "")
	ti.dispatcher.reject = true
	dropped := testutil.ToFloat64(metrics.WebhookEvents.WithLabelValues("dropped"))

	require.NoError(t, ti.ingress.AcceptEvent(context.Background(), "", []byte(textEvent("wamid.1", "hi")), ""))

	assert.Empty(t, ti.dispatcher.all())
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.WebhookEvents.WithLabelValues("dropped")))
}

func TestAcceptEvent_StatusCallbacksIgnored(t *testing.T) {
	ti := createTestIngress(t, "")
	body := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"106540352242922"},
		"statuses":[{"id":"wamid.OUT1","status":"delivered","recipient_id":"5511988887777"}]}}]}]}`

	require.NoError(t, ti.ingress.AcceptEvent(context.Background(), "", []byte(body), ""))
	assert.Empty(t, ti.dispatcher.all())
}

func TestAcceptEvent_SinkFailureDoesNotBlock(t *testing.T) {
	ti := createTestIngress(t, "")
	ti.sink.err = errors.New("disk full")

	require.NoError(t, ti.ingress.AcceptEvent(context.Background(), "", []byte(textEvent("wamid.1", "hi")), ""))
	assert.Len(t, ti.dispatcher.all(), 1)
}

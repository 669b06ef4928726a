// Package webhook receives provider callbacks: subscription handshakes and
// message events. Events are verified, recorded, deduplicated, routed to
// their tenant and handed to the conversation layer.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/models"
	"appointment-bot/internal/tenant"

	"github.com/gin-gonic/gin"
)

const maxBodySize = 2 << 20

// TenantDirectory is the slice of the tenant registry the ingress needs.
type TenantDirectory interface {
	ResolveRoutingKey(ctx context.Context, routingKey string) (string, error)
	CheckVerifyToken(ctx context.Context, tenantID, token string) (bool, error)
}

// Dispatcher accepts a normalized message for asynchronous processing and
// reports false when the message could not be queued.
type Dispatcher interface {
	Dispatch(msg models.InboundMessage) bool
}

type Options struct {
	VerifyToken string
	AppSecret   string
}

type Ingress struct {
	opts       Options
	tenants    TenantDirectory
	dedup      Deduper
	sink       RawEventSink
	dispatcher Dispatcher
	clock      clock.Clock
	logger     logger.Logger
}

func NewIngress(opts Options, tenants TenantDirectory, dedup Deduper, sink RawEventSink, dispatcher Dispatcher, log logger.Logger) *Ingress {
	i := &Ingress{
		opts:       opts,
		tenants:    tenants,
		dedup:      dedup,
		sink:       sink,
		dispatcher: dispatcher,
		clock:      clock.Real(),
		logger:     log.WithFields(map[string]interface{}{"component": "webhook"}),
	}
	if opts.AppSecret == "" {
		i.logger.Warn("no app secret configured, webhook signatures are not verified", nil)
	}
	return i
}

// WithClock replaces the clock used for messages without a timestamp.
func (i *Ingress) WithClock(c clock.Clock) *Ingress {
	i.clock = c
	return i
}

func (i *Ingress) RegisterRoutes(r gin.IRoutes) {
	r.GET("/webhook", i.handleVerify)
	r.GET("/webhook/:tenantId", i.handleVerify)
	r.POST("/webhook", i.handleEvent)
	r.POST("/webhook/:tenantId", i.handleEvent)
}

// ==========================
// Subscription handshake
// ==========================

// VerifySubscription returns challenge when the handshake is valid. The
// deployment token is always accepted; on a per-tenant route the tenant's
// own token is accepted too.
func (i *Ingress) VerifySubscription(ctx context.Context, tenantID, mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token == "" {
		return "", ErrInvalidToken
	}
	if i.opts.VerifyToken != "" && token == i.opts.VerifyToken {
		return challenge, nil
	}
	if tenantID == "" {
		return "", ErrInvalidToken
	}

	ok, err := i.tenants.CheckVerifyToken(ctx, tenantID, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !ok {
		return "", ErrInvalidToken
	}
	return challenge, nil
}

func (i *Ingress) handleVerify(c *gin.Context) {
	challenge, err := i.VerifySubscription(
		c.Request.Context(),
		c.Param("tenantId"),
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if err != nil {
		i.logger.Warn("subscription verification rejected", map[string]interface{}{
			"tenantId": c.Param("tenantId"),
			"error":    err.Error(),
		})
		c.Status(http.StatusForbidden)
		return
	}
	c.String(http.StatusOK, challenge)
}

// ==========================
// Events
// ==========================

func (i *Ingress) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		i.logger.Error("failed to read webhook body", map[string]interface{}{"error": err.Error()})
		c.Status(http.StatusOK)
		return
	}

	if err := i.AcceptEvent(c.Request.Context(), c.Param("tenantId"), body, c.GetHeader("X-Hub-Signature-256")); err != nil {
		i.logger.Warn("webhook event rejected", map[string]interface{}{
			"error":      err.Error(),
			"remoteAddr": c.ClientIP(),
		})
	}
	c.Status(http.StatusOK)
}

// AcceptEvent verifies and records one delivery, then dispatches every
// new message it carries. A rejected delivery has no side effects.
func (i *Ingress) AcceptEvent(ctx context.Context, tenantID string, raw []byte, signature string) error {
	if err := VerifySignature([]byte(i.opts.AppSecret), raw, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("bad_signature").Inc()
		return err
	}

	res, err := envelopeSchema.ValidateBytes(raw)
	if err != nil || !res.Valid {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return fmt.Errorf("%w: %s", ErrMalformedPayload, strings.Join(res.GetErrorMessages(), "; "))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if i.sink != nil {
		if err := i.sink.Append(ctx, raw, signature); err != nil {
			i.logger.Warn("raw event sink failed", map[string]interface{}{"error": err.Error()})
		}
	}

	metrics.WebhookEvents.WithLabelValues("accepted").Inc()
	for _, e := range env.Entry {
		for _, ch := range e.Changes {
			i.processChange(ctx, tenantID, ch.Value)
		}
	}
	return nil
}

func (i *Ingress) processChange(ctx context.Context, pathTenant string, v changeValue) {
	for _, s := range v.Statuses {
		i.logger.Debug("status callback ignored", map[string]interface{}{
			"messageId": s.ID,
			"status":    s.Status,
		})
	}
	if len(v.Messages) == 0 {
		return
	}

	tenantID, ok := i.resolveTenant(ctx, pathTenant, v.Metadata.PhoneNumberID)
	if !ok {
		return
	}

	for _, m := range v.Messages {
		if m.ID == "" {
			continue
		}
		seen, err := i.dedup.Seen(ctx, m.ID)
		if err != nil {
			i.logger.Warn("dedup failed, processing anyway", map[string]interface{}{"messageId": m.ID, "error": err.Error()})
		}
		if seen {
			metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
			i.logger.Debug("duplicate delivery dropped", map[string]interface{}{"messageId": m.ID})
			continue
		}

		msg := Normalize(m, v.profileName(m.From), i.clock.Now())
		msg.TenantID = tenantID
		if !i.dispatcher.Dispatch(msg) {
			metrics.WebhookEvents.WithLabelValues("dropped").Inc()
			i.logger.Warn("message not queued", map[string]interface{}{
				"tenantId":  tenantID,
				"messageId": m.ID,
			})
		}
	}
}

// resolveTenant maps the routing key to a tenant. A tenant id taken from
// the URL must agree with it.
func (i *Ingress) resolveTenant(ctx context.Context, pathTenant, routingKey string) (string, bool) {
	if routingKey == "" {
		i.logger.Warn("event without routing key", nil)
		metrics.WebhookEvents.WithLabelValues("unknown_tenant").Inc()
		return "", false
	}

	id, err := i.tenants.ResolveRoutingKey(ctx, routingKey)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown_tenant").Inc()
		fields := map[string]interface{}{"error": err.Error()}
		if errors.Is(err, tenant.ErrTenantNotFound) {
			i.logger.Warn("no tenant for routing key", fields)
		} else {
			i.logger.Error("routing key resolution failed", fields)
		}
		return "", false
	}
	if pathTenant != "" && pathTenant != id {
		metrics.WebhookEvents.WithLabelValues("tenant_mismatch").Inc()
		i.logger.Warn("routing key belongs to another tenant", map[string]interface{}{
			"pathTenantId": pathTenant,
			"tenantId":     id,
		})
		return "", false
	}
	return id, true
}

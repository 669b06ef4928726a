// internal/workers/notification/notify-escalation/handler.go
package notifyescalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/tenant"

	"github.com/hibiken/asynq"
)

var (
	ErrInvalidPayload         = errors.New("INVALID_PAYLOAD")
	ErrNotificationSendFailed = errors.New("NOTIFICATION_SEND_FAILED")
	ErrQuotaExceeded          = errors.New("QUOTA_EXCEEDED")
)

// OutboundResolver returns a tenant's WhatsApp client and meters its
// daily outbound quota. *tenant.Registry satisfies it.
type OutboundResolver interface {
	GetOutboundClient(ctx context.Context, tenantID string) (messaging.Sender, error)
	ReserveQuota(ctx context.Context, tenantID string) tenant.Reservation
	ReleaseQuota(ctx context.Context, res tenant.Reservation)
}

// EmailSender is implemented by *aws.SESClient.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// SMSSender is implemented by *aws.SNSClient.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

type Handler struct {
	config  *Config
	tenants OutboundResolver
	email   EmailSender
	sms     SMSSender
	logger  logger.Logger
}

// NewHandler builds the delivery handler. email and sms may be nil, which
// disables that channel regardless of config.
func NewHandler(cfg *Config, tenants OutboundResolver, email EmailSender, sms SMSSender, log logger.Logger) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config:  cfg,
		tenants: tenants,
		email:   email,
		sms:     sms,
		logger:  log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}, nil
}

// Register mounts the handler on an asynq mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskType, h.ProcessTask)
}

// ProcessTask is the asynq entry point. A malformed payload is never
// retried.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var notice models.EscalationNotice
	if err := json.Unmarshal(task.Payload(), &notice); err != nil {
		h.logger.Error("invalid task payload", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("%w: %v: %w", ErrInvalidPayload, err, asynq.SkipRetry)
	}

	_, err := h.Deliver(ctx, notice)
	return err
}

// Deliver sends notice on every configured channel. It fails only when
// every attempted channel failed.
func (h *Handler) Deliver(ctx context.Context, notice models.EscalationNotice) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	log := h.logger.WithFields(map[string]interface{}{
		"tenantId": notice.TenantID,
		"kind":     notice.Kind,
	})
	result := &Result{}

	h.attempt(result, log, ChannelWhatsApp, notice.WhatsApp != "", true, func() error {
		return h.sendWhatsApp(ctx, notice)
	})

	h.attempt(result, log, ChannelEmail, notice.Email != "", h.config.EmailEnabled && h.email != nil, func() error {
		_, err := h.email.SendEmail(ctx, notice.Email, notice.Subject, notice.Body)
		return err
	})

	h.attempt(result, log, ChannelSMS, notice.Phone != "", h.config.SMSEnabled && h.sms != nil, func() error {
		_, err := h.sms.SendSMS(ctx, notice.Phone, notice.Subject+": "+notice.Body)
		return err
	})

	failed := result.count(StatusFailed)
	if failed > 0 && result.count(StatusSent) == 0 {
		return result, fmt.Errorf("%w: %d channel(s) failed", ErrNotificationSendFailed, failed)
	}
	if failed == 0 && result.count(StatusSent) == 0 {
		log.Warn("escalation notice had no deliverable channel", nil)
	}
	return result, nil
}

func (h *Handler) sendWhatsApp(ctx context.Context, notice models.EscalationNotice) error {
	res := h.tenants.ReserveQuota(ctx, notice.TenantID)
	if !res.Allowed {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, res.Reason)
	}
	sender, err := h.tenants.GetOutboundClient(ctx, notice.TenantID)
	if err == nil {
		_, err = sender.SendText(ctx, notice.WhatsApp, whatsAppBody(notice))
	}
	if err != nil {
		h.tenants.ReleaseQuota(ctx, res)
	}
	return err
}

func (h *Handler) attempt(result *Result, log logger.Logger, channel string, hasAddress, enabled bool, send func() error) {
	switch {
	case !hasAddress:
		result.set(channel, StatusSkipped)
		return
	case !enabled:
		result.set(channel, StatusDisabled)
		return
	}

	err := send()
	if errors.Is(err, ErrQuotaExceeded) {
		log.Warn("escalation channel over quota", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		result.set(channel, StatusDenied)
		metrics.NotificationJobs.WithLabelValues(channel, StatusDenied).Inc()
		return
	}
	if err != nil {
		log.Error("escalation channel failed", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		result.set(channel, StatusFailed)
		metrics.NotificationJobs.WithLabelValues(channel, StatusFailed).Inc()
		return
	}
	result.set(channel, StatusSent)
	metrics.NotificationJobs.WithLabelValues(channel, StatusSent).Inc()
}

func whatsAppBody(n models.EscalationNotice) string {
	if n.Subject == "" {
		return n.Body
	}
	return "*" + n.Subject + "*\n" + n.Body
}

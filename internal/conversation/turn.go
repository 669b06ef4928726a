package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "appointment-bot/internal/common/errors"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
)

var errQuotaDenied = errors.New("QUOTA_EXCEEDED")

type prompt struct {
	body    string
	button  string
	options []messaging.Option
}

// session is one user's state inside an engine. Only the user's actor
// touches it.
type session struct {
	userID   string
	userName string
	proc     process
	prompt   prompt
	seen     bool
}

func (s *session) clear() {
	s.proc = nil
	s.prompt = prompt{}
}

// turn carries everything needed to answer one inbound message.
type turn struct {
	e      *Engine
	tenant *models.Tenant
	data   TenantData
	sess   *session
	sender messaging.Sender
	denied bool
}

func (t *turn) outbound(ctx context.Context) (messaging.Sender, error) {
	if t.sender != nil {
		return t.sender, nil
	}
	s, err := t.e.deps.Tenants.GetOutboundClient(ctx, t.tenant.ID)
	if err != nil {
		return nil, err
	}
	t.sender = s
	return s, nil
}

// deliver reserves quota, sends one reply and logs it.
func (t *turn) deliver(ctx context.Context, logBody string, send func(messaging.Sender) (string, error)) error {
	if t.denied {
		return errQuotaDenied
	}
	res := t.e.deps.Tenants.ReserveQuota(ctx, t.tenant.ID)
	if !res.Allowed {
		t.denied = true
		return fmt.Errorf("%w: %s", errQuotaDenied, res.Reason)
	}

	sender, err := t.outbound(ctx)
	if err != nil {
		t.e.deps.Tenants.ReleaseQuota(ctx, res)
		return err
	}
	id, err := send(sender)
	if err != nil {
		t.e.deps.Tenants.ReleaseQuota(ctx, res)
		return err
	}

	t.appendLog(ctx, models.MessageLogEntry{
		UserID:    t.sess.userID,
		Direction: models.DirectionOutbound,
		Body:      logBody,
		MessageID: id,
		CreatedAt: t.e.deps.Clock.Now(),
	})
	return nil
}

func (t *turn) text(ctx context.Context, body string) error {
	return t.deliver(ctx, body, func(s messaging.Sender) (string, error) {
		return s.SendText(ctx, t.sess.userID, body)
	})
}

// ask sends a free-text question and remembers it for re-prompting.
func (t *turn) ask(ctx context.Context, body string) error {
	t.sess.prompt = prompt{body: body}
	return t.text(ctx, body)
}

// present shows options and remembers them for selection parsing.
func (t *turn) present(ctx context.Context, body, button string, options []messaging.Option) error {
	t.sess.prompt = prompt{body: body, button: button, options: options}
	return t.show(ctx, body, button, options)
}

func (t *turn) show(ctx context.Context, body, button string, options []messaging.Option) error {
	to := t.sess.userID
	switch {
	case len(options) == 0:
		return t.text(ctx, body)
	case len(options) <= messaging.MaxButtons:
		return t.deliver(ctx, body, func(s messaging.Sender) (string, error) {
			return s.SendButtons(ctx, to, body, options)
		})
	case len(options) <= messaging.MaxListRows:
		if button == "" {
			button = "Options"
		}
		return t.deliver(ctx, body, func(s messaging.Sender) (string, error) {
			return s.SendList(ctx, to, body, button, []messaging.Section{{Title: button, Rows: options}})
		})
	default:
		return t.text(ctx, numbered(body, options))
	}
}

func (t *turn) reprompt(ctx context.Context) error {
	p := t.sess.prompt
	if len(p.options) == 0 {
		return t.text(ctx, p.body)
	}
	return t.show(ctx, "Sorry, I didn't get that. "+p.body, p.button, p.options)
}

func (t *turn) choose(msg models.InboundMessage) (messaging.Option, bool) {
	return chooseFrom(t.sess.prompt.options, msg)
}

// chooseFrom resolves a reply against options: the tapped choice id, a
// 1-based index, an option id typed as text, or a title.
func chooseFrom(options []messaging.Option, msg models.InboundMessage) (messaging.Option, bool) {
	if msg.ChoiceID != "" {
		for _, o := range options {
			if o.ID == msg.ChoiceID {
				return o, true
			}
		}
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return messaging.Option{}, false
	}
	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return messaging.Option{}, false
	}
	for _, o := range options {
		if strings.EqualFold(o.ID, text) {
			return o, true
		}
	}
	for _, o := range options {
		if strings.EqualFold(o.Title, text) {
			return o, true
		}
	}
	return messaging.Option{}, false
}

func numbered(body string, options []messaging.Option) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Title)
		if o.Description != "" {
			fmt.Fprintf(&b, " (%s)", o.Description)
		}
	}
	b.WriteString("\n\nReply with a number.")
	return b.String()
}

// apologize tells the user something went wrong, when the failure leaves
// a way to reach them.
func (t *turn) apologize(ctx context.Context, cause error) {
	category := ""
	var se *messaging.SendError
	if errors.As(cause, &se) {
		category = se.Category
		if category == apperrors.ProviderRateLimited {
			t.e.log.Warn("provider rate limited reply", map[string]interface{}{"userId": t.sess.userID})
		}
	}
	if errors.Is(cause, errQuotaDenied) {
		return
	}

	msg := apperrors.UserFacingMessage(category)
	if msg == "" {
		return
	}
	if err := t.text(ctx, msg); err != nil {
		t.e.log.Warn("apology not delivered", map[string]interface{}{"userId": t.sess.userID, "error": err.Error()})
	}
}

// notify forwards a notice to the tenant's escalation contact. Failures
// are logged and never returned.
func (t *turn) notify(ctx context.Context, kind, subject, body string) {
	contact := t.tenant.Escalation
	if t.e.deps.Notifier == nil || contact.IsZero() {
		return
	}
	err := t.e.deps.Notifier.NotifyEscalation(ctx, models.EscalationNotice{
		TenantID: t.tenant.ID,
		Kind:     kind,
		Subject:  subject,
		Body:     body,
		WhatsApp: contact.WhatsApp,
		Email:    contact.Email,
		Phone:    contact.Phone,
	})
	if err != nil {
		t.e.log.Warn("escalation notice failed", map[string]interface{}{
			"kind":  kind,
			"error": err.Error(),
		})
	}
}

func (t *turn) logInbound(ctx context.Context, msg models.InboundMessage) {
	at := msg.Timestamp
	if at.IsZero() {
		at = t.e.deps.Clock.Now()
	}
	t.e.deps.Tenants.RecordUsage(ctx, t.tenant.ID, models.DirectionInbound)
	t.appendLog(ctx, models.MessageLogEntry{
		UserID:    msg.From,
		Direction: models.DirectionInbound,
		Body:      msg.Text,
		MessageID: msg.MessageID,
		CreatedAt: at,
	})
}

func (t *turn) appendLog(ctx context.Context, entry models.MessageLogEntry) {
	if err := t.data.AppendMessage(ctx, entry); err != nil {
		t.e.log.Warn("message log append failed", map[string]interface{}{
			"userId":    entry.UserID,
			"direction": string(entry.Direction),
			"error":     err.Error(),
		})
	}
}

func (t *turn) markRead(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	sender, err := t.outbound(ctx)
	if err != nil {
		return
	}
	if err := sender.MarkRead(ctx, messageID); err != nil {
		t.e.log.Debug("mark read failed", map[string]interface{}{"messageId": messageID, "error": err.Error()})
	}
}

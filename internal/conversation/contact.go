package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"appointment-bot/internal/common/validation"
	"appointment-bot/internal/handoff"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
)

// ==========================
// Human contact
// ==========================

type contactStep int

const (
	contactName contactStep = iota
	contactPhone
	contactReason
)

type humanContact struct {
	step     contactStep
	fullName string
	phone    string
}

func (h *humanContact) name() string { return "human_contact" }

func (h *humanContact) start(ctx context.Context, t *turn) (bool, error) {
	h.step = contactName
	return false, t.ask(ctx, "Sure, let's get you in touch with our team. What's your name?")
}

func (h *humanContact) advance(ctx context.Context, t *turn, msg models.InboundMessage) (bool, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.Kind == models.KindMedia || msg.Kind == models.KindUnsupported {
		return false, t.reprompt(ctx)
	}

	switch h.step {
	case contactName:
		h.fullName = text
		h.step = contactPhone
		return false, t.ask(ctx, fmt.Sprintf("Thanks, %s. What phone number can we reach you on?", h.fullName))

	case contactPhone:
		if !validation.ValidatePhone(text) {
			return false, t.ask(ctx, "That doesn't look like a phone number. Please send it with the country code, e.g. +5511999990000.")
		}
		h.phone = text
		h.step = contactReason
		return false, t.ask(ctx, "Briefly, what would you like to talk about?")

	default:
		return true, h.forward(ctx, t, text)
	}
}

// forward relays the request to the escalation contact and silences the
// bot for this user until the handoff ends.
func (h *humanContact) forward(ctx context.Context, t *turn, reason string) error {
	e := t.e
	body := fmt.Sprintf("Customer asked to talk to a person\n*Name:* %s\n*Phone:* %s\n*WhatsApp:* %s\n*Reason:* %s",
		h.fullName, h.phone, t.sess.userID, reason)
	t.notify(ctx, models.NoticeHandoff, "Customer asked for a person", body)

	e.deps.Handoff.Activate(handoff.Key(e.tenantID, t.sess.userID), e.settings.HandoffTTL)

	if e.deps.Workflows != nil {
		_, err := e.deps.Workflows.StartProcess(ctx, e.settings.HandoffProcessID, map[string]interface{}{
			"tenantId": e.tenantID,
			"userId":   t.sess.userID,
			"name":     h.fullName,
			"phone":    h.phone,
			"reason":   reason,
		})
		if err != nil {
			e.log.Warn("handoff workflow not started", map[string]interface{}{
				"userId": t.sess.userID,
				"error":  err.Error(),
			})
		}
	}

	return t.text(ctx, fmt.Sprintf("Thanks %s! A member of our team will contact you shortly.", h.fullName))
}

// ==========================
// Catalog
// ==========================

type catalogStep int

const (
	catalogList catalogStep = iota
	catalogDetails
)

type catalogBrowse struct {
	step     catalogStep
	services []models.Service
}

func (c *catalogBrowse) name() string { return "catalog" }

func (c *catalogBrowse) start(ctx context.Context, t *turn) (bool, error) {
	services, err := t.data.ListServices(ctx)
	if err != nil {
		return false, err
	}

	var b strings.Builder
	b.WriteString("Our services:\n")
	var opts []messaging.Option
	for _, s := range services {
		if !s.Active {
			continue
		}
		c.services = append(c.services, s)
		fmt.Fprintf(&b, "\n*%s* - %s", s.Name, formatPrice(s.Price))
		if s.Description != "" {
			fmt.Fprintf(&b, "\n%s", s.Description)
		}
		opts = append(opts, messaging.Option{
			ID:          svcPrefix + strconv.FormatInt(s.ID, 10),
			Title:       s.Name,
			Description: formatPrice(s.Price),
		})
	}
	if len(opts) == 0 {
		return true, t.text(ctx, "We haven't published our services yet. Type *menu* to go back.")
	}

	c.step = catalogList
	return false, t.present(ctx, b.String(), "Services", opts)
}

func (c *catalogBrowse) advance(ctx context.Context, t *turn, msg models.InboundMessage) (bool, error) {
	opt, ok := t.choose(msg)
	if !ok {
		return false, t.reprompt(ctx)
	}

	if c.step == catalogDetails {
		if opt.ID == backToMenuID {
			t.sess.clear()
			return true, t.e.showMenu(ctx, t, "")
		}
		if strings.HasPrefix(opt.ID, bookPrefix) {
			id, _ := strconv.ParseInt(strings.TrimPrefix(opt.ID, bookPrefix), 10, 64)
			for _, s := range c.services {
				if s.ID == id {
					return true, t.e.startProcess(ctx, t, &booking{serviceID: s.ID, serviceName: s.Name})
				}
			}
		}
		return false, t.reprompt(ctx)
	}

	id, _ := strconv.ParseInt(strings.TrimPrefix(opt.ID, svcPrefix), 10, 64)
	for _, s := range c.services {
		if s.ID != id {
			continue
		}
		details := fmt.Sprintf("*%s*\n%s", s.Name, formatPrice(s.Price))
		if s.Description != "" {
			details += "\n\n" + s.Description
		}

		var actions []messaging.Option
		if t.tenant.Menu.Booking {
			actions = append(actions, messaging.Option{ID: bookPrefix + strconv.FormatInt(s.ID, 10), Title: "Book this"})
		}
		actions = append(actions, messaging.Option{ID: backToMenuID, Title: "Back to menu"})

		c.step = catalogDetails
		return false, t.present(ctx, details, "", actions)
	}
	return false, t.reprompt(ctx)
}

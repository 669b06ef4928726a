package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/slots"
)

type bookingStep int

const (
	bookingService bookingStep = iota
	bookingDate
	bookingTime
)

// booking walks SelectService, SelectDate and SelectTime, then commits.
type booking struct {
	step        bookingStep
	serviceID   int64
	serviceName string
	pick        slotPick
}

func (b *booking) name() string { return "booking" }

func (b *booking) start(ctx context.Context, t *turn) (bool, error) {
	if b.serviceID != 0 {
		return b.promptDate(ctx, t, fmt.Sprintf("When would you like your *%s*?", b.serviceName))
	}

	services, err := t.data.ListServices(ctx)
	if err != nil {
		return false, err
	}
	var opts []messaging.Option
	for _, s := range services {
		if s.Active {
			opts = append(opts, messaging.Option{
				ID:          svcPrefix + strconv.FormatInt(s.ID, 10),
				Title:       s.Name,
				Description: formatPrice(s.Price),
			})
		}
	}
	if len(opts) == 0 {
		return b.promptDate(ctx, t, "Which day works for you?")
	}

	b.step = bookingService
	return false, t.present(ctx, "Which service would you like to book?", "Services", opts)
}

func (b *booking) advance(ctx context.Context, t *turn, msg models.InboundMessage) (bool, error) {
	opt, ok := t.choose(msg)
	if !ok {
		return false, t.reprompt(ctx)
	}

	switch b.step {
	case bookingService:
		id, err := strconv.ParseInt(strings.TrimPrefix(opt.ID, svcPrefix), 10, 64)
		if err != nil {
			return false, t.reprompt(ctx)
		}
		b.serviceID = id
		b.serviceName = opt.Title
		return b.promptDate(ctx, t, "Which day works for you?")

	case bookingDate:
		if !b.pick.setDate(opt) {
			return false, t.reprompt(ctx)
		}
		return b.promptTime(ctx, t, fmt.Sprintf("Pick a time on %s:", b.pick.label))

	default:
		return b.commit(ctx, t, strings.TrimPrefix(opt.ID, timePrefix))
	}
}

func (b *booking) promptDate(ctx context.Context, t *turn, body string) (bool, error) {
	b.step = bookingDate
	shown, err := t.offerDates(ctx, body)
	return !shown, err
}

func (b *booking) promptTime(ctx context.Context, t *turn, body string) (bool, error) {
	shown, err := t.offerTimes(ctx, b.pick, body)
	if err != nil {
		return false, err
	}
	if !shown {
		return b.promptDate(ctx, t, fmt.Sprintf("Sorry, %s is fully booked now. Please pick another day:", b.pick.label))
	}
	b.step = bookingTime
	return false, nil
}

func (b *booking) commit(ctx context.Context, t *turn, tm string) (bool, error) {
	appt, err := t.e.deps.Slots.CommitBooking(ctx, t.e.tenantID, slots.Draft{
		UserID:      t.sess.userID,
		UserName:    t.sess.userName,
		ServiceID:   b.serviceID,
		ServiceName: b.serviceName,
		Date:        b.pick.date,
		Time:        tm,
	})
	switch {
	case errors.Is(err, slots.ErrSlotTaken), errors.Is(err, slots.ErrInvalidSlot):
		return b.promptTime(ctx, t, "Sorry, that time was just taken. Please pick another time:")
	case err != nil:
		return false, err
	}

	summary := bookingSummary(b.serviceName, b.pick.label, appt.Time)
	if err := t.text(ctx, "✅ Your appointment is booked!\n\n"+summary+"\n\nType *menu* for more options."); err != nil {
		return true, err
	}
	t.notify(ctx, models.NoticeBooking, "New booking", fmt.Sprintf(
		"New booking from %s (%s)\n%s", displayName(t.sess), t.sess.userID, summary))
	return true, nil
}

func bookingSummary(service, dateLabel, tm string) string {
	var b strings.Builder
	if service != "" {
		fmt.Fprintf(&b, "*Service:* %s\n", service)
	}
	fmt.Fprintf(&b, "*Date:* %s\n*Time:* %s", dateLabel, tm)
	return b.String()
}

func displayName(s *session) string {
	if s.userName != "" {
		return s.userName
	}
	return "a customer"
}

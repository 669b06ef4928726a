package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/slots"
)

const noUpcoming = "You have no upcoming appointments. Type *menu* to book one."

func (t *turn) upcoming(ctx context.Context) ([]models.Appointment, error) {
	return t.e.deps.Slots.UpcomingAppointments(ctx, t.e.tenantID, t.sess.userID)
}

// ==========================
// Cancellation
// ==========================

type cancellationStep int

const (
	cancelSelect cancellationStep = iota
	cancelConfirm
)

type cancellation struct {
	step   cancellationStep
	appts  []models.Appointment
	chosen models.Appointment
}

func (c *cancellation) name() string { return "cancellation" }

func (c *cancellation) start(ctx context.Context, t *turn) (bool, error) {
	appts, err := t.upcoming(ctx)
	if err != nil {
		return false, err
	}
	if len(appts) == 0 {
		return true, t.text(ctx, noUpcoming)
	}
	c.appts = appts
	c.step = cancelSelect
	return false, t.present(ctx, "Which appointment would you like to cancel?", "Appointments", appointmentOptions(appts))
}

func (c *cancellation) advance(ctx context.Context, t *turn, msg models.InboundMessage) (bool, error) {
	if c.step == cancelSelect {
		opt, ok := t.choose(msg)
		if !ok {
			return false, t.reprompt(ctx)
		}
		appt, found := findAppointment(c.appts, opt.ID)
		if !found {
			return false, t.reprompt(ctx)
		}
		c.chosen = appt
		c.step = cancelConfirm
		return false, t.present(ctx,
			fmt.Sprintf("Cancel your appointment on *%s*?", appointmentTitle(appt)), "",
			[]messaging.Option{{ID: yesID, Title: "Yes, cancel"}, {ID: noID, Title: "No, keep it"}})
	}

	opt, ok := t.choose(msg)
	confirmed := (ok && opt.ID == yesID) || (msg.ChoiceID == "" && t.e.deps.Lexicon.IsAffirmative(msg.Text))
	if !confirmed {
		return true, t.text(ctx, "OK, your appointment was kept.")
	}

	err := t.e.deps.Slots.CancelBooking(ctx, t.e.tenantID, c.chosen.ID, t.sess.userID)
	if errors.Is(err, slots.ErrAppointmentNotFound) {
		return true, t.text(ctx, "That appointment no longer exists. Type *menu* to start again.")
	}
	if err != nil {
		return false, err
	}

	title := appointmentTitle(c.chosen)
	if err := t.text(ctx, fmt.Sprintf("Your appointment on *%s* has been cancelled.", title)); err != nil {
		return true, err
	}
	t.notify(ctx, models.NoticeCancellation, "Appointment cancelled", fmt.Sprintf(
		"%s (%s) cancelled the appointment on %s", displayName(t.sess), t.sess.userID, title))
	return true, nil
}

// ==========================
// Reschedule
// ==========================

type rescheduleStep int

const (
	rescheduleSelect rescheduleStep = iota
	rescheduleDate
	rescheduleTime
)

type reschedule struct {
	step   rescheduleStep
	appts  []models.Appointment
	chosen models.Appointment
	pick   slotPick
}

func (r *reschedule) name() string { return "reschedule" }

func (r *reschedule) start(ctx context.Context, t *turn) (bool, error) {
	appts, err := t.upcoming(ctx)
	if err != nil {
		return false, err
	}
	if len(appts) == 0 {
		return true, t.text(ctx, noUpcoming)
	}
	r.appts = appts
	r.step = rescheduleSelect
	return false, t.present(ctx, "Which appointment would you like to move?", "Appointments", appointmentOptions(appts))
}

func (r *reschedule) advance(ctx context.Context, t *turn, msg models.InboundMessage) (bool, error) {
	opt, ok := t.choose(msg)
	if !ok {
		return false, t.reprompt(ctx)
	}

	switch r.step {
	case rescheduleSelect:
		appt, found := findAppointment(r.appts, opt.ID)
		if !found {
			return false, t.reprompt(ctx)
		}
		r.chosen = appt
		return r.promptDate(ctx, t, "Which day would you like instead?")

	case rescheduleDate:
		if !r.pick.setDate(opt) {
			return false, t.reprompt(ctx)
		}
		return r.promptTime(ctx, t, fmt.Sprintf("Pick a new time on %s:", r.pick.label))

	default:
		return r.commit(ctx, t, strings.TrimPrefix(opt.ID, timePrefix))
	}
}

func (r *reschedule) promptDate(ctx context.Context, t *turn, body string) (bool, error) {
	r.step = rescheduleDate
	shown, err := t.offerDates(ctx, body)
	return !shown, err
}

func (r *reschedule) promptTime(ctx context.Context, t *turn, body string) (bool, error) {
	shown, err := t.offerTimes(ctx, r.pick, body)
	if err != nil {
		return false, err
	}
	if !shown {
		return r.promptDate(ctx, t, fmt.Sprintf("Sorry, %s is fully booked now. Please pick another day:", r.pick.label))
	}
	r.step = rescheduleTime
	return false, nil
}

func (r *reschedule) commit(ctx context.Context, t *turn, tm string) (bool, error) {
	err := t.e.deps.Slots.CommitReschedule(ctx, t.e.tenantID, r.chosen.ID, t.sess.userID, r.pick.date, tm)
	switch {
	case errors.Is(err, slots.ErrSlotTaken), errors.Is(err, slots.ErrInvalidSlot):
		return r.promptTime(ctx, t, "Sorry, that time was just taken. Please pick another time:")
	case errors.Is(err, slots.ErrAppointmentNotFound):
		return true, t.text(ctx, "That appointment no longer exists. Type *menu* to start again.")
	case err != nil:
		return false, err
	}

	from := appointmentTitle(r.chosen)
	to := r.pick.label + " " + tm
	if err := t.text(ctx, fmt.Sprintf("✅ Done! Your appointment was moved from *%s* to *%s*.", from, to)); err != nil {
		return true, err
	}
	t.notify(ctx, models.NoticeReschedule, "Appointment rescheduled", fmt.Sprintf(
		"%s (%s) moved the appointment on %s to %s", displayName(t.sess), t.sess.userID, from, to))
	return true, nil
}

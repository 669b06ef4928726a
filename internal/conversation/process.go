package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
)

// process is one multi-step flow. A user has at most one at a time.
type process interface {
	name() string
	// start sends the first prompt. done means the flow ended at once.
	start(ctx context.Context, t *turn) (done bool, err error)
	// advance handles one reply for the current step.
	advance(ctx context.Context, t *turn, msg models.InboundMessage) (done bool, err error)
}

const (
	datePrefix = "date:"
	timePrefix = "time:"
	apptPrefix = "appt:"
	svcPrefix  = "svc:"
	yesID      = "yes"
	noID       = "no"
)

// slotPick is the date and time chosen so far by booking or reschedule.
type slotPick struct {
	date    string
	weekday time.Weekday
	label   string
}

func (s *slotPick) setDate(opt messaging.Option) bool {
	date := strings.TrimPrefix(opt.ID, datePrefix)
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return false
	}
	s.date = date
	s.weekday = day.Weekday()
	s.label = opt.Title
	return true
}

// offerDates presents the days in the horizon that still have a free
// time. It reports false, after telling the user, when there are none.
func (t *turn) offerDates(ctx context.Context, body string) (bool, error) {
	e := t.e
	dates, err := e.deps.Slots.AvailableDates(ctx, e.tenantID, e.settings.HorizonDays)
	if err != nil {
		return false, err
	}

	var opts []messaging.Option
	for _, d := range dates {
		times, err := e.deps.Slots.AvailableTimes(ctx, e.tenantID, d.Weekday, d.Date)
		if err != nil {
			return false, err
		}
		if len(times) > 0 {
			opts = append(opts, messaging.Option{ID: datePrefix + d.Date, Title: d.Label})
		}
	}

	if len(opts) == 0 {
		return false, t.text(ctx, fmt.Sprintf(
			"Sorry, there are no free times in the next %d days. Type *menu* to go back.", e.settings.HorizonDays))
	}
	return true, t.present(ctx, body, "Dates", opts)
}

// offerTimes presents the free times of the picked date. It reports false
// without sending anything when the day is full.
func (t *turn) offerTimes(ctx context.Context, pick slotPick, body string) (bool, error) {
	times, err := t.e.deps.Slots.AvailableTimes(ctx, t.e.tenantID, pick.weekday, pick.date)
	if err != nil {
		return false, err
	}
	if len(times) == 0 {
		return false, nil
	}

	opts := make([]messaging.Option, 0, len(times))
	for _, tm := range times {
		opts = append(opts, messaging.Option{ID: timePrefix + tm, Title: tm})
	}
	return true, t.present(ctx, body, "Times", opts)
}

func appointmentTitle(a models.Appointment) string {
	day, err := time.Parse(models.DateLayout, a.Date)
	if err != nil {
		return a.Date + " " + a.Time
	}
	return day.Format("Mon 02/01") + " " + a.Time
}

func appointmentOptions(appts []models.Appointment) []messaging.Option {
	opts := make([]messaging.Option, 0, len(appts))
	for _, a := range appts {
		opts = append(opts, messaging.Option{
			ID:          apptPrefix + a.ID,
			Title:       appointmentTitle(a),
			Description: a.ServiceName,
		})
	}
	return opts
}

func findAppointment(appts []models.Appointment, optID string) (models.Appointment, bool) {
	id := strings.TrimPrefix(optID, apptPrefix)
	for _, a := range appts {
		if a.ID == id {
			return a, true
		}
	}
	return models.Appointment{}, false
}

func formatPrice(p float64) string {
	return fmt.Sprintf("$%.2f", p)
}

// Package slots computes bookable (date, time) pairs from a tenant's weekly
// template and commits bookings against them.
//
// Availability reads are advisory. The storage-level unique index on
// non-cancelled (date, time) is what decides a race; CommitBooking and
// CommitReschedule pre-check only to answer the common case quickly.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/models"
	"appointment-bot/internal/store"

	"github.com/google/uuid"
)

var (
	ErrSlotTaken           = errors.New("SLOT_TAKEN")
	ErrInvalidSlot         = errors.New("INVALID_SLOT")
	ErrAppointmentNotFound = errors.New("APPOINTMENT_NOT_FOUND")
)

// Repository is the per-tenant storage the engine needs. *store.TenantStore
// satisfies it.
type Repository interface {
	ScheduleWeekdays(ctx context.Context) ([]time.Weekday, error)
	ScheduleFor(ctx context.Context, weekday time.Weekday) ([]string, error)
	BookedTimes(ctx context.Context, date string) ([]string, error)
	CountActiveAt(ctx context.Context, date, tm string) (int, error)
	InsertAppointment(ctx context.Context, appt *models.Appointment) error
	MoveAppointment(ctx context.Context, id, userID, date, tm string) error
	CancelAppointment(ctx context.Context, id, userID string) error
	UpcomingAppointments(ctx context.Context, userID, fromDate string) ([]models.Appointment, error)
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
}

// RepoResolver maps a tenant id to its repository and time zone.
type RepoResolver interface {
	SlotRepository(ctx context.Context, tenantID string) (Repository, *time.Location, error)
}

// DateOption is one selectable day in the booking window.
type DateOption struct {
	Date    string       `json:"date"`
	Weekday time.Weekday `json:"weekday"`
	Label   string       `json:"label"`
}

// Draft is an appointment not yet written.
type Draft struct {
	UserID      string
	UserName    string
	ServiceID   int64
	ServiceName string
	Date        string
	Time        string
	Notes       string
}

type Engine struct {
	repos RepoResolver
	clock clock.Clock
	log   logger.Logger
}

func NewEngine(repos RepoResolver, clk clock.Clock, log logger.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		repos: repos,
		clock: clk,
		log:   log.WithFields(map[string]interface{}{"component": "slots"}),
	}
}

// AvailableDates lists the days from today through today+horizonDays-1
// whose weekday has at least one template entry.
func (e *Engine) AvailableDates(ctx context.Context, tenantID string, horizonDays int) ([]DateOption, error) {
	repo, loc, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	weekdays, err := repo.ScheduleWeekdays(ctx)
	if err != nil {
		return nil, err
	}
	open := make(map[time.Weekday]bool, len(weekdays))
	for _, d := range weekdays {
		open[d] = true
	}

	today := startOfDay(e.clock.Now().In(loc))
	var out []DateOption
	for i := 0; i < horizonDays; i++ {
		day := today.AddDate(0, 0, i)
		if !open[day.Weekday()] {
			continue
		}
		out = append(out, DateOption{
			Date:    day.Format(models.DateLayout),
			Weekday: day.Weekday(),
			Label:   dateLabel(day, i),
		})
	}
	return out, nil
}

// AvailableTimes returns the template times for weekday minus those held by
// non-cancelled appointments on date. On the current day, times that have
// already passed are dropped.
func (e *Engine) AvailableTimes(ctx context.Context, tenantID string, weekday time.Weekday, date string) ([]string, error) {
	repo, loc, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.availableTimes(ctx, repo, loc, weekday, date)
}

func (e *Engine) availableTimes(ctx context.Context, repo Repository, loc *time.Location, weekday time.Weekday, date string) ([]string, error) {
	template, err := repo.ScheduleFor(ctx, weekday)
	if err != nil {
		return nil, err
	}
	booked, err := repo.BookedTimes(ctx, date)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(booked))
	for _, t := range booked {
		taken[t] = true
	}

	now := e.clock.Now().In(loc)
	isToday := date == now.Format(models.DateLayout)
	cutoff := now.Format(models.TimeLayout)

	out := make([]string, 0, len(template))
	for _, t := range template {
		if taken[t] {
			continue
		}
		if isToday && t <= cutoff {
			continue
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// CommitBooking writes a pending appointment for the draft's slot or
// returns ErrSlotTaken when another booking already holds it.
func (e *Engine) CommitBooking(ctx context.Context, tenantID string, draft Draft) (*models.Appointment, error) {
	repo, _, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.validateSlot(ctx, repo, draft.Date, draft.Time); err != nil {
		return nil, err
	}

	n, err := repo.CountActiveAt(ctx, draft.Date, draft.Time)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		metrics.Bookings.WithLabelValues("slot_taken").Inc()
		return nil, fmt.Errorf("%w: %s %s", ErrSlotTaken, draft.Date, draft.Time)
	}

	appt := &models.Appointment{
		ID:          uuid.New().String(),
		UserID:      draft.UserID,
		UserName:    draft.UserName,
		ServiceID:   draft.ServiceID,
		ServiceName: draft.ServiceName,
		Date:        draft.Date,
		Time:        draft.Time,
		Status:      models.AppointmentPending,
		Notes:       draft.Notes,
	}
	if err := repo.InsertAppointment(ctx, appt); err != nil {
		if errors.Is(err, store.ErrSlotConflict) {
			metrics.Bookings.WithLabelValues("slot_taken").Inc()
			e.log.Info("slot lost at insert", map[string]interface{}{
				"tenantId": tenantID, "date": draft.Date, "time": draft.Time,
			})
			return nil, fmt.Errorf("%w: %s %s", ErrSlotTaken, draft.Date, draft.Time)
		}
		metrics.Bookings.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.Bookings.WithLabelValues("created").Inc()
	return appt, nil
}

// CommitReschedule moves an existing appointment to a new slot in place.
func (e *Engine) CommitReschedule(ctx context.Context, tenantID, apptID, userID, date, tm string) error {
	repo, _, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := e.validateSlot(ctx, repo, date, tm); err != nil {
		return err
	}

	n, err := repo.CountActiveAt(ctx, date, tm)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.Bookings.WithLabelValues("slot_taken").Inc()
		return fmt.Errorf("%w: %s %s", ErrSlotTaken, date, tm)
	}

	switch err := repo.MoveAppointment(ctx, apptID, userID, date, tm); {
	case errors.Is(err, store.ErrSlotConflict):
		metrics.Bookings.WithLabelValues("slot_taken").Inc()
		return fmt.Errorf("%w: %s %s", ErrSlotTaken, date, tm)
	case errors.Is(err, store.ErrNotFound):
		return ErrAppointmentNotFound
	case err != nil:
		return err
	}

	metrics.Bookings.WithLabelValues("rescheduled").Inc()
	return nil
}

// CancelBooking cancels the user's appointment, freeing its slot.
func (e *Engine) CancelBooking(ctx context.Context, tenantID, apptID, userID string) error {
	repo, _, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := repo.CancelAppointment(ctx, apptID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAppointmentNotFound
		}
		return err
	}
	metrics.Bookings.WithLabelValues("cancelled").Inc()
	return nil
}

// UpcomingAppointments returns the user's non-cancelled appointments that
// have not started yet.
func (e *Engine) UpcomingAppointments(ctx context.Context, tenantID, userID string) ([]models.Appointment, error) {
	repo, loc, err := e.repos.SlotRepository(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().In(loc)
	today := now.Format(models.DateLayout)
	appts, err := repo.UpcomingAppointments(ctx, userID, today)
	if err != nil {
		return nil, err
	}

	cutoff := now.Format(models.TimeLayout)
	out := appts[:0]
	for _, a := range appts {
		if a.Date == today && a.Time <= cutoff {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// validateSlot rejects a date or time that the template does not offer.
func (e *Engine) validateSlot(ctx context.Context, repo Repository, date, tm string) error {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return fmt.Errorf("%w: date %q", ErrInvalidSlot, date)
	}
	if _, err := time.Parse(models.TimeLayout, tm); err != nil {
		return fmt.Errorf("%w: time %q", ErrInvalidSlot, tm)
	}

	times, err := repo.ScheduleFor(ctx, day.Weekday())
	if err != nil {
		return err
	}
	for _, t := range times {
		if t == tm {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not offered on %s", ErrInvalidSlot, tm, day.Weekday())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dateLabel(day time.Time, offset int) string {
	base := day.Format("Mon 02/01")
	switch offset {
	case 0:
		return "Today " + base
	case 1:
		return "Tomorrow " + base
	default:
		return base
	}
}

// NextDate returns the first date on or after from that falls on weekday.
func NextDate(from time.Time, weekday time.Weekday) time.Time {
	diff := (int(weekday) - int(from.Weekday()) + 7) % 7
	return startOfDay(from).AddDate(0, 0, diff)
}

package slots

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/models"
	"appointment-bot/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Fakes
// ==========================

// memoryRepo enforces the same uniqueness rule as the storage index: at
// most one non-cancelled appointment per (date, time).
type memoryRepo struct {
	mu       sync.Mutex
	template map[time.Weekday][]string
	appts    map[string]*models.Appointment

	// gate, when set, blocks InsertAppointment until closed so concurrent
	// callers all pass the pre-check before any of them writes.
	gate chan struct{}
}

func newMemoryRepo(template map[time.Weekday][]string) *memoryRepo {
	return &memoryRepo{template: template, appts: make(map[string]*models.Appointment)}
}

func (r *memoryRepo) ScheduleWeekdays(ctx context.Context) ([]time.Weekday, error) {
	var out []time.Weekday
	for d, times := range r.template {
		if len(times) > 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *memoryRepo) ScheduleFor(ctx context.Context, weekday time.Weekday) ([]string, error) {
	return r.template[weekday], nil
}

func (r *memoryRepo) BookedTimes(ctx context.Context, date string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.appts {
		if a.Date == date && a.Holds() {
			out = append(out, a.Time)
		}
	}
	return out, nil
}

func (r *memoryRepo) CountActiveAt(ctx context.Context, date, tm string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(date, tm, ""), nil
}

func (r *memoryRepo) countLocked(date, tm, exceptID string) int {
	n := 0
	for id, a := range r.appts {
		if id != exceptID && a.Date == date && a.Time == tm && a.Holds() {
			n++
		}
	}
	return n
}

func (r *memoryRepo) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countLocked(appt.Date, appt.Time, "") > 0 {
		return store.ErrSlotConflict
	}
	cp := *appt
	r.appts[appt.ID] = &cp
	return nil
}

func (r *memoryRepo) MoveAppointment(ctx context.Context, id, userID, date, tm string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.UserID != userID || !a.Holds() {
		return store.ErrNotFound
	}
	if r.countLocked(date, tm, id) > 0 {
		return store.ErrSlotConflict
	}
	a.Date, a.Time = date, tm
	return nil
}

func (r *memoryRepo) CancelAppointment(ctx context.Context, id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.UserID != userID || !a.Holds() {
		return store.ErrNotFound
	}
	a.Status = models.AppointmentCancelled
	return nil
}

func (r *memoryRepo) UpcomingAppointments(ctx context.Context, userID, fromDate string) ([]models.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Appointment
	for _, a := range r.appts {
		if a.UserID == userID && a.Date >= fromDate && a.Holds() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date+out[i].Time < out[j].Date+out[j].Time
	})
	return out, nil
}

func (r *memoryRepo) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

type staticResolver struct {
	repo Repository
	loc  *time.Location
	err  error
}

func (s staticResolver) SlotRepository(ctx context.Context, tenantID string) (Repository, *time.Location, error) {
	return s.repo, s.loc, s.err
}

// Sunday 2026-10-18 12:00 UTC; the next Monday is 2026-10-19.
var sunday = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func createTestEngine(t *testing.T, repo Repository, now time.Time) (*Engine, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(now)
	return NewEngine(staticResolver{repo: repo, loc: time.UTC}, clk, logger.NewTestLogger(t)), clk
}

func mondayTemplate() map[time.Weekday][]string {
	return map[time.Weekday][]string{time.Monday: {"09:00", "10:00"}}
}

// ==========================
// Availability
// ==========================

func TestAvailableDates_OnlyTemplateWeekdays(t *testing.T) {
	repo := newMemoryRepo(map[time.Weekday][]string{
		time.Monday:    {"09:00"},
		time.Wednesday: {"14:00"},
	})
	e, _ := createTestEngine(t, repo, sunday)

	dates, err := e.AvailableDates(context.Background(), "t1", 14)
	require.NoError(t, err)

	var got []string
	for _, d := range dates {
		got = append(got, d.Date)
		assert.Contains(t, []time.Weekday{time.Monday, time.Wednesday}, d.Weekday)
	}
	assert.Equal(t, []string{"2026-10-19", "2026-10-21", "2026-10-26", "2026-10-28"}, got)
	assert.Equal(t, "Tomorrow Mon 19/10", dates[0].Label)
}

func TestAvailableDates_EmptyTemplate(t *testing.T) {
	e, _ := createTestEngine(t, newMemoryRepo(nil), sunday)

	dates, err := e.AvailableDates(context.Background(), "t1", 7)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestAvailableTimes_DropsPastTimesToday(t *testing.T) {
	repo := newMemoryRepo(map[time.Weekday][]string{time.Monday: {"09:00", "10:00", "11:00"}})
	mondayMorning := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	e, _ := createTestEngine(t, repo, mondayMorning)

	times, err := e.AvailableTimes(context.Background(), "t1", time.Monday, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, []string{"11:00"}, times)

	times, err = e.AvailableTimes(context.Background(), "t1", time.Monday, "2026-10-26")
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00", "11:00"}, times)
}

func TestBookCancelScenario(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo(mondayTemplate())
	e, _ := createTestEngine(t, repo, sunday)

	monday := NextDate(sunday, time.Monday).Format(models.DateLayout)
	require.Equal(t, "2026-10-19", monday)

	times, err := e.AvailableTimes(ctx, "t1", time.Monday, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00"}, times)

	appt, err := e.CommitBooking(ctx, "t1", Draft{UserID: "u1", Date: monday, Time: "09:00"})
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentPending, appt.Status)

	times, err = e.AvailableTimes(ctx, "t1", time.Monday, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00"}, times)

	require.NoError(t, e.CancelBooking(ctx, "t1", appt.ID, "u1"))

	times, err = e.AvailableTimes(ctx, "t1", time.Monday, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00"}, times)
}

// ==========================
// Commit
// ==========================

func TestCommitBooking_Validation(t *testing.T) {
	tests := []struct {
		name    string
		draft   Draft
		wantErr error
	}{
		{"bad date", Draft{UserID: "u1", Date: "19/10/2026", Time: "09:00"}, ErrInvalidSlot},
		{"bad time", Draft{UserID: "u1", Date: "2026-10-19", Time: "9am"}, ErrInvalidSlot},
		{"not in template", Draft{UserID: "u1", Date: "2026-10-19", Time: "11:00"}, ErrInvalidSlot},
		{"wrong weekday", Draft{UserID: "u1", Date: "2026-10-20", Time: "09:00"}, ErrInvalidSlot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := createTestEngine(t, newMemoryRepo(mondayTemplate()), sunday)
			_, err := e.CommitBooking(context.Background(), "t1", tt.draft)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCommitBooking_PreCheckRejectsHeldSlot(t *testing.T) {
	ctx := context.Background()
	e, _ := createTestEngine(t, newMemoryRepo(mondayTemplate()), sunday)

	_, err := e.CommitBooking(ctx, "t1", Draft{UserID: "u1", Date: "2026-10-19", Time: "09:00"})
	require.NoError(t, err)

	_, err = e.CommitBooking(ctx, "t1", Draft{UserID: "u2", Date: "2026-10-19", Time: "09:00"})
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestCommitBooking_ConcurrentExactlyOneWins(t *testing.T) {
	repo := newMemoryRepo(mondayTemplate())
	repo.gate = make(chan struct{})
	e, _ := createTestEngine(t, repo, sunday)

	const callers = 8
	var wg sync.WaitGroup
	var ready sync.WaitGroup
	results := make(chan error, callers)

	ready.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			_, err := e.CommitBooking(context.Background(), "t1", Draft{
				UserID: string(rune('a' + i)), Date: "2026-10-19", Time: "09:00",
			})
			results <- err
		}(i)
	}
	ready.Wait()
	close(repo.gate)
	wg.Wait()
	close(results)

	wins, taken := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, taken)

	booked, _ := repo.BookedTimes(context.Background(), "2026-10-19")
	assert.Equal(t, []string{"09:00"}, booked)
}

func TestCommitBooking_UniqueViolationFromStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := store.New(db).ForTenant("tenant_abc")
	e, _ := createTestEngine(t, ts, sunday)

	mock.ExpectQuery(`SELECT slot_time FROM "tenant_abc".schedule_templates`).
		WithArgs(int(time.Monday)).
		WillReturnRows(sqlmock.NewRows([]string{"slot_time"}).AddRow("09:00").AddRow("10:00"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "tenant_abc".appointments`).
		WithArgs("2026-10-19", "09:00").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO "tenant_abc".appointments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: store.ActiveSlotConstraint})

	_, err = e.CommitBooking(context.Background(), "t1", Draft{UserID: "u1", Date: "2026-10-19", Time: "09:00"})
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitReschedule(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo(mondayTemplate())
	e, _ := createTestEngine(t, repo, sunday)

	mine, err := e.CommitBooking(ctx, "t1", Draft{UserID: "u1", Date: "2026-10-19", Time: "09:00"})
	require.NoError(t, err)
	_, err = e.CommitBooking(ctx, "t1", Draft{UserID: "u2", Date: "2026-10-26", Time: "10:00"})
	require.NoError(t, err)

	t.Run("target held by another user", func(t *testing.T) {
		err := e.CommitReschedule(ctx, "t1", mine.ID, "u1", "2026-10-26", "10:00")
		assert.ErrorIs(t, err, ErrSlotTaken)
	})

	t.Run("not the owner", func(t *testing.T) {
		err := e.CommitReschedule(ctx, "t1", mine.ID, "u2", "2026-10-26", "09:00")
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})

	t.Run("moved in place", func(t *testing.T) {
		require.NoError(t, e.CommitReschedule(ctx, "t1", mine.ID, "u1", "2026-10-26", "09:00"))

		got, err := repo.GetAppointment(ctx, mine.ID)
		require.NoError(t, err)
		assert.Equal(t, "2026-10-26", got.Date)
		assert.Equal(t, "09:00", got.Time)

		times, err := e.AvailableTimes(ctx, "t1", time.Monday, "2026-10-19")
		require.NoError(t, err)
		assert.Equal(t, []string{"09:00", "10:00"}, times)
	})
}

func TestUpcomingAppointments_SkipsStartedToday(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo(mondayTemplate())
	e, clk := createTestEngine(t, repo, sunday)

	_, err := e.CommitBooking(ctx, "t1", Draft{UserID: "u1", Date: "2026-10-19", Time: "09:00"})
	require.NoError(t, err)
	_, err = e.CommitBooking(ctx, "t1", Draft{UserID: "u1", Date: "2026-10-19", Time: "10:00"})
	require.NoError(t, err)

	clk.Advance(21*time.Hour + 30*time.Minute) // Monday 09:30

	appts, err := e.UpcomingAppointments(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, "10:00", appts[0].Time)
}

func TestResolverErrorPropagates(t *testing.T) {
	boom := errors.New("tenant lookup failed")
	e := NewEngine(staticResolver{err: boom}, clock.Fake(sunday), logger.NewTestLogger(t))

	_, err := e.AvailableDates(context.Background(), "t1", 7)
	assert.ErrorIs(t, err, boom)
}

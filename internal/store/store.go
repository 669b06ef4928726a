// Package store is the relational storage collaborator. Every tenant owns
// one Postgres schema; TenantStore methods only ever touch that schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appointment-bot/internal/common/database"
	"appointment-bot/internal/models"
)

var (
	ErrNotFound     = errors.New("NOT_FOUND")
	ErrSlotConflict = errors.New("SLOT_CONFLICT")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// AppendWebhookEvent records a raw webhook payload. Rows are never updated.
func (s *Store) AppendWebhookEvent(ctx context.Context, payload []byte, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (payload, signature) VALUES ($1, $2)`,
		string(payload), signature,
	)
	if err != nil {
		return fmt.Errorf("append webhook event: %w", err)
	}
	return nil
}

// ForTenant scopes the store to one tenant's schema.
func (s *Store) ForTenant(schema string) *TenantStore {
	return &TenantStore{db: s.db, schema: database.QuoteIdentifier(schema)}
}

type TenantStore struct {
	db     *sql.DB
	schema string
}

func (t *TenantStore) table(name string) string {
	return t.schema + "." + name
}

// ==========================
// Services
// ==========================

func (t *TenantStore) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, name, price, description, image_url FROM %s WHERE active ORDER BY name`,
		t.table("services"),
	))
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []models.Service
	for rows.Next() {
		svc := models.Service{Active: true}
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Price, &svc.Description, &svc.ImageURL); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (t *TenantStore) GetService(ctx context.Context, id int64) (*models.Service, error) {
	svc := models.Service{ID: id}
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT name, price, description, image_url, active FROM %s WHERE id = $1`,
		t.table("services"),
	), id).Scan(&svc.Name, &svc.Price, &svc.Description, &svc.ImageURL, &svc.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &svc, nil
}

func (t *TenantStore) CreateService(ctx context.Context, svc *models.Service) (int64, error) {
	var id int64
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, price, description, image_url) VALUES ($1, $2, $3, $4) RETURNING id`,
		t.table("services"),
	), svc.Name, svc.Price, svc.Description, svc.ImageURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create service: %w", err)
	}
	return id, nil
}

// ==========================
// Schedule templates
// ==========================

// ScheduleWeekdays returns the weekdays that have at least one template entry.
func (t *TenantStore) ScheduleWeekdays(ctx context.Context) ([]time.Weekday, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT weekday FROM %s ORDER BY weekday`,
		t.table("schedule_templates"),
	))
	if err != nil {
		return nil, fmt.Errorf("schedule weekdays: %w", err)
	}
	defer rows.Close()

	var out []time.Weekday
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan weekday: %w", err)
		}
		out = append(out, time.Weekday(d))
	}
	return out, rows.Err()
}

func (t *TenantStore) ScheduleFor(ctx context.Context, weekday time.Weekday) ([]string, error) {
	return t.queryStrings(ctx, fmt.Sprintf(
		`SELECT slot_time FROM %s WHERE weekday = $1 ORDER BY slot_time`,
		t.table("schedule_templates"),
	), int(weekday))
}

// ReplaceSchedule swaps the whole weekly template atomically.
func (t *TenantStore) ReplaceSchedule(ctx context.Context, entries []models.ScheduleEntry) error {
	return database.WithTx(ctx, t.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, t.table("schedule_templates"))); err != nil {
			return fmt.Errorf("clear schedule: %w", err)
		}
		insert := fmt.Sprintf(`INSERT INTO %s (weekday, slot_time) VALUES ($1, $2)`, t.table("schedule_templates"))
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, insert, int(e.Weekday), e.Time); err != nil {
				return fmt.Errorf("insert schedule entry: %w", err)
			}
		}
		return nil
	})
}

// ==========================
// Appointments
// ==========================

const appointmentColumns = `id, user_id, user_name, COALESCE(service_id, 0), service_name,
	to_char(appt_date, 'YYYY-MM-DD'), appt_time, status, notes, created_at, updated_at`

// BookedTimes returns the times held by non-cancelled appointments on date.
func (t *TenantStore) BookedTimes(ctx context.Context, date string) ([]string, error) {
	return t.queryStrings(ctx, fmt.Sprintf(
		`SELECT appt_time FROM %s WHERE appt_date = $1 AND status <> 'cancelled'`,
		t.table("appointments"),
	), date)
}

func (t *TenantStore) CountActiveAt(ctx context.Context, date, tm string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE appt_date = $1 AND appt_time = $2 AND status <> 'cancelled'`,
		t.table("appointments"),
	), date, tm).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active appointments: %w", err)
	}
	return n, nil
}

// InsertAppointment writes appt. A concurrent holder of the same slot
// surfaces as ErrSlotConflict.
func (t *TenantStore) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	var serviceID sql.NullInt64
	if appt.ServiceID != 0 {
		serviceID = sql.NullInt64{Int64: appt.ServiceID, Valid: true}
	}

	err := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_id, user_name, service_id, service_name, appt_date, appt_time, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`,
		t.table("appointments"),
	),
		appt.ID, appt.UserID, appt.UserName, serviceID, appt.ServiceName,
		appt.Date, appt.Time, string(appt.Status), appt.Notes,
	).Scan(&appt.CreatedAt, &appt.UpdatedAt)
	if database.IsUniqueViolation(err, ActiveSlotConstraint) {
		return ErrSlotConflict
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// UpcomingAppointments lists the user's non-cancelled appointments on or
// after fromDate.
func (t *TenantStore) UpcomingAppointments(ctx context.Context, userID, fromDate string) ([]models.Appointment, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE user_id = $1 AND appt_date >= $2 AND status <> 'cancelled' ORDER BY appt_date, appt_time`,
		appointmentColumns, t.table("appointments"),
	), userID, fromDate)
	if err != nil {
		return nil, fmt.Errorf("upcoming appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func (t *TenantStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	row := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`, appointmentColumns, t.table("appointments"),
	), id)
	appt, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return appt, err
}

// CancelAppointment marks the user's appointment cancelled, which frees its slot.
func (t *TenantStore) CancelAppointment(ctx context.Context, id, userID string) error {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'cancelled', updated_at = NOW() WHERE id = $1 AND user_id = $2 AND status <> 'cancelled'`,
		t.table("appointments"),
	), id, userID)
	if err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}
	return requireAffected(res)
}

// MoveAppointment changes date and time in place.
func (t *TenantStore) MoveAppointment(ctx context.Context, id, userID, date, tm string) error {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET appt_date = $3, appt_time = $4, updated_at = NOW() WHERE id = $1 AND user_id = $2 AND status <> 'cancelled'`,
		t.table("appointments"),
	), id, userID, date, tm)
	if database.IsUniqueViolation(err, ActiveSlotConstraint) {
		return ErrSlotConflict
	}
	if err != nil {
		return fmt.Errorf("move appointment: %w", err)
	}
	return requireAffected(res)
}

// ==========================
// Message log
// ==========================

func (t *TenantStore) AppendMessage(ctx context.Context, entry models.MessageLogEntry) error {
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, direction, body, message_id) VALUES ($1, $2, $3, $4)`,
		t.table("message_log"),
	), entry.UserID, string(entry.Direction), entry.Body, entry.MessageID)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// HasHistory reports whether any message was ever logged for the user.
func (t *TenantStore) HasHistory(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE user_id = $1)`, t.table("message_log"),
	), userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("message history: %w", err)
	}
	return exists, nil
}

// ==========================
// helpers
// ==========================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var appt models.Appointment
	var status string
	err := row.Scan(
		&appt.ID, &appt.UserID, &appt.UserName, &appt.ServiceID, &appt.ServiceName,
		&appt.Date, &appt.Time, &status, &appt.Notes, &appt.CreatedAt, &appt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	appt.Status = models.AppointmentStatus(status)
	return &appt, nil
}

func (t *TenantStore) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

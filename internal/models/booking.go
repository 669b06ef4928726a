// internal/models/booking.go
package models

import "time"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Service struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	Active      bool    `json:"active"`
}

// ScheduleEntry is one recurring weekly availability unit.
type ScheduleEntry struct {
	Weekday time.Weekday `json:"weekday"`
	Time    string       `json:"time"`
}

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type Appointment struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	UserName    string            `json:"userName,omitempty"`
	ServiceID   int64             `json:"serviceId,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Date        string            `json:"date"`
	Time        string            `json:"time"`
	Status      AppointmentStatus `json:"status"`
	Notes       string            `json:"notes,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Holds reports whether the appointment occupies its slot.
func (a *Appointment) Holds() bool {
	return a.Status != AppointmentCancelled
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageLogEntry is an append-only record of one inbound or outbound text.
type MessageLogEntry struct {
	UserID    string    `json:"userId"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	MessageID string    `json:"messageId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

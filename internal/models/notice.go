package models

// Escalation notice kinds.
const (
	NoticeBooking      = "booking"
	NoticeCancellation = "cancellation"
	NoticeReschedule   = "reschedule"
	NoticeHandoff      = "handoff"
)

// EscalationNotice is a message for a tenant's escalation contact. The
// channel fields are copied from the tenant's EscalationContact.
type EscalationNotice struct {
	TenantID string `json:"tenantId"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	WhatsApp string `json:"whatsapp,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

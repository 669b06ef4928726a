// internal/workers/notification/notify-escalation/models.go
package notifyescalation

const (
	TaskType  = "notify:escalation"
	QueueName = "notifications"
)

// Delivery channels.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
)

// Statuses
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusDisabled = "disabled"
	StatusDenied   = "quota_exceeded"
)

// Result is the per-channel outcome of one delivery.
type Result struct {
	Channels map[string]string `json:"channels"`
}

func (r *Result) set(channel, status string) {
	if r.Channels == nil {
		r.Channels = make(map[string]string)
	}
	r.Channels[channel] = status
}

func (r *Result) count(status string) int {
	n := 0
	for _, s := range r.Channels {
		if s == status {
			n++
		}
	}
	return n
}

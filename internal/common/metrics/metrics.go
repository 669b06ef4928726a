package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events by ingestion outcome",
		},
		[]string{"outcome"},
	)

	ConversationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_messages_total",
			Help: "Inbound messages routed by the conversation engine",
		},
		[]string{"tenant", "process"},
	)

	Bookings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_total",
			Help: "Booking commits by outcome",
		},
		[]string{"outcome"},
	)

	OutboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_messages_total",
			Help: "Outbound provider calls by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Replies suppressed because the tenant exhausted its daily quota",
		},
		[]string{"tenant"},
	)

	HandoffActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_active",
			Help: "Conversations currently suppressed for a human agent",
		},
	)

	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_actors_active",
			Help: "Live per-user conversation actors",
		},
	)

	MessageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_processing_duration_seconds",
			Help:    "Time spent handling one inbound message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"process"},
	)

	NotificationJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_total",
			Help: "Escalation notification jobs by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

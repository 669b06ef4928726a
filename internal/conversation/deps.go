package conversation

import (
	"context"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/observability"
	"appointment-bot/internal/handoff"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/slots"
	"appointment-bot/internal/store"
	"appointment-bot/internal/tenant"
	"appointment-bot/pkg/lexicon"
)

// TenantService is the slice of the tenant registry the engine uses.
type TenantService interface {
	GetTenant(ctx context.Context, id string, decrypt bool) (*models.Tenant, error)
	GetOutboundClient(ctx context.Context, id string) (messaging.Sender, error)
	ReserveQuota(ctx context.Context, id string) tenant.Reservation
	ReleaseQuota(ctx context.Context, res tenant.Reservation)
	RecordUsage(ctx context.Context, id string, direction models.Direction)
}

// TenantData is one tenant's catalog and message log. *store.TenantStore
// satisfies it.
type TenantData interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	GetService(ctx context.Context, id int64) (*models.Service, error)
	AppendMessage(ctx context.Context, entry models.MessageLogEntry) error
	HasHistory(ctx context.Context, userID string) (bool, error)
}

type DataResolver func(ctx context.Context, tenantID string) (TenantData, error)

type storeSource interface {
	TenantStore(ctx context.Context, id string) (*store.TenantStore, *models.Tenant, error)
}

// StoreResolver adapts the tenant registry's storage lookup.
func StoreResolver(src storeSource) DataResolver {
	return func(ctx context.Context, tenantID string) (TenantData, error) {
		ts, _, err := src.TenantStore(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
}

// SlotService is implemented by *slots.Engine.
type SlotService interface {
	AvailableDates(ctx context.Context, tenantID string, horizonDays int) ([]slots.DateOption, error)
	AvailableTimes(ctx context.Context, tenantID string, weekday time.Weekday, date string) ([]string, error)
	CommitBooking(ctx context.Context, tenantID string, draft slots.Draft) (*models.Appointment, error)
	CommitReschedule(ctx context.Context, tenantID, apptID, userID, date, tm string) error
	CancelBooking(ctx context.Context, tenantID, apptID, userID string) error
	UpcomingAppointments(ctx context.Context, tenantID, userID string) ([]models.Appointment, error)
}

// Notifier delivers escalation notices. Delivery is best effort.
type Notifier interface {
	NotifyEscalation(ctx context.Context, notice models.EscalationNotice) error
}

// WorkflowStarter is implemented by *camunda.Client.
type WorkflowStarter interface {
	StartProcess(ctx context.Context, bpmnProcessID string, vars map[string]interface{}) (int64, error)
}

type Settings struct {
	HorizonDays      int
	HandoffTTL       time.Duration
	ActorIdleTTL     time.Duration
	MailboxSize      int
	HandoffProcessID string
}

func (s Settings) withDefaults() Settings {
	if s.HorizonDays <= 0 {
		s.HorizonDays = 14
	}
	if s.HandoffTTL <= 0 {
		s.HandoffTTL = 30 * time.Minute
	}
	if s.ActorIdleTTL <= 0 {
		s.ActorIdleTTL = 10 * time.Minute
	}
	if s.MailboxSize <= 0 {
		s.MailboxSize = 32
	}
	if s.HandoffProcessID == "" {
		s.HandoffProcessID = "human-handoff"
	}
	return s
}

// Deps are shared by every tenant engine. Notifier, Workflows and
// Observability are optional.
type Deps struct {
	Tenants       TenantService
	Data          DataResolver
	Slots         SlotService
	Handoff       *handoff.Suppressor
	Notifier      Notifier
	Workflows     WorkflowStarter
	Lexicon       *lexicon.Lexicon
	Observability *observability.Observability
	Clock         clock.Clock
	Logger        logger.Logger
}

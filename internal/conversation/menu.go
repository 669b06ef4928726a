package conversation

import (
	"context"
	"strings"

	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/pkg/lexicon"
)

const (
	menuPrefix   = "menu:"
	bookPrefix   = "book:"
	backToMenuID = "menu"
)

type capability struct {
	id          string
	title       string
	description string
}

func buildMenu(cfg models.MenuConfig) []capability {
	var caps []capability
	if cfg.Booking {
		caps = append(caps, capability{lexicon.IntentBooking, "Book appointment", "Pick a service, day and time"})
	}
	if cfg.Reschedule {
		caps = append(caps, capability{lexicon.IntentReschedule, "Reschedule", "Move an upcoming appointment"})
	}
	if cfg.Cancellation {
		caps = append(caps, capability{lexicon.IntentCancellation, "Cancel appointment", "Cancel an upcoming appointment"})
	}
	if cfg.Catalog {
		caps = append(caps, capability{lexicon.IntentCatalog, "Services & prices", "See what we offer"})
	}
	if cfg.HumanContact {
		caps = append(caps, capability{lexicon.IntentHuman, "Talk to a person", "Leave your details for our team"})
	}
	return caps
}

func menuOptions(caps []capability) []messaging.Option {
	opts := make([]messaging.Option, 0, len(caps))
	for _, c := range caps {
		opts = append(opts, messaging.Option{ID: menuPrefix + c.id, Title: c.title, Description: c.description})
	}
	return opts
}

func hasCapability(caps []capability, id string) bool {
	for _, c := range caps {
		if c.id == id {
			return true
		}
	}
	return false
}

// menuFor returns the engine's cached menu, building it on first use.
func (e *Engine) menuFor(t *models.Tenant) []capability {
	e.menuMu.Lock()
	defer e.menuMu.Unlock()
	if e.menu == nil {
		e.menu = buildMenu(t.Menu)
	}
	return e.menu
}

// ReloadMenu drops the cached menu so the next message rebuilds it from
// the tenant's current configuration.
func (e *Engine) ReloadMenu() {
	e.menuMu.Lock()
	e.menu = nil
	e.menuMu.Unlock()
}

func (e *Engine) showMenu(ctx context.Context, t *turn, intro string) error {
	caps := e.menuFor(t.tenant)
	if len(caps) == 0 {
		return t.text(ctx, strings.TrimSpace(intro+"\n\nThis assistant has no options available right now."))
	}

	body := "What would you like to do?"
	if intro != "" {
		body = intro + "\n\n" + body
	}
	return t.present(ctx, body, "Menu", menuOptions(caps))
}

func newProcess(id string) process {
	switch id {
	case lexicon.IntentCancellation:
		return &cancellation{}
	case lexicon.IntentReschedule:
		return &reschedule{}
	case lexicon.IntentHuman:
		return &humanContact{}
	case lexicon.IntentCatalog:
		return &catalogBrowse{}
	default:
		return &booking{}
	}
}

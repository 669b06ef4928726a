// Package conversation runs the per-user dialogue for each tenant. Every
// end-user is served by a single actor goroutine, so one user's messages
// are handled strictly in order while different users proceed in
// parallel.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/handoff"
	"appointment-bot/internal/models"
	"appointment-bot/internal/tenant"

	"go.opentelemetry.io/otel/trace"
)

type actor struct {
	mailbox chan models.InboundMessage
	pending int
	last    time.Time
}

// Engine is the conversation state of one tenant.
type Engine struct {
	tenantID string
	deps     Deps
	settings Settings
	log      logger.Logger

	mu       sync.Mutex
	actors   map[string]*actor
	sessions map[string]*session
	closed   bool
	reaper   *clock.Timer
	wg       sync.WaitGroup

	menuMu sync.Mutex
	menu   []capability
}

func newEngine(tenantID string, deps Deps, settings Settings) *Engine {
	e := &Engine{
		tenantID: tenantID,
		deps:     deps,
		settings: settings,
		log:      deps.Logger.WithFields(map[string]interface{}{"component": "conversation", "tenantId": tenantID}),
		actors:   make(map[string]*actor),
		sessions: make(map[string]*session),
	}
	e.mu.Lock()
	e.scheduleReap()
	e.mu.Unlock()
	return e
}

// Dispatch queues msg on its user's actor, starting one if needed. It
// reports false when the engine is closed or the mailbox is full.
func (e *Engine) Dispatch(msg models.InboundMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	a, ok := e.actors[msg.From]
	if !ok {
		a = &actor{mailbox: make(chan models.InboundMessage, e.settings.MailboxSize)}
		e.actors[msg.From] = a
		e.wg.Add(1)
		metrics.ActiveActors.Inc()
		go e.runActor(msg.From, a)
	}

	select {
	case a.mailbox <- msg:
		a.pending++
		a.last = e.deps.Clock.Now()
		return true
	default:
		e.log.Warn("mailbox full, message dropped", map[string]interface{}{
			"userId":    msg.From,
			"messageId": msg.MessageID,
		})
		return false
	}
}

func (e *Engine) runActor(userID string, a *actor) {
	defer e.wg.Done()
	defer metrics.ActiveActors.Dec()

	for msg := range a.mailbox {
		e.Handle(context.Background(), msg)

		e.mu.Lock()
		a.pending--
		a.last = e.deps.Clock.Now()
		e.mu.Unlock()
	}
}

// scheduleReap must be called with e.mu held.
func (e *Engine) scheduleReap() {
	e.reaper = e.deps.Clock.AfterFunc(e.settings.ActorIdleTTL, e.reap)
}

func (e *Engine) reap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	now := e.deps.Clock.Now()
	for userID, a := range e.actors {
		if a.pending == 0 && now.Sub(a.last) >= e.settings.ActorIdleTTL {
			delete(e.actors, userID)
			delete(e.sessions, userID)
			close(a.mailbox)
		}
	}
	e.scheduleReap()
}

// ActorCount returns the number of live actors.
func (e *Engine) ActorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Close stops accepting messages and waits for queued ones to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.reaper != nil {
		e.reaper.Stop()
	}
	for userID, a := range e.actors {
		delete(e.actors, userID)
		close(a.mailbox)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) session(userID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[userID]
	if !ok {
		s = &session{userID: userID}
		e.sessions[userID] = s
	}
	return s
}

// ==========================
// Handoff
// ==========================

// ActivateHandoff silences the bot for userID. A ttl of zero uses the
// configured default.
func (e *Engine) ActivateHandoff(userID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = e.settings.HandoffTTL
	}
	e.deps.Handoff.Activate(handoff.Key(e.tenantID, userID), ttl)
}

func (e *Engine) ReleaseHandoff(userID string) bool {
	return e.deps.Handoff.Release(handoff.Key(e.tenantID, userID))
}

// ==========================
// Message handling
// ==========================

// Handle processes one message for its user synchronously. Callers must
// not run Handle concurrently for the same user; Dispatch guarantees that.
func (e *Engine) Handle(ctx context.Context, msg models.InboundMessage) {
	sess := e.session(msg.From)
	start := e.deps.Clock.Now()
	procName := "none"
	outcome := "ok"

	if obs := e.deps.Observability; obs != nil {
		var span trace.Span
		ctx, span = obs.StartSpan(ctx, "conversation.handle", map[string]string{
			"tenant.id":  e.tenantID,
			"message.id": msg.MessageID,
		})
		defer span.End()
	}

	var t *turn
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			e.log.Error("panic while handling message", map[string]interface{}{
				"userId": msg.From,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			sess.clear()
			if t != nil {
				t.apologize(ctx, nil)
			}
		}

		elapsed := e.deps.Clock.Now().Sub(start)
		metrics.ConversationMessages.WithLabelValues(e.tenantID, procName).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(procName).Observe(elapsed.Seconds())
		if obs := e.deps.Observability; obs != nil {
			obs.RecordMessageProcessed(ctx, e.tenantID, outcome, elapsed)
		}
	}()

	var err error
	t, err = e.newTurn(ctx, sess)
	if err != nil {
		outcome = "tenant_unavailable"
		e.log.Warn("message not processed", map[string]interface{}{
			"userId": msg.From,
			"error":  err.Error(),
		})
		return
	}

	if msg.ProfileName != "" {
		sess.userName = msg.ProfileName
	}
	firstContact := e.isFirstContact(ctx, t, sess)
	t.logInbound(ctx, msg)
	t.markRead(ctx, msg.MessageID)

	if e.deps.Handoff.Active(handoff.Key(e.tenantID, msg.From)) {
		outcome = "handoff"
		return
	}

	procName, err = e.route(ctx, t, msg, firstContact)
	switch {
	case err == nil:
	case errors.Is(err, errQuotaDenied):
		outcome = "quota_denied"
		e.log.Info("reply suppressed by quota", map[string]interface{}{"userId": msg.From})
	default:
		outcome = "error"
		e.log.Error("conversation step failed", map[string]interface{}{
			"userId":  msg.From,
			"process": procName,
			"error":   err.Error(),
		})
		sess.clear()
		t.apologize(ctx, err)
	}
}

func (e *Engine) newTurn(ctx context.Context, sess *session) (*turn, error) {
	tn, err := e.deps.Tenants.GetTenant(ctx, e.tenantID, false)
	if err != nil {
		return nil, err
	}
	if tn == nil {
		return nil, tenant.ErrTenantNotFound
	}
	if !tn.IsActive() {
		return nil, tenant.ErrTenantInactive
	}

	data, err := e.deps.Data(ctx, e.tenantID)
	if err != nil {
		return nil, err
	}
	return &turn{e: e, tenant: tn, data: data, sess: sess}, nil
}

func (e *Engine) isFirstContact(ctx context.Context, t *turn, sess *session) bool {
	if sess.seen {
		return false
	}
	sess.seen = true

	history, err := t.data.HasHistory(ctx, sess.userID)
	if err != nil {
		e.log.Warn("history lookup failed", map[string]interface{}{"userId": sess.userID, "error": err.Error()})
		return false
	}
	return !history
}

// route applies the dispatch order and returns the name of the process
// that handled msg.
func (e *Engine) route(ctx context.Context, t *turn, msg models.InboundMessage, firstContact bool) (string, error) {
	lex := e.deps.Lexicon
	sess := t.sess

	if msg.ChoiceID == backToMenuID || (msg.ChoiceID == "" && lex.IsReserved(msg.Text)) {
		sess.clear()
		return "menu", e.showMenu(ctx, t, "")
	}

	if p := sess.proc; p != nil {
		done, err := p.advance(ctx, t, msg)
		if done && sess.proc == p {
			sess.clear()
		}
		return p.name(), err
	}

	if firstContact || (msg.ChoiceID == "" && lex.IsGreeting(msg.Text)) {
		return "menu", e.showMenu(ctx, t, e.welcome(t))
	}

	if p := e.processForChoice(ctx, t, msg); p != nil {
		return p.name(), e.startProcess(ctx, t, p)
	}

	menu := e.menuFor(t.tenant)
	if opt, ok := chooseFrom(menuOptions(menu), msg); ok {
		p := newProcess(strings.TrimPrefix(opt.ID, menuPrefix))
		return p.name(), e.startProcess(ctx, t, p)
	}
	if intent := lex.Intent(msg.Text); intent != "" && hasCapability(menu, intent) {
		p := newProcess(intent)
		return p.name(), e.startProcess(ctx, t, p)
	}

	return "fallback", t.text(ctx, "Sorry, I didn't understand that. Type *menu* to see what I can do.")
}

// processForChoice handles choice ids that start a process directly, such
// as a "Book this" button outliving its catalog process.
func (e *Engine) processForChoice(ctx context.Context, t *turn, msg models.InboundMessage) process {
	if !strings.HasPrefix(msg.ChoiceID, bookPrefix) || !t.tenant.Menu.Booking {
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(msg.ChoiceID, bookPrefix), 10, 64)
	if err != nil {
		return nil
	}
	svc, err := t.data.GetService(ctx, id)
	if err != nil || !svc.Active {
		return nil
	}
	return &booking{serviceID: svc.ID, serviceName: svc.Name}
}

// startProcess replaces the user's process with p and sends its first
// prompt.
func (e *Engine) startProcess(ctx context.Context, t *turn, p process) error {
	t.sess.proc = p
	t.sess.prompt = prompt{}
	done, err := p.start(ctx, t)
	if done && t.sess.proc == p {
		t.sess.clear()
	}
	return err
}

func (e *Engine) welcome(t *turn) string {
	if w := strings.TrimSpace(t.tenant.Menu.Welcome); w != "" {
		return w
	}
	name := t.sess.userName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s! Welcome to *%s*.", name, t.tenant.BusinessName)
}

// Package tenant owns tenant records: onboarding, credential decryption,
// metadata caching, outbound client handles and daily quotas.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/database"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/validation"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/slots"
	"appointment-bot/internal/store"
	"appointment-bot/internal/vault"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrTenantNotFound     = errors.New("UNKNOWN_TENANT")
	ErrTenantInactive     = errors.New("TENANT_INACTIVE")
	ErrValidationFailed   = errors.New("TENANT_VALIDATION_FAILED")
	ErrProvisioningFailed = errors.New("TENANT_PROVISIONING_FAILED")
	ErrVaultFailure       = errors.New("VAULT_FAILURE")
)

const routingHashConstraint = "tenants_routing_key_hash_uq"

// ClientFactory builds the outbound client for one tenant.
type ClientFactory func(settings messaging.Settings, phoneNumberID, accessToken string) messaging.Sender

func defaultClientFactory(settings messaging.Settings, phoneNumberID, accessToken string) messaging.Sender {
	return messaging.NewClient(settings, phoneNumberID, accessToken)
}

type Config struct {
	CacheTTL     time.Duration
	DefaultQuota int
	Messaging    messaging.Settings
}

type cachedClient struct {
	sender  messaging.Sender
	expires time.Time
}

type Registry struct {
	db      *sql.DB
	store   *store.Store
	redis   *redis.Client
	vault   *vault.Vault
	config  Config
	clock   clock.Clock
	logger  logger.Logger
	factory ClientFactory

	mu          sync.Mutex
	clients     map[string]cachedClient
	subscribers []func(tenantID string)
}

func NewRegistry(st *store.Store, rdb *redis.Client, v *vault.Vault, cfg Config, log logger.Logger) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Registry{
		db:      st.DB(),
		store:   st,
		redis:   rdb,
		vault:   v,
		config:  cfg,
		clock:   clock.Real(),
		logger:  log.WithFields(map[string]interface{}{"component": "tenant-registry"}),
		factory: defaultClientFactory,
		clients: make(map[string]cachedClient),
	}
}

// WithClock replaces the clock. Used by tests.
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// WithClientFactory replaces how outbound clients are built.
func (r *Registry) WithClientFactory(f ClientFactory) *Registry {
	r.factory = f
	return r
}

// Subscribe registers fn to be called after a tenant's configuration or
// state changes.
func (r *Registry) Subscribe(fn func(tenantID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// ==========================
// Onboarding
// ==========================

var profileSchema = validation.MustCompile(`{
	"type": "object",
	"required": ["businessName", "phoneNumberId", "accessToken", "businessAccountId"],
	"properties": {
		"businessName":      {"type": "string", "minLength": 1, "maxLength": 200},
		"phoneNumberId":     {"type": "string", "pattern": "^[0-9]{5,32}$"},
		"accessToken":       {"type": "string", "minLength": 10},
		"businessAccountId": {"type": "string", "pattern": "^[0-9]{5,32}$"},
		"dailyQuota":        {"type": "integer", "minimum": 0},
		"timezone":          {"type": "string"},
		"menu":              {"type": "object"},
		"escalation": {
			"type": "object",
			"properties": {
				"name":     {"type": "string"},
				"whatsapp": {"type": "string"},
				"email":    {"type": "string"},
				"phone":    {"type": "string"}
			}
		}
	}
}`)

// CreateTenant validates profile, encrypts its credentials and provisions
// the tenant's storage partition in one transaction.
func (r *Registry) CreateTenant(ctx context.Context, profile models.TenantProfile) (string, error) {
	profile.Normalize()
	if err := ValidateProfile(profile); err != nil {
		return "", err
	}

	phoneEnc, err := r.vault.Encrypt(profile.PhoneNumberID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultFailure, err)
	}
	tokenEnc, err := r.vault.Encrypt(profile.AccessToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultFailure, err)
	}
	accountEnc, err := r.vault.Encrypt(profile.BusinessAccountID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultFailure, err)
	}

	menu := models.DefaultMenuConfig()
	if profile.Menu != nil {
		menu = *profile.Menu
	}
	menuJSON, _ := json.Marshal(menu)
	escalationJSON, _ := json.Marshal(profile.Escalation)

	quota := profile.DailyQuota
	if quota == 0 {
		quota = r.config.DefaultQuota
	}
	tz := profile.Timezone
	if tz == "" {
		tz = "UTC"
	}

	id := uuid.New().String()
	schema := store.SchemaName(id)
	verifyToken := strings.ReplaceAll(uuid.New().String(), "-", "")

	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tenants (
				id, business_name, status, daily_quota, timezone, verify_token, schema_name,
				phone_number_id_enc, access_token_enc, business_account_id_enc, routing_key_hash,
				menu, escalation
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			id, profile.BusinessName, string(models.TenantActive), quota, tz, verifyToken, schema,
			phoneEnc, tokenEnc, accountEnc, r.vault.RoutingHash(profile.PhoneNumberID),
			string(menuJSON), string(escalationJSON),
		)
		if err != nil {
			return err
		}
		return r.store.ProvisionTenantSchema(ctx, tx, schema)
	})
	if database.IsUniqueViolation(err, routingHashConstraint) {
		return "", fmt.Errorf("%w: phone number id is already registered", ErrValidationFailed)
	}
	if err != nil {
		r.logger.Error("tenant provisioning failed", map[string]interface{}{
			"tenantId": id,
			"error":    err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	r.logger.Info("tenant created", map[string]interface{}{
		"tenantId": id,
		"schema":   schema,
	})
	return id, nil
}

// ValidateProfile checks a normalized onboarding profile. Failures wrap
// ErrValidationFailed.
func ValidateProfile(profile models.TenantProfile) error {
	res, err := profileSchema.ValidateValue(profile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(res.GetErrorMessages(), "; "))
	}

	if profile.Timezone != "" {
		if _, err := time.LoadLocation(profile.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrValidationFailed, profile.Timezone)
		}
	}
	if e := profile.Escalation.Email; e != "" && !validation.ValidateEmail(e) {
		return fmt.Errorf("%w: invalid escalation email", ErrValidationFailed)
	}
	if p := profile.Escalation.Phone; p != "" && !validation.ValidatePhone(p) {
		return fmt.Errorf("%w: invalid escalation phone", ErrValidationFailed)
	}
	return nil
}

// ==========================
// Lookup
// ==========================

const tenantColumns = `id, business_name, status, daily_quota, timezone, verify_token, schema_name,
	menu, escalation, created_at, updated_at`

func cacheKey(id string) string {
	return "tenant:" + id
}

// GetTenant returns the tenant or nil when it does not exist. Credentials
// are only read and decrypted when decrypt is true, and are never cached.
func (r *Registry) GetTenant(ctx context.Context, id string, decrypt bool) (*models.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	t, err := r.loadTenant(ctx, id)
	if err != nil || t == nil {
		return t, err
	}

	if decrypt {
		creds, err := r.loadCredentials(ctx, id)
		if err != nil {
			return nil, err
		}
		t.Credentials = creds
	}
	return t, nil
}

func (r *Registry) loadTenant(ctx context.Context, id string) (*models.Tenant, error) {
	if cached, err := r.redis.Get(ctx, cacheKey(id)).Result(); err == nil {
		var t models.Tenant
		if err := json.Unmarshal([]byte(cached), &t); err == nil {
			return &t, nil
		}
	} else if err != redis.Nil {
		r.logger.Warn("tenant cache read failed", map[string]interface{}{"tenantId": id, "error": err.Error()})
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	if data, err := json.Marshal(t); err == nil {
		if err := r.redis.Set(ctx, cacheKey(id), data, r.config.CacheTTL).Err(); err != nil {
			r.logger.Warn("tenant cache write failed", map[string]interface{}{"tenantId": id, "error": err.Error()})
		}
	}
	return t, nil
}

func (r *Registry) loadCredentials(ctx context.Context, id string) (*models.Credentials, error) {
	var phoneEnc, tokenEnc, accountEnc string
	err := r.db.QueryRowContext(ctx,
		`SELECT phone_number_id_enc, access_token_enc, business_account_id_enc FROM tenants WHERE id = $1`, id,
	).Scan(&phoneEnc, &tokenEnc, &accountEnc)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var creds models.Credentials
	for _, f := range []struct {
		enc string
		dst *string
	}{
		{phoneEnc, &creds.PhoneNumberID},
		{tokenEnc, &creds.AccessToken},
		{accountEnc, &creds.BusinessAccountID},
	} {
		plain, err := r.vault.Decrypt(f.enc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVaultFailure, err)
		}
		*f.dst = plain
	}
	return &creds, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var t models.Tenant
	var status string
	var menu, escalation []byte
	err := row.Scan(
		&t.ID, &t.BusinessName, &status, &t.DailyQuota, &t.Timezone, &t.VerifyToken, &t.Schema,
		&menu, &escalation, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TenantStatus(status)

	t.Menu = models.DefaultMenuConfig()
	if len(menu) > 0 {
		if err := json.Unmarshal(menu, &t.Menu); err != nil {
			return nil, fmt.Errorf("decode menu: %w", err)
		}
	}
	if len(escalation) > 0 {
		if err := json.Unmarshal(escalation, &t.Escalation); err != nil {
			return nil, fmt.Errorf("decode escalation: %w", err)
		}
	}
	return &t, nil
}

// ==========================
// Outbound clients
// ==========================

// GetOutboundClient returns the tenant's cached outbound client, building
// it on first use. Suspended tenants get ErrTenantInactive.
func (r *Registry) GetOutboundClient(ctx context.Context, id string) (messaging.Sender, error) {
	now := r.clock.Now()

	r.mu.Lock()
	if c, ok := r.clients[id]; ok && now.Before(c.expires) {
		r.mu.Unlock()
		return c.sender, nil
	}
	r.mu.Unlock()

	t, err := r.GetTenant(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if !t.IsActive() {
		r.dropClient(id)
		return nil, fmt.Errorf("%w: %s", ErrTenantInactive, id)
	}

	sender := r.factory(r.config.Messaging, t.Credentials.PhoneNumberID, t.Credentials.AccessToken)

	r.mu.Lock()
	r.clients[id] = cachedClient{sender: sender, expires: now.Add(r.config.CacheTTL)}
	r.mu.Unlock()
	return sender, nil
}

func (r *Registry) dropClient(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// ==========================
// Routing
// ==========================

// ResolveRoutingKey maps a provider phone number id to a tenant id. It uses
// the keyed-hash index and falls back to decrypting rows that predate it,
// backfilling the index on a hit.
func (r *Registry) ResolveRoutingKey(ctx context.Context, routingKey string) (string, error) {
	hash := r.vault.RoutingHash(routingKey)

	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tenants WHERE routing_key_hash = $1`, hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve routing key: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, phone_number_id_enc FROM tenants WHERE routing_key_hash IS NULL`)
	if err != nil {
		return "", fmt.Errorf("scan unindexed tenants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var candidate, enc string
		if err := rows.Scan(&candidate, &enc); err != nil {
			return "", fmt.Errorf("scan tenant: %w", err)
		}
		plain, err := r.vault.Decrypt(enc)
		if err != nil {
			r.logger.Warn("skipping undecryptable routing key", map[string]interface{}{"tenantId": candidate})
			continue
		}
		if plain != routingKey {
			continue
		}

		rows.Close()
		if _, err := r.db.ExecContext(ctx,
			`UPDATE tenants SET routing_key_hash = $1 WHERE id = $2`, hash, candidate,
		); err != nil {
			r.logger.Warn("routing index backfill failed", map[string]interface{}{"tenantId": candidate, "error": err.Error()})
		}
		return candidate, nil
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("scan unindexed tenants: %w", err)
	}
	return "", fmt.Errorf("%w: %s", ErrTenantNotFound, routingKey)
}

// CheckVerifyToken reports whether token is the tenant's own subscription
// verify token.
func (r *Registry) CheckVerifyToken(ctx context.Context, id, token string) (bool, error) {
	t, err := r.GetTenant(ctx, id, false)
	if err != nil || t == nil {
		return false, err
	}
	return token != "" && t.VerifyToken == token, nil
}

// ==========================
// Mutations
// ==========================

func (r *Registry) SuspendTenant(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.TenantSuspended)
}

func (r *Registry) ActivateTenant(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.TenantActive)
}

func (r *Registry) setStatus(ctx context.Context, id string, status models.TenantStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}

	r.logger.Info("tenant status changed", map[string]interface{}{"tenantId": id, "status": string(status)})
	r.invalidate(ctx, id)
	return nil
}

func (r *Registry) UpdateMenu(ctx context.Context, id string, menu models.MenuConfig) error {
	data, err := json.Marshal(menu)
	if err != nil {
		return fmt.Errorf("encode menu: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET menu = $2, updated_at = NOW() WHERE id = $1`, id, string(data))
	if err != nil {
		return fmt.Errorf("update menu: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}

	r.invalidate(ctx, id)
	return nil
}

func (r *Registry) invalidate(ctx context.Context, id string) {
	if err := r.redis.Del(ctx, cacheKey(id)).Err(); err != nil {
		r.logger.Warn("tenant cache invalidation failed", map[string]interface{}{"tenantId": id, "error": err.Error()})
	}

	r.mu.Lock()
	delete(r.clients, id)
	subs := append([]func(string){}, r.subscribers...)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(id)
	}
}

// ==========================
// Storage access
// ==========================

// TenantStore returns the tenant's storage partition.
func (r *Registry) TenantStore(ctx context.Context, id string) (*store.TenantStore, *models.Tenant, error) {
	t, err := r.GetTenant(ctx, id, false)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return r.store.ForTenant(t.Schema), t, nil
}

// SlotRepository implements slots.RepoResolver.
func (r *Registry) SlotRepository(ctx context.Context, id string) (slots.Repository, *time.Location, error) {
	ts, t, err := r.TenantStore(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return ts, t.Location(), nil
}

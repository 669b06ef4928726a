package tenant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/models"
	"appointment-bot/internal/store"
	"appointment-bot/internal/vault"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test helpers
// ==========================

const testTenantID = "3f2a9c10-0000-4000-8000-000000000001"

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	registry *Registry
	mock     sqlmock.Sqlmock
	redis    *miniredis.Miniredis
	vault    *vault.Vault
	clock    *clock.FakeClock
	built    *int
}

type nopSender struct{ phone string }

func (nopSender) SendText(ctx context.Context, to, body string) (string, error) { return "", nil }
func (nopSender) SendButtons(ctx context.Context, to, body string, options []messaging.Option) (string, error) {
	return "", nil
}
func (nopSender) SendList(ctx context.Context, to, body, button string, sections []messaging.Section) (string, error) {
	return "", nil
}
func (nopSender) MarkRead(ctx context.Context, messageID string) error { return nil }

func createTestRegistry(t *testing.T) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	clk := clock.Fake(testNow)
	built := 0
	reg := NewRegistry(store.New(db), rdb, v, Config{CacheTTL: 5 * time.Minute, DefaultQuota: 1000}, logger.NewTestLogger(t)).
		WithClock(clk).
		WithClientFactory(func(settings messaging.Settings, phoneNumberID, accessToken string) messaging.Sender {
			built++
			return nopSender{phone: phoneNumberID}
		})

	return &testEnv{registry: reg, mock: mock, redis: mr, vault: v, clock: clk, built: &built}
}

func validProfile() models.TenantProfile {
	return models.TenantProfile{
		BusinessName:      "  Studio Ana  ",
		PhoneNumberID:     "1234567890",
		AccessToken:       "EAAG-test-access-token",
		BusinessAccountID: "9876543210",
		Timezone:          "America/Sao_Paulo",
		Escalation:        models.EscalationContact{Name: "Ana", WhatsApp: "5511999990000", Email: "ana@studio.example.com"},
	}
}

var tenantCols = []string{
	"id", "business_name", "status", "daily_quota", "timezone", "verify_token", "schema_name",
	"menu", "escalation", "created_at", "updated_at",
}

func tenantRow(status models.TenantStatus, quota int) *sqlmock.Rows {
	return sqlmock.NewRows(tenantCols).AddRow(
		testTenantID, "Studio Ana", string(status), quota, "UTC", "verify-abc", store.SchemaName(testTenantID),
		`{"booking":true,"cancellation":true,"reschedule":false,"catalog":true,"humanContact":true}`,
		`{"name":"Ana","whatsapp":"5511999990000"}`, testNow, testNow,
	)
}

func (e *testEnv) expectTenantLoad(status models.TenantStatus, quota int) {
	e.mock.ExpectQuery(`SELECT id, business_name, status`).
		WithArgs(testTenantID).
		WillReturnRows(tenantRow(status, quota))
}

func (e *testEnv) expectCredentials(t *testing.T) {
	t.Helper()
	phone, err := e.vault.Encrypt("1234567890")
	require.NoError(t, err)
	token, err := e.vault.Encrypt("EAAG-test-access-token")
	require.NoError(t, err)
	account, err := e.vault.Encrypt("9876543210")
	require.NoError(t, err)

	e.mock.ExpectQuery(`SELECT phone_number_id_enc, access_token_enc, business_account_id_enc FROM tenants`).
		WithArgs(testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c"}).AddRow(phone, token, account))
}

// ==========================
// CreateTenant
// ==========================

func TestCreateTenant_Success(t *testing.T) {
	env := createTestRegistry(t)

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`INSERT INTO tenants`).
		WithArgs(
			sqlmock.AnyArg(), "Studio Ana", "active", 1000, "America/Sao_Paulo",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			env.vault.RoutingHash("1234567890"), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`CREATE SCHEMA "tenant_[0-9a-f]{32}"`).WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 7; i++ {
		env.mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	env.mock.ExpectCommit()

	id, err := env.registry.CreateTenant(context.Background(), validProfile())
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateTenant_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.TenantProfile)
	}{
		{"missing business name", func(p *models.TenantProfile) { p.BusinessName = "   " }},
		{"non numeric phone id", func(p *models.TenantProfile) { p.PhoneNumberID = "abc" }},
		{"short access token", func(p *models.TenantProfile) { p.AccessToken = "x" }},
		{"missing account id", func(p *models.TenantProfile) { p.BusinessAccountID = "" }},
		{"negative quota", func(p *models.TenantProfile) { p.DailyQuota = -1 }},
		{"unknown timezone", func(p *models.TenantProfile) { p.Timezone = "Mars/Olympus" }},
		{"bad escalation email", func(p *models.TenantProfile) { p.Escalation.Email = "ana@" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestRegistry(t)
			p := validProfile()
			tt.mutate(&p)

			_, err := env.registry.CreateTenant(context.Background(), p)
			assert.ErrorIs(t, err, ErrValidationFailed)
			assert.NoError(t, env.mock.ExpectationsWereMet())
		})
	}
}

func TestCreateTenant_ProvisioningFailureRollsBack(t *testing.T) {
	env := createTestRegistry(t)

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`INSERT INTO tenants`).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`CREATE SCHEMA`).WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied for database"))
	env.mock.ExpectRollback()

	_, err := env.registry.CreateTenant(context.Background(), validProfile())
	assert.ErrorIs(t, err, ErrProvisioningFailed)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateTenant_DuplicateRoutingKey(t *testing.T) {
	env := createTestRegistry(t)

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`INSERT INTO tenants`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: routingHashConstraint})
	env.mock.ExpectRollback()

	_, err := env.registry.CreateTenant(context.Background(), validProfile())
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "already registered")
}

// ==========================
// GetTenant
// ==========================

func TestGetTenant_NotAUUID(t *testing.T) {
	env := createTestRegistry(t)

	got, err := env.registry.GetTenant(context.Background(), "nope", false)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTenant_NotFound(t *testing.T) {
	env := createTestRegistry(t)
	env.mock.ExpectQuery(`SELECT id, business_name`).WithArgs(testTenantID).WillReturnError(sql.ErrNoRows)

	got, err := env.registry.GetTenant(context.Background(), testTenantID, false)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTenant_CachesMetadataWithoutSecrets(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 100)

	first, err := env.registry.GetTenant(context.Background(), testTenantID, false)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "Studio Ana", first.BusinessName)
	assert.False(t, first.Menu.Reschedule)
	assert.Nil(t, first.Credentials)

	// Served from Redis: no further query is expected.
	second, err := env.registry.GetTenant(context.Background(), testTenantID, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NoError(t, env.mock.ExpectationsWereMet())

	cached, err := env.redis.Get("tenant:" + testTenantID)
	require.NoError(t, err)
	assert.NotContains(t, cached, "EAAG")
	assert.Equal(t, 5*time.Minute, env.redis.TTL("tenant:"+testTenantID))
}

func TestGetTenant_Decrypt(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 100)
	env.expectCredentials(t)

	got, err := env.registry.GetTenant(context.Background(), testTenantID, true)
	require.NoError(t, err)
	require.NotNil(t, got.Credentials)
	assert.Equal(t, "1234567890", got.Credentials.PhoneNumberID)
	assert.Equal(t, "EAAG-test-access-token", got.Credentials.AccessToken)
}

// ==========================
// Outbound clients
// ==========================

func TestGetOutboundClient_CachedPerTenant(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 100)
	env.expectCredentials(t)

	a, err := env.registry.GetOutboundClient(context.Background(), testTenantID)
	require.NoError(t, err)
	b, err := env.registry.GetOutboundClient(context.Background(), testTenantID)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, *env.built)
	assert.Equal(t, "1234567890", a.(nopSender).phone)
}

func TestGetOutboundClient_RefusesSuspendedTenant(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantSuspended, 100)
	env.expectCredentials(t)

	_, err := env.registry.GetOutboundClient(context.Background(), testTenantID)
	assert.ErrorIs(t, err, ErrTenantInactive)
	assert.Equal(t, 0, *env.built)
}

func TestGetOutboundClient_UnknownTenant(t *testing.T) {
	env := createTestRegistry(t)

	_, err := env.registry.GetOutboundClient(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

// ==========================
// Quota
// ==========================

func TestCheckQuota_DeniesAtLimit(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 2)
	ctx := context.Background()

	d := env.registry.CheckQuota(ctx, testTenantID)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Usage)

	env.registry.RecordUsage(ctx, testTenantID, models.DirectionOutbound)
	env.registry.RecordUsage(ctx, testTenantID, models.DirectionOutbound)
	env.registry.RecordUsage(ctx, testTenantID, models.DirectionInbound)

	d = env.registry.CheckQuota(ctx, testTenantID)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
	assert.Equal(t, int64(2), d.Usage)
	assert.Equal(t, int64(2), d.Limit)
}

func TestCheckQuota_ZeroLimitIsUnlimited(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 0)
	env.redis.Set("quota:"+testTenantID+":20261019", "999999")

	d := env.registry.CheckQuota(context.Background(), testTenantID)
	assert.True(t, d.Allowed)
}

func TestCheckQuota_InactiveTenantDenied(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantSuspended, 10)

	d := env.registry.CheckQuota(context.Background(), testTenantID)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInactive, d.Reason)
}

func TestCheckQuota_FailsOpenWhenRedisDown(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 1)
	env.redis.Close()

	d := env.registry.CheckQuota(context.Background(), testTenantID)
	assert.True(t, d.Allowed)
}

func TestReserveQuota_ConcurrentSendersStopAtLimit(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 3)
	ctx := context.Background()

	_, err := env.registry.GetTenant(ctx, testTenantID, false)
	require.NoError(t, err)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.registry.ReserveQuota(ctx, testTenantID).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), allowed.Load())
	counter, err := env.redis.Get("quota:" + testTenantID + ":20261019")
	require.NoError(t, err)
	assert.Equal(t, "3", counter)
	assert.Equal(t, 48*time.Hour, env.redis.TTL("quota:"+testTenantID+":20261019"))

	d := env.registry.CheckQuota(ctx, testTenantID)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
}

func TestReserveQuota_ReleaseReturnsSlot(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 1)
	ctx := context.Background()

	first := env.registry.ReserveQuota(ctx, testTenantID)
	require.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Usage)

	denied := env.registry.ReserveQuota(ctx, testTenantID)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonDailyLimit, denied.Reason)

	env.registry.ReleaseQuota(ctx, denied)
	env.registry.ReleaseQuota(ctx, first)

	again := env.registry.ReserveQuota(ctx, testTenantID)
	assert.True(t, again.Allowed)
	assert.Equal(t, int64(1), again.Usage)
}

func TestReserveQuota_FailsOpenWhenRedisDown(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 1)
	env.redis.Close()

	res := env.registry.ReserveQuota(context.Background(), testTenantID)
	assert.True(t, res.Allowed)
	assert.NotPanics(t, func() { env.registry.ReleaseQuota(context.Background(), res) })
}

func TestReserveQuota_InactiveTenantDenied(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantSuspended, 10)

	res := env.registry.ReserveQuota(context.Background(), testTenantID)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonInactive, res.Reason)
}

func TestRecordUsage_KeysAndExpiry(t *testing.T) {
	env := createTestRegistry(t)
	ctx := context.Background()

	env.registry.RecordUsage(ctx, testTenantID, models.DirectionInbound)
	env.registry.RecordUsage(ctx, testTenantID, models.DirectionOutbound)

	in, err := env.redis.Get("usage:in:" + testTenantID + ":20261019")
	require.NoError(t, err)
	assert.Equal(t, "1", in)
	assert.Equal(t, 48*time.Hour, env.redis.TTL("quota:"+testTenantID+":20261019"))
}

func TestRecordUsage_RedisDownDoesNotPanic(t *testing.T) {
	env := createTestRegistry(t)
	env.redis.Close()

	assert.NotPanics(t, func() {
		env.registry.RecordUsage(context.Background(), testTenantID, models.DirectionOutbound)
	})
}

// ==========================
// Routing
// ==========================

func TestResolveRoutingKey_IndexHit(t *testing.T) {
	env := createTestRegistry(t)
	env.mock.ExpectQuery(`SELECT id FROM tenants WHERE routing_key_hash = \$1`).
		WithArgs(env.vault.RoutingHash("1234567890")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testTenantID))

	id, err := env.registry.ResolveRoutingKey(context.Background(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, testTenantID, id)
}

func TestResolveRoutingKey_FallbackScanBackfills(t *testing.T) {
	env := createTestRegistry(t)
	other, _ := env.vault.Encrypt("5555555555")
	mine, _ := env.vault.Encrypt("1234567890")
	hash := env.vault.RoutingHash("1234567890")

	env.mock.ExpectQuery(`SELECT id FROM tenants WHERE routing_key_hash`).WillReturnError(sql.ErrNoRows)
	env.mock.ExpectQuery(`SELECT id, phone_number_id_enc FROM tenants WHERE routing_key_hash IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number_id_enc"}).
			AddRow("other-tenant", other).
			AddRow(testTenantID, mine))
	env.mock.ExpectExec(`UPDATE tenants SET routing_key_hash = \$1 WHERE id = \$2`).
		WithArgs(hash, testTenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := env.registry.ResolveRoutingKey(context.Background(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, testTenantID, id)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestResolveRoutingKey_Unknown(t *testing.T) {
	env := createTestRegistry(t)
	env.mock.ExpectQuery(`SELECT id FROM tenants WHERE routing_key_hash`).WillReturnError(sql.ErrNoRows)
	env.mock.ExpectQuery(`WHERE routing_key_hash IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number_id_enc"}))

	_, err := env.registry.ResolveRoutingKey(context.Background(), "000000")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

// ==========================
// Mutations
// ==========================

func TestSuspendTenant_InvalidatesAndNotifies(t *testing.T) {
	env := createTestRegistry(t)
	ctx := context.Background()

	env.expectTenantLoad(models.TenantActive, 100)
	_, err := env.registry.GetTenant(ctx, testTenantID, false)
	require.NoError(t, err)
	require.True(t, env.redis.Exists("tenant:"+testTenantID))

	var notified []string
	env.registry.Subscribe(func(id string) { notified = append(notified, id) })

	env.mock.ExpectExec(`UPDATE tenants SET status = \$2`).
		WithArgs(testTenantID, "suspended").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, env.registry.SuspendTenant(ctx, testTenantID))
	assert.False(t, env.redis.Exists("tenant:"+testTenantID))
	assert.Equal(t, []string{testTenantID}, notified)
}

func TestUpdateMenu_UnknownTenant(t *testing.T) {
	env := createTestRegistry(t)
	env.mock.ExpectExec(`UPDATE tenants SET menu = \$2`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := env.registry.UpdateMenu(context.Background(), testTenantID, models.DefaultMenuConfig())
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestCheckVerifyToken(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 100)

	ok, err := env.registry.CheckVerifyToken(context.Background(), testTenantID, "verify-abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.registry.CheckVerifyToken(context.Background(), testTenantID, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlotRepository_UsesTenantLocation(t *testing.T) {
	env := createTestRegistry(t)
	env.expectTenantLoad(models.TenantActive, 100)

	repo, loc, err := env.registry.SlotRepository(context.Background(), testTenantID)
	require.NoError(t, err)
	assert.NotNil(t, repo)
	assert.Equal(t, "UTC", loc.String())
	assert.True(t, strings.HasPrefix(store.SchemaName(testTenantID), "tenant_"))
}

package tenant

import (
	"context"
	"fmt"
	"time"

	"appointment-bot/internal/common/metrics"
	"appointment-bot/internal/models"

	"github.com/redis/go-redis/v9"
)

const usageTTL = 48 * time.Hour

// Quota denial reasons.
const (
	ReasonDailyLimit    = "daily_limit_reached"
	ReasonUnknownTenant = "unknown_tenant"
	ReasonInactive      = "tenant_inactive"
)

// QuotaDecision is the outcome of a quota check. A denial is a normal
// result, not an error.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Usage   int64  `json:"usage"`
	Limit   int64  `json:"limit"`
}

func (r *Registry) dayStamp() string {
	return r.clock.Now().UTC().Format("20060102")
}

func outboundKey(id, day string) string {
	return fmt.Sprintf("quota:%s:%s", id, day)
}

func inboundKey(id, day string) string {
	return fmt.Sprintf("usage:in:%s:%s", id, day)
}

// CheckQuota compares today's outbound counter with the tenant's daily
// limit. A limit of zero or less means unlimited. Redis errors fail open.
func (r *Registry) CheckQuota(ctx context.Context, id string) QuotaDecision {
	t, err := r.GetTenant(ctx, id, false)
	if err != nil {
		r.logger.Warn("quota check could not load tenant, allowing", map[string]interface{}{
			"tenantId": id,
			"error":    err.Error(),
		})
		return QuotaDecision{Allowed: true}
	}
	if t == nil {
		return QuotaDecision{Allowed: false, Reason: ReasonUnknownTenant}
	}
	if !t.IsActive() {
		return QuotaDecision{Allowed: false, Reason: ReasonInactive, Limit: int64(t.DailyQuota)}
	}

	limit := int64(t.DailyQuota)
	usage, err := r.redis.Get(ctx, outboundKey(id, r.dayStamp())).Int64()
	if err != nil && err != redis.Nil {
		r.logger.Warn("quota counter read failed, allowing", map[string]interface{}{
			"tenantId": id,
			"error":    err.Error(),
		})
		return QuotaDecision{Allowed: true, Limit: limit}
	}

	if limit > 0 && usage >= limit {
		metrics.QuotaDenials.WithLabelValues(id).Inc()
		return QuotaDecision{Allowed: false, Reason: ReasonDailyLimit, Usage: usage, Limit: limit}
	}
	return QuotaDecision{Allowed: true, Usage: usage, Limit: limit}
}

// Reservation is an admitted outbound send. Release hands the slot back
// when the send did not happen.
type Reservation struct {
	QuotaDecision
	key string
}

// reserveScript increments the counter only while it is below the limit,
// so concurrent senders cannot push it past the limit.
var reserveScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and n >= limit then
	return {0, n}
end
n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {1, n}
`)

// ReserveQuota admits one outbound message and counts it in the same
// step. Redis errors fail open with nothing to release.
func (r *Registry) ReserveQuota(ctx context.Context, id string) Reservation {
	t, err := r.GetTenant(ctx, id, false)
	if err != nil {
		r.logger.Warn("quota reservation could not load tenant, allowing", map[string]interface{}{
			"tenantId": id,
			"error":    err.Error(),
		})
		return Reservation{QuotaDecision: QuotaDecision{Allowed: true}}
	}
	if t == nil {
		return Reservation{QuotaDecision: QuotaDecision{Allowed: false, Reason: ReasonUnknownTenant}}
	}
	limit := int64(t.DailyQuota)
	if !t.IsActive() {
		return Reservation{QuotaDecision: QuotaDecision{Allowed: false, Reason: ReasonInactive, Limit: limit}}
	}

	key := outboundKey(id, r.dayStamp())
	res, err := reserveScript.Run(ctx, r.redis, []string{key}, limit, int64(usageTTL/time.Second)).Int64Slice()
	if err != nil || len(res) != 2 {
		r.logger.Warn("quota reservation failed, allowing", map[string]interface{}{
			"tenantId": id,
			"error":    fmt.Sprint(err),
		})
		return Reservation{QuotaDecision: QuotaDecision{Allowed: true, Limit: limit}}
	}

	if res[0] == 0 {
		metrics.QuotaDenials.WithLabelValues(id).Inc()
		return Reservation{QuotaDecision: QuotaDecision{Allowed: false, Reason: ReasonDailyLimit, Usage: res[1], Limit: limit}}
	}
	return Reservation{QuotaDecision: QuotaDecision{Allowed: true, Usage: res[1], Limit: limit}, key: key}
}

// ReleaseQuota returns an unused reservation.
func (r *Registry) ReleaseQuota(ctx context.Context, res Reservation) {
	if !res.Allowed || res.key == "" {
		return
	}
	if err := r.redis.Decr(ctx, res.key).Err(); err != nil {
		r.logger.Warn("quota release failed", map[string]interface{}{
			"key":   res.key,
			"error": err.Error(),
		})
	}
}

// RecordUsage increments today's counter for direction. Failures are
// logged and never returned.
func (r *Registry) RecordUsage(ctx context.Context, id string, direction models.Direction) {
	day := r.dayStamp()
	key := outboundKey(id, day)
	if direction == models.DirectionInbound {
		key = inboundKey(id, day)
	}

	pipe := r.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, usageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("usage counter update failed", map[string]interface{}{
			"tenantId":  id,
			"direction": string(direction),
			"error":     err.Error(),
		})
	}
}

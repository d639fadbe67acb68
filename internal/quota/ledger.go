package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes. Counters and reservations live in Redis so that every
// service instance sees one consistent quota state.
const (
	counterKeyPrefix     = "quota:u:"
	reservationKeyPrefix = "quota:r:"
)

// Reservation state values
const (
	stateHeld      = "held"
	stateCommitted = "committed"
	stateReleased  = "released"
)

// How long an unterminated reservation record survives before Redis expires
// it. The reconciliation pass releases stale reservations well before this.
const reservationTTL = 48 * time.Hour

// reserveScript is the atomic compare-and-increment. It checks the period
// counter against the limit, increments it, and records the reservation in a
// single step, so concurrent reservations for one account linearize here.
//
// KEYS[1] = period counter, KEYS[2] = reservation hash.
// ARGV[1] = amount, ARGV[2] = limit, ARGV[3] = counter TTL seconds,
// ARGV[4] = reservation TTL seconds.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if used + amount > tonumber(ARGV[2]) then
  return -1
end
redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('HSET', KEYS[2], 'state', 'held', 'amount', amount, 'counter', KEYS[1])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return used + amount
`)

// commitScript makes a held reservation permanent. A no-op on any other
// state, so committing twice never double-charges.
var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'held' then
  redis.call('HSET', KEYS[1], 'state', 'committed')
  return 1
end
return 0
`)

// releaseScript returns a held reservation's units to the counter it was
// charged against, which may belong to an earlier period. Idempotent:
// releasing twice, or after commit, never decrements again.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'held' then
  return 0
end
local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
local counter = redis.call('HGET', KEYS[1], 'counter')
redis.call('HSET', KEYS[1], 'state', 'released')
if redis.call('EXISTS', counter) == 1 then
  local left = redis.call('DECRBY', counter, amount)
  if left < 0 then
    redis.call('SET', counter, '0', 'KEEPTTL')
  end
end
return 1
`)

// Reservation is a provisional quota charge. It must be committed or
// released exactly once; the ledger enforces idempotency of both.
type Reservation struct {
	ID        string
	AccountID string
	Period    string
	Amount    int64
}

// Snapshot is the observable quota state for one account and period.
type Snapshot struct {
	Limit    int64
	Consumed int64
	Reset    time.Time
}

// Remaining returns the unconsumed units, never negative.
func (s *Snapshot) Remaining() int64 {
	if s.Consumed >= s.Limit {
		return 0
	}
	return s.Limit - s.Consumed
}

// Ledger tracks per-account, per-period usage counters with atomic
// reserve/commit/release.
type Ledger struct {
	rdb    *redis.Client
	limits map[string]config.TierQuota

	// NowFunc returns the current time. It can be overridden in tests.
	NowFunc func() time.Time
}

// NewLedger creates a quota ledger with the given per-tier limits.
func NewLedger(rdb *redis.Client, limits map[string]config.TierQuota) *Ledger {
	return &Ledger{
		rdb:     rdb,
		limits:  limits,
		NowFunc: time.Now,
	}
}

// Limit returns the per-period generation budget for a tier.
func (l *Ledger) Limit(tier string) int64 {
	return l.limits[tier].Generations
}

// ConcurrencyCap returns the per-tier concurrent job cap.
func (l *Ledger) ConcurrencyCap(tier string) int {
	cap := l.limits[tier].Concurrency
	if cap <= 0 {
		cap = 1
	}
	return cap
}

// Reserve atomically checks consumed+amount against the tier limit and
// increments the period counter, returning a reservation handle. Returns
// ErrQuotaExceeded when the budget does not cover the amount.
func (l *Ledger) Reserve(ctx context.Context, accountID, tier string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		amount = 1
	}

	now := l.NowFunc()
	period := periodKey(now)
	limit := l.Limit(tier)

	reservation := &Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Period:    period,
		Amount:    amount,
	}

	counterTTL := int(periodEnd(now).Add(72 * time.Hour).Sub(now).Seconds())

	res, err := reserveScript.Run(ctx, l.rdb,
		[]string{l.counterKey(accountID, period), l.reservationKey(reservation.ID)},
		amount, limit, counterTTL, int(reservationTTL.Seconds()),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if res < 0 {
		return nil, models.ErrQuotaExceeded
	}

	return reservation, nil
}

// Commit marks the reservation permanent. No-op on an already-committed or
// released reservation.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	if err := commitScript.Run(ctx, l.rdb, []string{l.reservationKey(reservationID)}).Err(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// Release returns the reserved units if the reservation is still held.
// Idempotent: releasing twice or after commit never double-decrements.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{l.reservationKey(reservationID)}).Err(); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Snapshot returns the current consumed count, limit and period reset time
// for an account.
func (l *Ledger) Snapshot(ctx context.Context, accountID, tier string) (*Snapshot, error) {
	now := l.NowFunc()

	consumed, err := l.rdb.Get(ctx, l.counterKey(accountID, periodKey(now))).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read quota counter: %w", err)
	}

	return &Snapshot{
		Limit:    l.Limit(tier),
		Consumed: consumed,
		Reset:    periodEnd(now),
	}, nil
}

// Usage reports the account's quota position for response headers.
func (l *Ledger) Usage(ctx context.Context, accountID, tier string) (limit, remaining int64, reset time.Time, err error) {
	snap, err := l.Snapshot(ctx, accountID, tier)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	return snap.Limit, snap.Remaining(), snap.Reset, nil
}

func (l *Ledger) counterKey(accountID, period string) string {
	return counterKeyPrefix + accountID + ":" + period
}

func (l *Ledger) reservationKey(id string) string {
	return reservationKeyPrefix + id
}

// periodKey names the fixed-length usage window: one calendar month, UTC.
func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// periodEnd returns the first instant of the next period.
func periodEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

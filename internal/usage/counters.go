package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters tracks running consumption in Redis: daily/monthly token and cost
// totals, fixed-hour request windows, and concurrent-session slots. All
// mutations are atomic (Lua or single Redis commands), so unrelated callers
// never serialize against each other.
type Counters struct {
	redis *redis.Client

	// injectable clock for tests
	now func() time.Time
}

// Counter keys carry their window in the key and expire two windows later,
// so stale windows clean themselves up.
const (
	dayKeyTTL   = 2 * 24 * time.Hour
	monthKeyTTL = 62 * 24 * time.Hour
	hourKeyTTL  = 2 * time.Hour
)

// addScript atomically adds a float delta to a counter and refreshes its TTL.
var addScript = redis.NewScript(`
	local key = KEYS[1]
	local delta = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key)) or 0
	local total = current + delta

	redis.call('SET', key, total, 'EX', ttl)
	return tostring(total)
`)

// NewCounters creates a counter set over an existing Redis client.
func NewCounters(client *redis.Client) *Counters {
	return &Counters{redis: client, now: time.Now}
}

func (c *Counters) dayKey(kind, scope string) string {
	return fmt.Sprintf("usage:%s:day:%s:%s", kind, scope, c.now().UTC().Format("20060102"))
}

func (c *Counters) monthKey(kind, scope string) string {
	return fmt.Sprintf("usage:%s:month:%s:%s", kind, scope, c.now().UTC().Format("200601"))
}

func (c *Counters) hourKey(scope string) string {
	return fmt.Sprintf("usage:reqs:hour:%s:%s", scope, c.now().UTC().Format("2006010215"))
}

func (c *Counters) sessionsKey(scope string) string {
	return fmt.Sprintf("usage:sessions:%s", scope)
}

func (c *Counters) add(ctx context.Context, key string, delta float64, ttl time.Duration) error {
	if err := addScript.Run(ctx, c.redis, []string{key}, delta, int(ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("failed to add usage counter %s: %w", key, err)
	}
	return nil
}

// AddUsage accumulates tokens and cost into the scope's daily and monthly
// windows.
func (c *Counters) AddUsage(ctx context.Context, scope string, tokens int64, costUSD float64) error {
	if err := c.add(ctx, c.dayKey("tokens", scope), float64(tokens), dayKeyTTL); err != nil {
		return err
	}
	if err := c.add(ctx, c.monthKey("tokens", scope), float64(tokens), monthKeyTTL); err != nil {
		return err
	}
	if err := c.add(ctx, c.dayKey("cost", scope), costUSD, dayKeyTTL); err != nil {
		return err
	}
	return c.add(ctx, c.monthKey("cost", scope), costUSD, monthKeyTTL)
}

func (c *Counters) getFloat(ctx context.Context, key string) (float64, error) {
	val, err := c.redis.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return val, nil
}

// Totals reads the scope's current consumption across all windows.
func (c *Counters) Totals(ctx context.Context, scope string) (Totals, error) {
	var t Totals

	dayTokens, err := c.getFloat(ctx, c.dayKey("tokens", scope))
	if err != nil {
		return t, err
	}
	monthTokens, err := c.getFloat(ctx, c.monthKey("tokens", scope))
	if err != nil {
		return t, err
	}
	t.DailyTokens = int64(dayTokens)
	t.MonthlyTokens = int64(monthTokens)

	if t.DailyCostUSD, err = c.getFloat(ctx, c.dayKey("cost", scope)); err != nil {
		return t, err
	}
	if t.MonthlyCostUSD, err = c.getFloat(ctx, c.monthKey("cost", scope)); err != nil {
		return t, err
	}

	hourReqs, err := c.getFloat(ctx, c.hourKey(scope))
	if err != nil {
		return t, err
	}
	t.HourRequests = int64(hourReqs)

	return t, nil
}

// CountRequest bumps the scope's fixed-hour request window and returns the
// new count.
func (c *Counters) CountRequest(ctx context.Context, scope string) (int64, error) {
	key := c.hourKey(scope)
	count, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count request: %w", err)
	}
	if count == 1 {
		// First hit in this window sets the expiry.
		if err := c.redis.Expire(ctx, key, hourKeyTTL).Err(); err != nil {
			return count, fmt.Errorf("failed to expire request window: %w", err)
		}
	}
	return count, nil
}

// AcquireSession claims a concurrent-session slot. It returns false when the
// scope is already at max. The slot key expires after ttl as a guard against
// leaked slots from crashed streams.
func (c *Counters) AcquireSession(ctx context.Context, scope string, max int, ttl time.Duration) (bool, error) {
	if max <= 0 {
		return true, nil
	}

	key := c.sessionsKey(scope)
	count, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire session slot: %w", err)
	}
	if err := c.redis.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to expire session slots: %w", err)
	}

	if count > int64(max) {
		// Over the cap: give the slot back.
		if err := c.redis.Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("failed to release rejected slot: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSession returns a concurrent-session slot.
func (c *Counters) ReleaseSession(ctx context.Context, scope string) error {
	key := c.sessionsKey(scope)
	count, err := c.redis.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to release session slot: %w", err)
	}
	if count < 0 {
		// Slot key expired mid-stream; clamp instead of going negative.
		if err := c.redis.Set(ctx, key, 0, hourKeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to clamp session slots: %w", err)
		}
	}
	return nil
}

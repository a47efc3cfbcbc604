package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamKimtaerin/ecg-backend/internal/config"
	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// periodRetention keeps old period counters around for reconciliation.
const periodRetention = 7 * 24 * time.Hour

// chargeScript increments today's counter unless usage already reached the
// limit. Running as a single script keeps concurrent completions from
// overrunning by more than one charge. Returns {charged, newUsed}.
var chargeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[2])
if used >= limit then
  return {0, used}
end
local new = redis.call('INCRBY', KEYS[1], ARGV[1])
if new == tonumber(ARGV[1]) then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return {1, new}
`)

// RedisLedger keeps one incrementable counter per calendar day under
// quota:youtube:<yyyy-mm-dd>. Old period keys are never rewritten.
type RedisLedger struct {
	redis      *redis.Client
	limit      int64
	uploadCost int64
	loc        *time.Location
}

func NewRedisLedger(redisClient *redis.Client, cfg *config.YouTubeConfig) *RedisLedger {
	return &RedisLedger{
		redis:      redisClient,
		limit:      cfg.QuotaLimit,
		uploadCost: cfg.UploadCost,
		loc:        loadLocation(cfg.Timezone),
	}
}

func (l *RedisLedger) GetUsage(ctx context.Context) (*model.QuotaStatus, error) {
	used, err := l.redis.Get(ctx, l.key()).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return usageStatus(used, l.limit, l.uploadCost), nil
}

func (l *RedisLedger) Charge(ctx context.Context, cost int64) error {
	res, err := chargeScript.Run(ctx, l.redis, []string{l.key()},
		cost, l.limit, int64(periodRetention.Seconds())).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to charge quota: %w", err)
	}

	if len(res) == 2 && res[0] == 0 {
		// Upload already succeeded upstream; under-counting is preferred
		// over blocking, so record the discrepancy and move on.
		log.Printf("[Quota] charge of %d skipped, usage %d already at limit %d (reconcile manually)",
			cost, res[1], l.limit)
		return nil
	}

	if len(res) == 2 {
		log.Printf("[Quota] charged %d units, period %s now at %d/%d", cost, l.key(), res[1], l.limit)
	}
	return nil
}

func (l *RedisLedger) key() string {
	return fmt.Sprintf("quota:youtube:%s", periodKey(time.Now(), l.loc))
}

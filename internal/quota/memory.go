package quota

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// MemoryLedger is an in-process Ledger for tests and Redis-less development.
// Usage is kept per period key so midnight rollover behaves like the Redis
// implementation: the first access after rollover sees a fresh counter.
type MemoryLedger struct {
	mu         sync.Mutex
	used       map[string]int64
	limit      int64
	uploadCost int64
	loc        *time.Location
	now        func() time.Time
}

func NewMemoryLedger(limit, uploadCost int64) *MemoryLedger {
	return &MemoryLedger{
		used:       make(map[string]int64),
		limit:      limit,
		uploadCost: uploadCost,
		loc:        time.Local,
		now:        time.Now,
	}
}

func (l *MemoryLedger) GetUsage(ctx context.Context) (*model.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return usageStatus(l.used[l.key()], l.limit, l.uploadCost), nil
}

func (l *MemoryLedger) Charge(ctx context.Context, cost int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.key()
	if l.used[key] >= l.limit {
		log.Printf("[Quota] charge of %d skipped, usage %d already at limit %d (reconcile manually)",
			cost, l.used[key], l.limit)
		return nil
	}
	l.used[key] += cost
	return nil
}

func (l *MemoryLedger) key() string {
	return periodKey(l.now(), l.loc)
}

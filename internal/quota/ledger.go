// Package quota tracks the daily YouTube API budget. The ledger is the single
// source of truth for admission: Submit consults GetUsage before creating a
// job, and a successful upload charges its cost exactly once on completion.
package quota

import (
	"context"
	"time"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// Ledger tracks consumable API units per calendar day.
type Ledger interface {
	// GetUsage reports the current period's consumption. The CanUpload flag
	// is advisory: admission checks it, but the charge itself re-validates.
	GetUsage(ctx context.Context) (*model.QuotaStatus, error)
	// Charge increments today's usage by cost. It fails only on storage
	// errors, never on insufficient quota; an increment that would start
	// past the daily limit is skipped and logged for reconciliation.
	Charge(ctx context.Context, cost int64) error
}

// periodKey identifies the quota period for t: one period per calendar day
// in the ledger's timezone, rolling over at local midnight.
func periodKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// usageStatus derives the caller-facing quota fields from a raw counter.
func usageStatus(used, limit, uploadCost int64) *model.QuotaStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &model.QuotaStatus{
		Used:             used,
		Limit:            limit,
		Remaining:        remaining,
		CanUpload:        remaining >= uploadCost,
		UploadsAvailable: remaining / uploadCost,
	}
}

// loadLocation resolves a config timezone name, treating "Local" and the
// empty string as the host timezone.
func loadLocation(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// Package store persists upload job records. Jobs are keyed by id and
// written as whole snapshots; the service layer owns all state transitions.
package store

import (
	"context"
	"errors"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("upload not found")

// JobStore is the durable record of every upload attempt.
type JobStore interface {
	// Create persists a new job record.
	Create(ctx context.Context, job *model.UploadJob) error
	// Get returns a snapshot of the job, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.UploadJob, error)
	// Save overwrites the job record.
	Save(ctx context.Context, job *model.UploadJob) error
	// SaveIfRunning overwrites the record only while the stored state is
	// non-terminal, and reports whether the write happened. Racing terminal
	// transitions resolve in favor of whichever committed first.
	SaveIfRunning(ctx context.Context, job *model.UploadJob) (bool, error)
}

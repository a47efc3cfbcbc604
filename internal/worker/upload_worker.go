package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/service"
	"github.com/teamKimtaerin/ecg-backend/internal/transfer"
)

// UploadWorker processes upload tasks: it runs the transfer engine for one
// job and feeds every chunk/terminal event back through the service, which
// owns the state machine. When no engine is configured (no YouTube
// credential), it falls back to a deterministic mock progression.
type UploadWorker struct {
	uploadService *service.UploadService
	engine        *transfer.Engine
}

// NewUploadWorker creates a new upload worker. A nil engine selects the mock
// transfer path.
func NewUploadWorker(uploadService *service.UploadService, engine *transfer.Engine) *UploadWorker {
	return &UploadWorker{
		uploadService: uploadService,
		engine:        engine,
	}
}

// ProcessTask handles one queued upload.
func (w *UploadWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	uploadID := taskPayload.UploadID
	log.Printf("Starting upload job: %s", uploadID)

	job, err := w.uploadService.Job(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", uploadID, err)
	}
	if job.State.Terminal() {
		// Cancelled before the task was picked up.
		return nil
	}

	if err := w.uploadService.MarkUploading(ctx, uploadID); err != nil {
		log.Printf("Failed to mark job %s uploading: %v", uploadID, err)
	}

	if w.engine == nil {
		err = w.processWithMock(ctx, job)
	} else {
		err = w.processWithEngine(ctx, job)
	}

	w.uploadService.DiscardSource(ctx, job)
	return err
}

// processWithEngine runs the real chunked transfer.
func (w *UploadWorker) processWithEngine(ctx context.Context, job *model.UploadJob) error {
	onProgress := func(percent int) {
		if err := w.uploadService.UpdateProgress(ctx, job.ID, percent); err != nil {
			log.Printf("Failed to update progress for job %s: %v", job.ID, err)
		}
	}
	cancelled := func() bool {
		return w.uploadService.IsCancelled(ctx, job.ID)
	}

	result, err := w.engine.Run(ctx, job, onProgress, cancelled)
	if err != nil {
		if errors.Is(err, transfer.ErrCancelled) {
			// Cancel already committed the terminal state.
			log.Printf("Upload job %s cancelled", job.ID)
			return nil
		}
		w.failJob(ctx, job.ID, err.Error())
		return err
	}

	if err := w.uploadService.CompleteUpload(ctx, job.ID, result.VideoID); err != nil {
		w.failJob(ctx, job.ID, "Failed to save result")
		return err
	}

	log.Printf("Upload job %s completed, video %s", job.ID, result.VideoID)
	return nil
}

// processWithMock simulates the transfer for development and e2e runs where
// no YouTube credential is configured.
func (w *UploadWorker) processWithMock(ctx context.Context, job *model.UploadJob) error {
	for progress := 10; progress < 100; progress += 15 {
		select {
		case <-ctx.Done():
			log.Printf("Upload job %s interrupted", job.ID)
			return ctx.Err()
		default:
		}
		if w.uploadService.IsCancelled(ctx, job.ID) {
			log.Printf("Upload job %s cancelled (mock)", job.ID)
			return nil
		}

		if err := w.uploadService.UpdateProgress(ctx, job.ID, progress); err != nil {
			log.Printf("Failed to update progress for job %s: %v", job.ID, err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	videoID := fmt.Sprintf("test_video_%s", shortID(job.ID))
	if err := w.uploadService.CompleteUpload(ctx, job.ID, videoID); err != nil {
		w.failJob(ctx, job.ID, "Failed to save result")
		return err
	}

	log.Printf("Upload job %s completed (mock)", job.ID)
	return nil
}

func (w *UploadWorker) failJob(ctx context.Context, uploadID, errMsg string) {
	if err := w.uploadService.FailUpload(ctx, uploadID, errMsg); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", uploadID, err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/quota"
	"github.com/teamKimtaerin/ecg-backend/internal/stage"
	"github.com/teamKimtaerin/ecg-backend/internal/store"
)

const TaskTypeYouTubeUpload = "youtube:upload"

// ErrQuotaExhausted rejects a submission when the daily budget cannot cover
// another upload. No job is created and nothing is charged.
var ErrQuotaExhausted = errors.New("daily youtube quota exhausted")

// UploadService orchestrates upload jobs: admission, persistence, dispatch to
// the transfer worker and the state machine around both.
type UploadService struct {
	store       store.JobStore
	ledger      quota.Ledger
	stage       stage.Stage
	asynqClient *asynq.Client
	validate    *validator.Validate
	uploadCost  int64
}

func NewUploadService(jobStore store.JobStore, ledger quota.Ledger, st stage.Stage, asynqClient *asynq.Client, validate *validator.Validate, uploadCost int64) *UploadService {
	return &UploadService{
		store:       jobStore,
		ledger:      ledger,
		stage:       st,
		asynqClient: asynqClient,
		validate:    validate,
		uploadCost:  uploadCost,
	}
}

// SubmitFile admits a multipart video payload: validates metadata, checks the
// quota gate, stages the payload and enqueues the transfer. Returns as soon
// as the job is queued.
func (s *UploadService) SubmitFile(ctx context.Context, filename string, file io.Reader, meta *model.VideoMetadata) (*model.UploadSubmitResponse, error) {
	if err := s.admit(ctx, meta); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	key := stageKey(jobID, filename)

	if _, err := s.stage.Put(ctx, key, file); err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}

	source := model.UploadSource{Kind: model.SourceStaged, StageKey: key}
	resp, err := s.launch(ctx, jobID, source, meta)
	if err != nil {
		// Admission failed after staging; leave no residue behind.
		if rmErr := s.stage.Remove(ctx, key); rmErr != nil {
			log.Printf("[Upload] failed to remove staged payload %s: %v", key, rmErr)
		}
		return nil, err
	}
	return resp, nil
}

// SubmitURL admits an upload whose payload is fetched from a remote URL
// (typically a rendered video) by the worker.
func (s *UploadService) SubmitURL(ctx context.Context, videoURL string, meta *model.VideoMetadata) (*model.UploadSubmitResponse, error) {
	if err := s.validate.Var(videoURL, "required,url"); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, meta); err != nil {
		return nil, err
	}

	source := model.UploadSource{Kind: model.SourceURL, URL: videoURL}
	return s.launch(ctx, uuid.New().String(), source, meta)
}

// admit runs the synchronous Submit checks: metadata validation first, then
// the advisory quota gate. Fails fast with no side effects.
func (s *UploadService) admit(ctx context.Context, meta *model.VideoMetadata) error {
	if meta.Visibility == "" {
		meta.Visibility = "private"
	}
	if meta.CategoryID == "" {
		meta.CategoryID = "22" // People & Blogs
	}
	if err := s.validate.Struct(meta); err != nil {
		return err
	}

	usage, err := s.ledger.GetUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if !usage.CanUpload {
		return fmt.Errorf("%w: %d units remaining, %d required", ErrQuotaExhausted, usage.Remaining, s.uploadCost)
	}
	return nil
}

// launch persists the job in preparing state and enqueues the transfer task.
func (s *UploadService) launch(ctx context.Context, jobID string, source model.UploadSource, meta *model.VideoMetadata) (*model.UploadSubmitResponse, error) {
	job := &model.UploadJob{
		ID:        jobID,
		State:     model.UploadStatePreparing,
		Progress:  0,
		Source:    source,
		Metadata:  *meta,
		QuotaCost: s.uploadCost,
		CreatedAt: time.Now(),
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newUploadTask(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The engine owns its bounded per-chunk retry; re-running a whole
	// upload at the queue level would double-send.
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("upload"),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		errMsg := fmt.Sprintf("failed to queue upload: %v", err)
		s.terminate(ctx, job, model.UploadStateFailed, &errMsg)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.UploadSubmitResponse{
		UploadID: jobID,
		Status:   model.UploadStatePreparing,
		Message:  "Upload accepted, poll status for progress.",
	}, nil
}

// GetStatus returns the polling snapshot for one upload.
func (s *UploadService) GetStatus(ctx context.Context, uploadID string) (*model.UploadStatusResponse, error) {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return model.StatusFromJob(job), nil
}

// GetQuota reports the daily budget.
func (s *UploadService) GetQuota(ctx context.Context) (*model.QuotaStatus, error) {
	return s.ledger.GetUsage(ctx)
}

// Cancel transitions a non-terminal job to cancelled and discards its staged
// payload. Cancelling a terminal job is an idempotent no-op that returns the
// committed snapshot — including when the terminal transition lands between
// Cancel's read and its write.
func (s *UploadService) Cancel(ctx context.Context, uploadID string) (*model.UploadStatusResponse, error) {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if job.State.Terminal() {
		return model.StatusFromJob(job), nil
	}

	if !s.terminate(ctx, job, model.UploadStateCancelled, nil) {
		// A terminal transition won the race; report what committed.
		committed, err := s.store.Get(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		return model.StatusFromJob(committed), nil
	}

	s.DiscardSource(ctx, job)
	log.Printf("[Upload] job %s cancelled", uploadID)
	return model.StatusFromJob(job), nil
}

// Worker callback path. Every write below goes through the store's guarded
// save, which refuses to overwrite a committed terminal state, so a cancel
// racing a completion resolves in favor of whichever committed first.

// MarkUploading moves a preparing job to uploading.
func (s *UploadService) MarkUploading(ctx context.Context, uploadID string) error {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if job.State != model.UploadStatePreparing {
		return nil
	}
	job.State = model.UploadStateUploading
	_, err = s.store.SaveIfRunning(ctx, job)
	return err
}

// UpdateProgress advances the job's progress. Regressions and updates on
// terminal jobs are dropped, keeping progress monotonically non-decreasing.
func (s *UploadService) UpdateProgress(ctx context.Context, uploadID string, percent int) error {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if job.State.Terminal() || percent <= job.Progress {
		return nil
	}
	job.Progress = percent
	_, err = s.store.SaveIfRunning(ctx, job)
	return err
}

// CompleteUpload records the final video id and charges the quota. The charge
// happens only when the completed state actually committed: a cancel that won
// the race leaves the job uncharged. A ledger failure is logged but never
// flips a completed upload to failed.
func (s *UploadService) CompleteUpload(ctx context.Context, uploadID, videoID string) error {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	job.VideoID = videoID
	job.Progress = 100
	if !s.terminate(ctx, job, model.UploadStateCompleted, nil) {
		return nil
	}

	if err := s.ledger.Charge(ctx, job.QuotaCost); err != nil {
		log.Printf("[Upload] job %s completed but quota charge failed, reconcile manually: %v", uploadID, err)
	}
	return nil
}

// FailUpload records a terminal failure with its error detail.
func (s *UploadService) FailUpload(ctx context.Context, uploadID, errMsg string) error {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	if errMsg == "" {
		errMsg = "upload failed"
	}
	s.terminate(ctx, job, model.UploadStateFailed, &errMsg)
	return nil
}

// IsCancelled is the worker's cooperative cancellation signal, polled
// between chunks.
func (s *UploadService) IsCancelled(ctx context.Context, uploadID string) bool {
	job, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return false
	}
	return job.State == model.UploadStateCancelled
}

// Job returns the raw record for the worker.
func (s *UploadService) Job(ctx context.Context, uploadID string) (*model.UploadJob, error) {
	return s.store.Get(ctx, uploadID)
}

// DiscardSource removes a staged payload once the job is terminal. Remote
// URL sources have nothing staged at this layer.
func (s *UploadService) DiscardSource(ctx context.Context, job *model.UploadJob) {
	if job.Source.Kind != model.SourceStaged {
		return
	}
	if err := s.stage.Remove(ctx, job.Source.StageKey); err != nil {
		log.Printf("[Upload] failed to remove staged payload %s: %v", job.Source.StageKey, err)
	}
}

// terminate attempts to commit a terminal transition and reports whether it
// won: the guarded save refuses when another terminal state committed first.
func (s *UploadService) terminate(ctx context.Context, job *model.UploadJob, state model.UploadState, errMsg *string) bool {
	job.State = state
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now

	committed, err := s.store.SaveIfRunning(ctx, job)
	if err != nil {
		log.Printf("[Upload] failed to save terminal state %s for job %s: %v", state, job.ID, err)
		return false
	}
	if !committed {
		log.Printf("[Upload] job %s already terminal, %s transition dropped", job.ID, state)
	}
	return committed
}

func stageKey(jobID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("uploads/%s%s", jobID, ext)
}

func newUploadTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]interface{}{
		"uploadId": jobID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeYouTubeUpload, data), nil
}

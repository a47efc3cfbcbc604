package worker

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamKimtaerin/ecg-backend/internal/client"
	"github.com/teamKimtaerin/ecg-backend/internal/config"
	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/quota"
	"github.com/teamKimtaerin/ecg-backend/internal/service"
	"github.com/teamKimtaerin/ecg-backend/internal/stage"
	"github.com/teamKimtaerin/ecg-backend/internal/store"
	"github.com/teamKimtaerin/ecg-backend/internal/transfer"
)

const chunkBytes = 1 << 20 // engine minimum chunk size

// fakePlatform acknowledges chunks in memory. failAtChunk injects failErr on
// the Nth chunk; afterChunk runs after each successful acknowledgment.
type fakePlatform struct {
	videoID     string
	failAtChunk int
	failErr     error
	afterChunk  func(chunk int)
	chunks      int
}

func (f *fakePlatform) CreateUploadSession(ctx context.Context, meta *model.VideoMetadata, totalBytes int64) (*client.UploadSession, error) {
	return &client.UploadSession{URI: "fake://session"}, nil
}

func (f *fakePlatform) UploadChunk(ctx context.Context, session *client.UploadSession, chunk []byte, offset, totalBytes int64) (*client.ChunkResult, error) {
	f.chunks++
	if f.failAtChunk > 0 && f.chunks == f.failAtChunk {
		return nil, f.failErr
	}
	if f.afterChunk != nil {
		defer f.afterChunk(f.chunks)
	}

	next := offset + int64(len(chunk))
	if next >= totalBytes {
		return &client.ChunkResult{NextOffset: totalBytes, Done: true, VideoID: f.videoID}, nil
	}
	return &client.ChunkResult{NextOffset: next}, nil
}

type workerFixture struct {
	svc      *service.UploadService
	store    *store.MemoryStore
	ledger   *quota.MemoryLedger
	stage    *stage.DiskStage
	stageDir string
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	stageDir := t.TempDir()
	st, err := stage.NewDiskStage(stageDir)
	require.NoError(t, err)

	jobStore := store.NewMemoryStore()
	ledger := quota.NewMemoryLedger(10000, 1600)
	return &workerFixture{
		svc:      service.NewUploadService(jobStore, ledger, st, nil, validator.New(), 1600),
		store:    jobStore,
		ledger:   ledger,
		stage:    st,
		stageDir: stageDir,
	}
}

func (f *workerFixture) newEngineWorker(t *testing.T, platform client.VideoPlatform) *UploadWorker {
	t.Helper()
	cfg := &config.YouTubeConfig{ChunkSizeMiB: 1, MaxAttempts: 3}
	engine := transfer.NewEngine(platform, f.stage, cfg, t.TempDir())
	return NewUploadWorker(f.svc, engine)
}

// stageJob stores a payload of n chunks and creates the matching job record.
func (f *workerFixture) stageJob(t *testing.T, id string, nChunks int) {
	t.Helper()
	ctx := context.Background()

	key := "uploads/" + id + ".mp4"
	payload := bytes.Repeat([]byte{0x5A}, nChunks*chunkBytes)
	_, err := f.stage.Put(ctx, key, bytes.NewReader(payload))
	require.NoError(t, err)

	require.NoError(t, f.store.Create(ctx, &model.UploadJob{
		ID:        id,
		State:     model.UploadStatePreparing,
		Source:    model.UploadSource{Kind: model.SourceStaged, StageKey: key},
		Metadata:  model.VideoMetadata{Title: "Demo", Visibility: "private"},
		QuotaCost: 1600,
	}))
}

func uploadTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	return asynq.NewTask(service.TaskTypeYouTubeUpload, []byte(`{"uploadId":"`+id+`"}`))
}

func (f *workerFixture) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.stageDir + "/uploads")
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestProcessTask_CompletesUpload(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.stageJob(t, "job-1", 3)

	platform := &fakePlatform{videoID: "yt-live-1"}
	w := f.newEngineWorker(t, platform)

	require.NoError(t, w.ProcessTask(ctx, uploadTask(t, "job-1")))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "yt-live-1", job.VideoID)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 3, platform.chunks)

	// Quota charged once on success, staged payload gone.
	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), usage.Used)
	assert.Zero(t, f.stagedFiles(t))
}

func TestProcessTask_FatalErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.stageJob(t, "job-1", 5)

	platform := &fakePlatform{
		failAtChunk: 3,
		failErr:     &client.TransferError{StatusCode: 403, Message: "quotaExceeded", Retryable: false},
	}
	w := f.newEngineWorker(t, platform)

	err := w.ProcessTask(ctx, uploadTask(t, "job-1"))
	require.Error(t, err)

	job, getErr := f.store.Get(ctx, "job-1")
	require.NoError(t, getErr)
	assert.Equal(t, model.UploadStateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "quotaExceeded")

	// A failed upload charges nothing and leaves no staged payload behind.
	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
	assert.Zero(t, f.stagedFiles(t))
}

func TestProcessTask_CancelDuringTransfer(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.stageJob(t, "job-1", 4)

	platform := &fakePlatform{videoID: "yt-never"}
	platform.afterChunk = func(chunk int) {
		if chunk == 2 {
			_, err := f.svc.Cancel(ctx, "job-1")
			require.NoError(t, err)
		}
	}
	w := f.newEngineWorker(t, platform)

	// Cancellation is not a processing failure; the task is consumed.
	require.NoError(t, w.ProcessTask(ctx, uploadTask(t, "job-1")))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, job.State)
	assert.Empty(t, job.VideoID)
	assert.LessOrEqual(t, platform.chunks, 3)

	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestProcessTask_TerminalBeforePickup(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	require.NoError(t, f.store.Create(ctx, &model.UploadJob{
		ID:    "job-1",
		State: model.UploadStateCancelled,
	}))

	platform := &fakePlatform{videoID: "yt-never"}
	w := f.newEngineWorker(t, platform)

	require.NoError(t, w.ProcessTask(ctx, uploadTask(t, "job-1")))
	assert.Zero(t, platform.chunks)

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, job.State)
}

func TestProcessTask_MockPathCompletes(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	require.NoError(t, f.store.Create(ctx, &model.UploadJob{
		ID:        "job-1",
		State:     model.UploadStatePreparing,
		Source:    model.UploadSource{Kind: model.SourceURL, URL: "https://cdn.example.com/out.mp4"},
		Metadata:  model.VideoMetadata{Title: "Demo", Visibility: "private"},
		QuotaCost: 1600,
	}))

	w := NewUploadWorker(f.svc, nil) // no engine: mock progression
	require.NoError(t, w.ProcessTask(ctx, uploadTask(t, "job-1")))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "test_video_job-1", job.VideoID)
}

func TestProcessTask_BadPayload(t *testing.T) {
	f := newWorkerFixture(t)
	w := NewUploadWorker(f.svc, nil)

	task := asynq.NewTask(service.TaskTypeYouTubeUpload, []byte("not-json"))
	assert.Error(t, w.ProcessTask(context.Background(), task))
}

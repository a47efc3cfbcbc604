package service

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/quota"
	"github.com/teamKimtaerin/ecg-backend/internal/stage"
	"github.com/teamKimtaerin/ecg-backend/internal/store"
)

type serviceFixture struct {
	svc      *UploadService
	store    *store.MemoryStore
	ledger   *quota.MemoryLedger
	stage    *stage.DiskStage
	stageDir string
}

// newFixture wires the service over in-memory backends. The asynq client is
// nil: submission tests here only exercise paths that reject before enqueue.
func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	stageDir := t.TempDir()
	st, err := stage.NewDiskStage(stageDir)
	require.NoError(t, err)

	jobStore := store.NewMemoryStore()
	ledger := quota.NewMemoryLedger(10000, 1600)
	return &serviceFixture{
		svc:      NewUploadService(jobStore, ledger, st, nil, validator.New(), 1600),
		store:    jobStore,
		ledger:   ledger,
		stage:    st,
		stageDir: stageDir,
	}
}

func (f *serviceFixture) createJob(t *testing.T, job *model.UploadJob) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), job))
}

func validMetadata() *model.VideoMetadata {
	return &model.VideoMetadata{Title: "Demo Video", Visibility: "private"}
}

func TestSubmit_EmptyTitleRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	meta := &model.VideoMetadata{Title: "", Visibility: "private"}
	_, err := f.svc.SubmitURL(ctx, "https://cdn.example.com/out.mp4", meta)
	require.Error(t, err)

	var vErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &vErrs)

	// Nothing was created or charged.
	assert.Equal(t, 0, f.store.Len())
	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestSubmit_TitleTooLongRejected(t *testing.T) {
	f := newFixture(t)

	meta := &model.VideoMetadata{Title: strings.Repeat("a", 101), Visibility: "private"}
	_, err := f.svc.SubmitURL(context.Background(), "https://cdn.example.com/out.mp4", meta)

	var vErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &vErrs)
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmit_InvalidVisibilityRejected(t *testing.T) {
	f := newFixture(t)

	meta := &model.VideoMetadata{Title: "Demo", Visibility: "everyone"}
	_, err := f.svc.SubmitURL(context.Background(), "https://cdn.example.com/out.mp4", meta)

	var vErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &vErrs)
}

func TestSubmit_MalformedURLRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitURL(context.Background(), "not a url", validMetadata())
	require.Error(t, err)

	var vErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &vErrs)
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmit_DefaultsApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Charge(ctx, 10000))

	meta := &model.VideoMetadata{Title: "Demo"}
	_, err := f.svc.SubmitURL(ctx, "https://cdn.example.com/out.mp4", meta)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	// Defaults are filled in before validation runs.
	assert.Equal(t, "private", meta.Visibility)
	assert.Equal(t, "22", meta.CategoryID)
}

func TestSubmit_QuotaExhaustedRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 800 units remaining cannot cover a 1600-unit upload.
	require.NoError(t, f.ledger.Charge(ctx, 9200))

	_, err := f.svc.SubmitURL(ctx, "https://cdn.example.com/out.mp4", validMetadata())
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, f.store.Len())

	// The rejection itself consumed nothing.
	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9200), usage.Used)
}

func TestSubmitFile_QuotaGateRunsBeforeStaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Charge(ctx, 10000))

	_, err := f.svc.SubmitFile(ctx, "clip.mp4", bytes.NewReader([]byte("data")), validMetadata())
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	// Nothing staged for the rejected submission.
	entries, err := os.ReadDir(f.stageDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancel_RunningJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := "uploads/job-1.mp4"
	_, err := f.stage.Put(ctx, key, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	f.createJob(t, &model.UploadJob{
		ID:       "job-1",
		State:    model.UploadStateUploading,
		Progress: 40,
		Source:   model.UploadSource{Kind: model.SourceStaged, StageKey: key},
	})

	snap, err := f.svc.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, snap.Status)
	assert.NotEmpty(t, snap.CompletedAt)

	// Staged payload is gone.
	_, _, openErr := f.stage.Open(ctx, key)
	assert.Error(t, openErr)
}

func TestCancel_TerminalJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{
		ID:       "job-done",
		State:    model.UploadStateCompleted,
		Progress: 100,
		VideoID:  "yt-final",
	})

	snap, err := f.svc.Cancel(ctx, "job-done")
	require.NoError(t, err)

	// The committed outcome is returned untouched.
	assert.Equal(t, model.UploadStateCompleted, snap.Status)
	assert.Equal(t, "yt-final", snap.VideoID)

	job, err := f.store.Get(ctx, "job-done")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, job.State)
}

func TestCancel_TwiceReturnsSameSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStatePreparing})

	first, err := f.svc.Cancel(ctx, "job-1")
	require.NoError(t, err)
	second, err := f.svc.Cancel(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, model.UploadStateCancelled, first.Status)
	assert.Equal(t, model.UploadStateCancelled, second.Status)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

// hookedStore runs a callback once after the next Get, opening the
// get-to-save window for race tests.
type hookedStore struct {
	store.JobStore
	afterGet func()
}

func (h *hookedStore) Get(ctx context.Context, id string) (*model.UploadJob, error) {
	job, err := h.JobStore.Get(ctx, id)
	if h.afterGet != nil {
		hook := h.afterGet
		h.afterGet = nil
		hook()
	}
	return job, err
}

func newRaceFixture(t *testing.T) (*UploadService, *hookedStore, *store.MemoryStore, *quota.MemoryLedger) {
	t.Helper()
	base := store.NewMemoryStore()
	hooked := &hookedStore{JobStore: base}
	ledger := quota.NewMemoryLedger(10000, 1600)
	st, err := stage.NewDiskStage(t.TempDir())
	require.NoError(t, err)
	svc := NewUploadService(hooked, ledger, st, nil, validator.New(), 1600)
	return svc, hooked, base, ledger
}

func TestCancel_LosesRaceToCompletion(t *testing.T) {
	ctx := context.Background()
	svc, hooked, base, ledger := newRaceFixture(t)
	require.NoError(t, base.Create(ctx, &model.UploadJob{
		ID:        "job-1",
		State:     model.UploadStateUploading,
		QuotaCost: 1600,
	}))

	// The worker commits completion inside Cancel's get-to-save window.
	hooked.afterGet = func() {
		require.NoError(t, svc.CompleteUpload(ctx, "job-1", "yt-final"))
	}

	snap, err := svc.Cancel(ctx, "job-1")
	require.NoError(t, err)

	// The committed completion wins; Cancel reports it instead of
	// overwriting it.
	assert.Equal(t, model.UploadStateCompleted, snap.Status)
	assert.Equal(t, "yt-final", snap.VideoID)

	job, err := base.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, job.State)

	usage, err := ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), usage.Used)
}

func TestCompleteUpload_LosesRaceToCancel(t *testing.T) {
	ctx := context.Background()
	svc, hooked, base, ledger := newRaceFixture(t)
	require.NoError(t, base.Create(ctx, &model.UploadJob{
		ID:        "job-1",
		State:     model.UploadStateUploading,
		QuotaCost: 1600,
	}))

	// Cancel commits inside CompleteUpload's get-to-save window.
	hooked.afterGet = func() {
		_, err := svc.Cancel(ctx, "job-1")
		require.NoError(t, err)
	}

	require.NoError(t, svc.CompleteUpload(ctx, "job-1", "yt-late"))

	job, err := base.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, job.State)
	assert.Empty(t, job.VideoID)

	// A cancelled job charges nothing, even when completion raced it.
	usage, err := ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkUploading_OnlyFromPreparing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStatePreparing})
	f.createJob(t, &model.UploadJob{ID: "job-2", State: model.UploadStateCancelled})

	require.NoError(t, f.svc.MarkUploading(ctx, "job-1"))
	require.NoError(t, f.svc.MarkUploading(ctx, "job-2"))

	job1, _ := f.store.Get(ctx, "job-1")
	job2, _ := f.store.Get(ctx, "job-2")
	assert.Equal(t, model.UploadStateUploading, job1.State)
	assert.Equal(t, model.UploadStateCancelled, job2.State)
}

func TestUpdateProgress_DropsRegressions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStateUploading, Progress: 40})

	require.NoError(t, f.svc.UpdateProgress(ctx, "job-1", 60))
	require.NoError(t, f.svc.UpdateProgress(ctx, "job-1", 30)) // stale update

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 60, job.Progress)
}

func TestUpdateProgress_IgnoredOnTerminalJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStateCancelled, Progress: 40})

	require.NoError(t, f.svc.UpdateProgress(ctx, "job-1", 80))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)
}

func TestCompleteUpload_ChargesQuotaOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStateUploading, QuotaCost: 1600})

	require.NoError(t, f.svc.CompleteUpload(ctx, "job-1", "yt-abc"))
	// A duplicate completion is a no-op on a terminal job.
	require.NoError(t, f.svc.CompleteUpload(ctx, "job-1", "yt-other"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, job.State)
	assert.Equal(t, "yt-abc", job.VideoID)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)

	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), usage.Used)
}

func TestFailUpload_NoQuotaCharged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStateUploading, QuotaCost: 1600})

	require.NoError(t, f.svc.FailUpload(ctx, "job-1", "youtube API error (status 403): quotaExceeded"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "quotaExceeded")

	usage, err := f.ledger.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestFailUpload_DoesNotOverwriteCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-1", State: model.UploadStateCancelled})

	require.NoError(t, f.svc.FailUpload(ctx, "job-1", "late engine failure"))

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, job.State)
	assert.Nil(t, job.Error)
}

func TestGetStatus_CompletedSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{
		ID:       "job-1",
		State:    model.UploadStateCompleted,
		Progress: 100,
		VideoID:  "yt-abc",
	})

	snap, err := f.svc.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "https://www.youtube.com/watch?v=yt-abc", snap.VideoURL)
	assert.Equal(t, "https://studio.youtube.com/video/yt-abc/edit", snap.StudioURL)
}

func TestGetStatus_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createJob(t, &model.UploadJob{ID: "job-run", State: model.UploadStateUploading})
	f.createJob(t, &model.UploadJob{ID: "job-cancel", State: model.UploadStateCancelled})

	assert.False(t, f.svc.IsCancelled(ctx, "job-run"))
	assert.True(t, f.svc.IsCancelled(ctx, "job-cancel"))
	assert.False(t, f.svc.IsCancelled(ctx, "missing"))
}

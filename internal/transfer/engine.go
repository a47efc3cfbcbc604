// Package transfer streams a staged or remote video payload to YouTube in
// fixed-size chunks over a resumable session, retrying transient failures
// per chunk with exponential backoff.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/teamKimtaerin/ecg-backend/internal/client"
	"github.com/teamKimtaerin/ecg-backend/internal/config"
	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/stage"
)

// ErrCancelled is returned when the cancellation signal stops a run between
// chunks. In-flight chunk I/O always completes or fails on its own first.
var ErrCancelled = errors.New("upload cancelled")

// ProgressFunc receives the cumulative progress percentage after each
// acknowledged chunk. Values are non-decreasing and reach 100 only on the
// final acknowledgment.
type ProgressFunc func(percent int)

// CancelFunc is polled between chunks; returning true stops the run.
type CancelFunc func() bool

// Result is a successful transfer outcome.
type Result struct {
	VideoID string
}

// Engine performs the chunked resumable upload for one job at a time.
type Engine struct {
	platform    client.VideoPlatform
	stage       stage.Stage
	httpClient  *http.Client
	tempDir     string
	chunkSize   int64
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewEngine creates a transfer engine over the given platform client.
func NewEngine(platform client.VideoPlatform, st stage.Stage, cfg *config.YouTubeConfig, tempDir string) *Engine {
	chunkMiB := cfg.ChunkSizeMiB
	if chunkMiB <= 0 {
		chunkMiB = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{
		platform:    platform,
		stage:       st,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		tempDir:     tempDir,
		chunkSize:   int64(chunkMiB) * 1024 * 1024,
		maxAttempts: maxAttempts,
		retryBase:   time.Second,
		retryCap:    30 * time.Second,
	}
}

// Run uploads the job's payload and reports progress through onProgress.
// Cancellation is cooperative: cancelled is checked between chunks only.
func (e *Engine) Run(ctx context.Context, job *model.UploadJob, onProgress ProgressFunc, cancelled CancelFunc) (*Result, error) {
	body, totalBytes, cleanup, err := e.openSource(ctx, &job.Source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if totalBytes <= 0 {
		return nil, fmt.Errorf("source payload is empty")
	}

	session, err := e.platform.CreateUploadSession(ctx, &job.Metadata, totalBytes)
	if err != nil {
		return nil, err
	}

	log.Printf("[Transfer] job %s: %d bytes in %d-byte chunks", job.ID, totalBytes, e.chunkSize)

	buf := make([]byte, e.chunkSize)
	var offset int64
	held := 0 // bytes at the front of buf sent but not yet acknowledged

	for offset < totalBytes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if cancelled != nil && cancelled() {
			log.Printf("[Transfer] job %s: cancelled at offset %d", job.ID, offset)
			return nil, ErrCancelled
		}

		want := e.chunkSize
		if remaining := totalBytes - offset; remaining < want {
			want = remaining
		}
		if int64(held) < want {
			n, err := io.ReadFull(body, buf[held:int(want)])
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				err = nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read source at offset %d: %w", offset, err)
			}
			held += n
		}
		if held == 0 {
			return nil, fmt.Errorf("source truncated at offset %d of %d", offset, totalBytes)
		}

		res, err := e.sendChunk(ctx, session, buf[:held], offset, totalBytes)
		if err != nil {
			return nil, err
		}

		acked := res.NextOffset - offset
		if acked < 0 || acked > int64(held) {
			return nil, fmt.Errorf("session acknowledged offset %d outside the sent range %d-%d",
				res.NextOffset, offset, offset+int64(held))
		}
		// A short acknowledgment means the session persisted only a prefix of
		// the chunk; the unacked tail is resent from the new offset.
		if acked < int64(held) && !res.Done {
			log.Printf("[Transfer] job %s: session persisted %d of %d bytes at offset %d, resending the rest",
				job.ID, acked, held, offset)
			copy(buf, buf[acked:held])
		}
		held -= int(acked)
		offset = res.NextOffset

		if onProgress != nil {
			onProgress(progressPercent(offset, totalBytes, res.Done))
		}

		if res.Done {
			return &Result{VideoID: res.VideoID}, nil
		}
	}

	return nil, fmt.Errorf("session ended at offset %d without a final acknowledgment", offset)
}

// sendChunk uploads one chunk, retrying the same bytes on transient errors
// with exponential backoff. Fatal errors are surfaced verbatim.
func (e *Engine) sendChunk(ctx context.Context, session *client.UploadSession, chunk []byte, offset, totalBytes int64) (*client.ChunkResult, error) {
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retryBase << uint(attempt)
			if delay > e.retryCap {
				delay = e.retryCap
			}
			log.Printf("[Transfer] retrying chunk at offset %d (attempt %d/%d) after %s: %v",
				offset, attempt+1, e.maxAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := e.platform.UploadChunk(ctx, session, chunk, offset, totalBytes)
		if err == nil {
			return res, nil
		}
		if !client.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("chunk at offset %d failed after %d attempts: %w", offset, e.maxAttempts, lastErr)
}

// progressPercent clamps to 99 until the final chunk is acknowledged.
func progressPercent(sent, total int64, done bool) int {
	if done {
		return 100
	}
	pct := int(100 * sent / total)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// openSource resolves the job's payload to a sequential reader with a known
// size. Remote URLs are staged to a local temp file first; the returned
// cleanup runs on every exit path.
func (e *Engine) openSource(ctx context.Context, src *model.UploadSource) (io.ReadCloser, int64, func(), error) {
	switch src.Kind {
	case model.SourceStaged:
		body, size, err := e.stage.Open(ctx, src.StageKey)
		if err != nil {
			return nil, 0, nil, err
		}
		return body, size, func() { body.Close() }, nil

	case model.SourceURL:
		return e.downloadToTemp(ctx, src.URL)

	default:
		return nil, 0, nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// downloadToTemp fetches a remote payload into a temp file owned by this run.
func (e *Engine) downloadToTemp(ctx context.Context, url string) (io.ReadCloser, int64, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, nil, fmt.Errorf("source download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(e.tempDir, "ytupload-*.mp4")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	discard := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		discard()
		return nil, 0, nil, fmt.Errorf("failed to stage source download: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, 0, nil, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	log.Printf("[Transfer] staged %d bytes from %s to %s", size, url, tmp.Name())
	return tmp, size, discard, nil
}

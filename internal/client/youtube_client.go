package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teamKimtaerin/ecg-backend/internal/config"
	"github.com/teamKimtaerin/ecg-backend/internal/model"
)

// VideoPlatform defines the resumable-upload operations the transfer engine
// is built on.
type VideoPlatform interface {
	CreateUploadSession(ctx context.Context, meta *model.VideoMetadata, totalBytes int64) (*UploadSession, error)
	UploadChunk(ctx context.Context, session *UploadSession, chunk []byte, offset, totalBytes int64) (*ChunkResult, error)
}

// CredentialProvider supplies an already-valid access token per upload call.
// Token acquisition and refresh live in the external OAuth component.
type CredentialProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticCredentials serves a fixed token from configuration.
type StaticCredentials struct {
	Token string
}

func (c *StaticCredentials) AccessToken(ctx context.Context) (string, error) {
	if c.Token == "" {
		return "", errors.New("youtube access token not configured")
	}
	return c.Token, nil
}

// UploadSession is an open resumable-upload session on YouTube's side.
type UploadSession struct {
	URI string
}

// ChunkResult is the platform's acknowledgment of one chunk.
type ChunkResult struct {
	NextOffset int64
	Done       bool
	VideoID    string
}

// TransferError is a classified platform error. Retryable errors (5xx,
// connection resets) are retried chunk-by-chunk by the transfer engine;
// everything else aborts the upload immediately.
type TransferError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("youtube API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("youtube transport error: %s", e.Message)
}

// IsRetryable reports whether the transfer engine may retry the same chunk.
func IsRetryable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// YouTubeClient implements VideoPlatform against the Data API v3
// resumable-upload protocol.
type YouTubeClient struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialProvider
}

// NewYouTubeClient creates a new YouTube upload client.
func NewYouTubeClient(cfg *config.YouTubeConfig, creds CredentialProvider) *YouTubeClient {
	return &YouTubeClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			// 308 is the resumable protocol's chunk ack, not a redirect.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: strings.TrimRight(cfg.UploadBaseURL, "/"),
		creds:   creds,
	}
}

// IsConfigured returns true if the client can obtain a credential.
func (c *YouTubeClient) IsConfigured() bool {
	if c.creds == nil {
		return false
	}
	_, err := c.creds.AccessToken(context.Background())
	return err == nil
}

// sessionBody mirrors the videos.insert metadata payload.
type sessionBody struct {
	Snippet struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags,omitempty"`
		CategoryID  string   `json:"categoryId,omitempty"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus string `json:"privacyStatus"`
	} `json:"status"`
}

// CreateUploadSession opens a resumable session and returns its upload URI.
func (c *YouTubeClient) CreateUploadSession(ctx context.Context, meta *model.VideoMetadata, totalBytes int64) (*UploadSession, error) {
	var body sessionBody
	body.Snippet.Title = meta.Title
	body.Snippet.Description = meta.Description
	body.Snippet.Tags = meta.Tags
	body.Snippet.CategoryID = meta.CategoryID
	body.Status.PrivacyStatus = meta.Visibility

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session body: %w", err)
	}

	url := c.baseURL + "/videos?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create session request: %w", err)
	}

	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(totalBytes, 10))
	req.Header.Set("X-Upload-Content-Type", "video/*")

	log.Printf("[YouTube API] → POST %s (%d bytes to follow)", url, totalBytes)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		return nil, &TransferError{StatusCode: resp.StatusCode, Message: "session response missing Location header"}
	}

	log.Printf("[YouTube API] ← %d session opened", resp.StatusCode)
	return &UploadSession{URI: sessionURI}, nil
}

// UploadChunk sends one chunk at the given offset. A 308 acknowledges the
// chunk and carries the next offset; a 2xx carries the final video resource.
func (c *YouTubeClient) UploadChunk(ctx context.Context, session *UploadSession, chunk []byte, offset, totalBytes int64) (*ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.URI, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk request: %w", err)
	}

	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	last := offset + int64(len(chunk)) - 1
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, last, totalBytes))
	req.ContentLength = int64(len(chunk))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPermanentRedirect: // 308 Resume Incomplete
		next := parseRangeEnd(resp.Header.Get("Range"))
		if next == 0 {
			next = offset + int64(len(chunk))
		}
		return &ChunkResult{NextOffset: next}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var video struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
			return nil, fmt.Errorf("failed to decode final video resource: %w", err)
		}
		log.Printf("[YouTube API] ← %d upload finalized, video %s", resp.StatusCode, video.ID)
		return &ChunkResult{NextOffset: totalBytes, Done: true, VideoID: video.ID}, nil

	default:
		return nil, classifyStatus(resp)
	}
}

// parseRangeEnd extracts the next offset from a "bytes=0-12345" Range header.
func parseRangeEnd(header string) int64 {
	if header == "" {
		return 0
	}
	idx := strings.LastIndex(header, "-")
	if idx < 0 {
		return 0
	}
	end, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return end + 1
}

// classifyStatus turns a non-success response into a TransferError. 5xx is
// transient; auth failures, remote quota rejections and malformed requests
// are fatal and surfaced verbatim.
func classifyStatus(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(respBody))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	retryable := resp.StatusCode == http.StatusInternalServerError ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout

	log.Printf("[YouTube API] ✗ %d (retryable=%t): %s", resp.StatusCode, retryable, msg)

	return &TransferError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  retryable,
	}
}

// transportError classifies a failed round trip. Connection-level failures
// are retryable; a cancelled context is not.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Printf("[YouTube API] ✗ request failed: %v", err)
	return &TransferError{Message: err.Error(), Retryable: true}
}

package model

import (
	"fmt"
	"time"
)

// UploadState is the lifecycle state of an upload job.
type UploadState string

const (
	UploadStatePreparing UploadState = "preparing"
	UploadStateUploading UploadState = "uploading"
	UploadStateCompleted UploadState = "completed"
	UploadStateFailed    UploadState = "failed"
	UploadStateCancelled UploadState = "cancelled"
)

// Terminal reports whether no further transition can happen from this state.
func (s UploadState) Terminal() bool {
	return s == UploadStateCompleted || s == UploadStateFailed || s == UploadStateCancelled
}

// Source kinds
type SourceKind string

const (
	SourceStaged SourceKind = "staged" // payload staged by the API before enqueueing
	SourceURL    SourceKind = "url"    // remote URL, downloaded by the worker
)

// UploadSource identifies where the video payload comes from.
// Exactly one of StageKey or URL is set, depending on Kind.
type UploadSource struct {
	Kind     SourceKind `json:"kind"`
	StageKey string     `json:"stageKey,omitempty"`
	URL      string     `json:"url,omitempty"`
}

// VideoMetadata is the YouTube metadata submitted with an upload.
// CategoryID defaults to "22" (People & Blogs) when omitted.
type VideoMetadata struct {
	Title       string   `json:"title" validate:"required,min=1,max=100"`
	Description string   `json:"description" validate:"max=5000"`
	Tags        []string `json:"tags" validate:"max=500"`
	CategoryID  string   `json:"categoryId" validate:"omitempty,numeric"`
	Visibility  string   `json:"visibility" validate:"required,oneof=private unlisted public"`
}

// UploadJob is one attempt to transfer a single video to YouTube.
// Created by Submit, mutated only by the worker callback path and Cancel,
// never mutated after reaching a terminal state.
type UploadJob struct {
	ID          string        `json:"id"`
	State       UploadState   `json:"state"`
	Progress    int           `json:"progress"`
	Source      UploadSource  `json:"source"`
	Metadata    VideoMetadata `json:"metadata"`
	VideoID     string        `json:"videoId,omitempty"`
	Error       *string       `json:"error,omitempty"`
	QuotaCost   int64         `json:"quotaCost"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// UploadURLRequest is the JSON body for uploading a rendered video by URL.
type UploadURLRequest struct {
	VideoURL string        `json:"videoUrl" validate:"required,url"`
	Metadata VideoMetadata `json:"metadata"`
}

// UploadSubmitResponse is returned immediately after a submission is accepted.
type UploadSubmitResponse struct {
	UploadID string      `json:"upload_id"`
	Status   UploadState `json:"status"`
	Message  string      `json:"message"`
}

// UploadStatusResponse is the polling snapshot for one upload.
type UploadStatusResponse struct {
	UploadID    string      `json:"upload_id"`
	Status      UploadState `json:"status"`
	Progress    int         `json:"progress"`
	VideoID     string      `json:"video_id,omitempty"`
	VideoURL    string      `json:"video_url,omitempty"`
	StudioURL   string      `json:"studio_url,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   string      `json:"created_at,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
}

// StatusFromJob builds the polling snapshot for a job, deriving the watch
// and Studio URLs once a video id exists.
func StatusFromJob(job *UploadJob) *UploadStatusResponse {
	resp := &UploadStatusResponse{
		UploadID:  job.ID,
		Status:    job.State,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}
	if job.Error != nil {
		resp.Error = *job.Error
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if job.VideoID != "" {
		resp.VideoID = job.VideoID
		resp.VideoURL = fmt.Sprintf("https://www.youtube.com/watch?v=%s", job.VideoID)
		resp.StudioURL = fmt.Sprintf("https://studio.youtube.com/video/%s/edit", job.VideoID)
	}
	return resp
}

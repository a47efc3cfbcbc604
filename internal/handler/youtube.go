package handler

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/teamKimtaerin/ecg-backend/internal/model"
	"github.com/teamKimtaerin/ecg-backend/internal/service"
	"github.com/teamKimtaerin/ecg-backend/internal/store"
	"github.com/teamKimtaerin/ecg-backend/pkg/response"
)

// allowed video container extensions for multipart submissions
var allowedVideoExt = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

type YouTubeHandler struct {
	service     *service.UploadService
	maxFileSize int64
}

func NewYouTubeHandler(svc *service.UploadService, maxFileSizeMB int) *YouTubeHandler {
	return &YouTubeHandler{
		service:     svc,
		maxFileSize: int64(maxFileSizeMB) * 1024 * 1024,
	}
}

// Upload handles POST /api/youtube/upload
// @Summary      Submit a video upload
// @Description  Accepts a multipart file (field "file" + JSON "metadata" field) or a JSON body with a videoUrl, and queues an asynchronous upload to YouTube
// @Tags         YouTube
// @Accept       json
// @Accept       multipart/form-data
// @Produce      json
// @Success      202 {object} model.UploadSubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/youtube/upload [post]
func (h *YouTubeHandler) Upload(c *fiber.Ctx) error {
	if file, err := c.FormFile("file"); err == nil {
		return h.uploadFile(c, file)
	}
	return h.uploadURL(c)
}

func (h *YouTubeHandler) uploadFile(c *fiber.Ctx, file *multipart.FileHeader) error {
	if file.Size > h.maxFileSize {
		return response.ValidationError(c, "File exceeds the maximum upload size", map[string]interface{}{
			"maxSize":  h.maxFileSize,
			"fileSize": file.Size,
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedVideoExt[ext] {
		return response.ValidationError(c, "Unsupported file type. Supported: mp4, mov, avi, mkv", map[string]interface{}{
			"filename": file.Filename,
		})
	}

	metadataJSON := c.FormValue("metadata")
	if metadataJSON == "" {
		return response.ValidationError(c, "metadata form field is required", nil)
	}
	var meta model.VideoMetadata
	if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
		return response.ValidationError(c, "Invalid metadata JSON", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open uploaded file")
	}
	defer f.Close()

	result, err := h.service.SubmitFile(c.Context(), file.Filename, f, &meta)
	if err != nil {
		return h.submitError(c, err)
	}

	return response.Accepted(c, result)
}

func (h *YouTubeHandler) uploadURL(c *fiber.Ctx) error {
	var req model.UploadURLRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if req.VideoURL == "" {
		return response.ValidationError(c, "A video file or videoUrl is required", nil)
	}

	result, err := h.service.SubmitURL(c.Context(), req.VideoURL, &req.Metadata)
	if err != nil {
		return h.submitError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/youtube/status/:uploadId
// @Summary      Get upload status
// @Description  Poll the progress snapshot of an upload until it reaches a terminal state
// @Tags         YouTube
// @Produce      json
// @Param        uploadId path string true "Upload ID"
// @Success      200 {object} model.UploadStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/youtube/status/{uploadId} [get]
func (h *YouTubeHandler) Status(c *fiber.Ctx) error {
	uploadID := c.Params("uploadId")
	if uploadID == "" {
		return response.ValidationError(c, "Upload ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Upload not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Quota handles GET /api/youtube/quota
// @Summary      Get quota status
// @Description  Report the daily YouTube API budget and how many uploads it still admits
// @Tags         YouTube
// @Produce      json
// @Success      200 {object} model.QuotaStatus
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/youtube/quota [get]
func (h *YouTubeHandler) Quota(c *fiber.Ctx) error {
	result, err := h.service.GetQuota(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles DELETE /api/youtube/cancel/:uploadId
// @Summary      Cancel an upload
// @Description  Stop a queued or running upload at the next chunk boundary; cancelling a finished upload is a no-op
// @Tags         YouTube
// @Produce      json
// @Param        uploadId path string true "Upload ID"
// @Success      200 {object} model.UploadStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/youtube/cancel/{uploadId} [delete]
func (h *YouTubeHandler) Cancel(c *fiber.Ctx) error {
	uploadID := c.Params("uploadId")
	if uploadID == "" {
		return response.ValidationError(c, "Upload ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Upload not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// submitError maps Submit failures onto the response envelope.
func (h *YouTubeHandler) submitError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrQuotaExhausted) {
		return response.QuotaExhausted(c, err.Error())
	}
	if _, ok := err.(validator.ValidationErrors); ok {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}

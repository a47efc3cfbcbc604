package model

// QuotaStatus reports the daily YouTube API budget for the current period.
type QuotaStatus struct {
	Used             int64 `json:"used"`
	Limit            int64 `json:"limit"`
	Remaining        int64 `json:"remaining"`
	CanUpload        bool  `json:"can_upload"`
	UploadsAvailable int64 `json:"uploads_available"`
}

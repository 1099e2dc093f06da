package api

import "github.com/jo-hoe/clipwatch/internal/jobs"

// JobOptions are the processing options shared by single and batch submissions.
type JobOptions struct {
	ClipCount          int    `json:"clipCount,omitempty"`
	ClipDuration       int    `json:"clipDuration,omitempty"`
	Platform           string `json:"platform,omitempty"`
	UseSmartDetection  *bool  `json:"useSmartDetection,omitempty"`
	DetectionMode      string `json:"detectionMode,omitempty"`
	EnableSubtitles    *bool  `json:"enableSubtitles,omitempty"`
	SubtitleStyle      string `json:"subtitleStyle,omitempty"`
	EnableFaceTracking *bool  `json:"enableFaceTracking,omitempty"`
}

type CreateJobRequest struct {
	URL string `json:"url"`
	JobOptions
}

type CreateJobResponse struct {
	JobID         string  `json:"jobId"`
	VideoTitle    string  `json:"videoTitle"`
	VideoDuration float64 `json:"videoDuration"`
	Thumbnail     string  `json:"thumbnail,omitempty"`
	ClipCount     int     `json:"clipCount"`
	ClipDuration  int     `json:"clipDuration"`
	Platform      string  `json:"platform"`
	Status        string  `json:"status"`
}

type CreateBatchRequest struct {
	URLs []string `json:"urls"`
	JobOptions
}

// BatchJob is one accepted entry of a batch submission.
type BatchJob struct {
	JobID         string  `json:"jobId"`
	VideoTitle    string  `json:"videoTitle"`
	VideoDuration float64 `json:"videoDuration"`
	Thumbnail     string  `json:"thumbnail,omitempty"`
}

// BatchRejection is a URL the service refused while creating a batch.
type BatchRejection struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

type CreateBatchResponse struct {
	BatchID     string           `json:"batchId"`
	Jobs        []BatchJob       `json:"jobs"`
	Errors      []BatchRejection `json:"errors"`
	TotalQueued int              `json:"totalQueued"`
	TotalFailed int              `json:"totalFailed"`
}

// ActionResponse acknowledges retry and delete.
// OK is absent when the service only sends a message.
type ActionResponse struct {
	OK      *bool  `json:"ok,omitempty"`
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// refused reports whether the service answered 2xx but declined the action.
func (r *ActionResponse) refused() bool {
	return r.OK != nil && !*r.OK
}

// CleanupResult is the service's report of a forced cleanup.
type CleanupResult struct {
	Removed          int   `json:"removed"`
	DownloadsRemoved int   `json:"downloadsRemoved"`
	OutputRemoved    int   `json:"outputRemoved"`
	BytesFreed       int64 `json:"bytesFreed,omitempty"`
}

type ListQuery struct {
	Status string
	Page   int
	Limit  int
}

type JobPage struct {
	Jobs  []jobs.ListedJob `json:"jobs"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

type DiskUsage struct {
	Downloads int64 `json:"downloads"`
	Output    int64 `json:"output"`
	Total     int64 `json:"total"`
}

type Stats struct {
	Total             int       `json:"total"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	Active            int       `json:"active"`
	Waiting           int       `json:"waiting"`
	JobsToday         int       `json:"jobsToday"`
	AvgProcessingTime float64   `json:"avgProcessingTime"`
	DiskUsage         DiskUsage `json:"diskUsage"`
}

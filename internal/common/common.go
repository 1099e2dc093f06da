package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key"   // #nosec G101 - header name constant, not a credential
	HeaderAdminKey  = "X-Admin-Key" // #nosec G101 - header name constant, not a credential
	HeaderRequestID = "X-Request-ID"
	ContentTypeJSON = "application/json"
	MimeVideoMP4    = "video/mp4"
	MimeVideoMOV    = "video/quicktime"
	MimeVideoWebM   = "video/webm"
	MimeOctetStream = "application/octet-stream"
)

// Processing service paths
const (
	PathJobs         = "/jobs"
	PathBatch        = "/batch"
	PathAdminJobs    = "/admin/jobs"
	PathAdminCleanup = "/admin/cleanup"
	PathAdminStats   = "/admin/stats"
	PathClips        = "/clips"
	SuffixRetry      = "retry"
)

// Local bridge paths
const (
	PathHealthz       = "/healthz"
	PathWatchJobs     = "/v1/watch/jobs"
	PathWatchBatches  = "/v1/watch/batches"
	PathBridgeAdmin   = "/v1/admin"
	PathBridgeJobs    = PathBridgeAdmin + "/jobs"
	PathBridgeCleanup = PathBridgeAdmin + "/cleanup"
	PathBridgeStats   = PathBridgeAdmin + "/stats"
)

// Defaults and limits
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 10 * time.Minute
	MaxBatchSize        = 20
	DefaultPageSize     = 20
	SQLiteBusyTimeoutMS = 5000
	InMemoryListingDSN  = ":memory:"
	DefaultDownloadsDir = "clips"
	DefaultMaxClipBytes = 512 * 1024 * 1024
)

// Status strings used in server responses and callbacks
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAll       = "all"
)

package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Stage represents the lifecycle stage reported by the processing service for a job.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageDownloading  Stage = "downloading"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageFaceTracking Stage = "face_tracking"
	StageSubtitling   Stage = "subtitling"
	StageClipping     Stage = "clipping"
	StageUploading    Stage = "uploading"
	StageReady        Stage = "ready"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// canonicalOrder is the expected forward order. Optional stages may be skipped by the server.
var canonicalOrder = []Stage{
	StageQueued,
	StageDownloading,
	StageTranscribing,
	StageAnalyzing,
	StageFaceTracking,
	StageSubtitling,
	StageClipping,
	StageUploading,
	StageReady,
	StageCompleted,
}

// Outcome is the coarse lifecycle position of a stage.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// SuccessKind distinguishes the two synonymous success terminals.
type SuccessKind int

const (
	SuccessNone SuccessKind = iota
	SuccessReady
	SuccessCompleted
)

// Outcome maps a stage to its tagged outcome. Unknown stages are in progress.
func (s Stage) Outcome() Outcome {
	switch s {
	case StageReady, StageCompleted:
		return OutcomeSuccess
	case StageFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// SuccessKind returns which success alias the server used, or SuccessNone.
func (s Stage) SuccessKind() SuccessKind {
	switch s {
	case StageReady:
		return SuccessReady
	case StageCompleted:
		return SuccessCompleted
	default:
		return SuccessNone
	}
}

func (s Stage) IsTerminal() bool { return s.Outcome() != OutcomePending }
func (s Stage) IsSuccess() bool  { return s.Outcome() == OutcomeSuccess }
func (s Stage) IsFailed() bool   { return s.Outcome() == OutcomeFailed }

// IsKnown reports whether the stage is one the client knows how to label.
func (s Stage) IsKnown() bool {
	return s == StageFailed || s.Rank() >= 0
}

// Rank is the position in the canonical order, -1 for failed and unknown stages.
// Both success aliases share a rank.
func (s Stage) Rank() int {
	if s == StageCompleted {
		s = StageReady
	}
	for i, st := range canonicalOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// TransitionKind classifies an observed stage change. It is informational only;
// the server's reported stage always wins.
type TransitionKind string

const (
	TransitionSame    TransitionKind = "same"
	TransitionForward TransitionKind = "forward"
	TransitionSkip    TransitionKind = "skip"
	TransitionRegress TransitionKind = "regress"
	TransitionUnknown TransitionKind = "unknown"
)

// Transition classifies prev -> next. It never rejects a transition.
func Transition(prev, next Stage) TransitionKind {
	if prev == next {
		return TransitionSame
	}
	if next == StageFailed && !prev.IsTerminal() {
		return TransitionForward
	}
	pr, nr := prev.Rank(), next.Rank()
	switch {
	case pr < 0 || nr < 0:
		return TransitionUnknown
	case nr == pr:
		return TransitionSame
	case nr == pr+1:
		return TransitionForward
	case nr > pr:
		return TransitionSkip
	default:
		return TransitionRegress
	}
}

// Clip describes one generated clip of a job.
type Clip struct {
	Filename    string  `json:"filename"`
	DownloadURL string  `json:"downloadUrl,omitempty"`
	StartTime   float64 `json:"startTime"`
	Duration    float64 `json:"duration"`
	HookScore   float64 `json:"hookScore"`
}

// JobStatus is an immutable point-in-time snapshot of a job's remote state.
type JobStatus struct {
	ID            string     `json:"jobId"`
	Status        Stage      `json:"status"`
	Progress      int        `json:"progress"`
	VideoTitle    string     `json:"videoTitle,omitempty"`
	VideoID       string     `json:"videoId,omitempty"`
	VideoDuration float64    `json:"videoDuration,omitempty"`
	ClipCount     int        `json:"clipCount,omitempty"`
	Platform      string     `json:"platform,omitempty"`
	Clips         []Clip     `json:"clips"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

var (
	// ErrEmptyClips is a contract violation: a success terminal without any clip.
	ErrEmptyClips           = errors.New("success status without clips")
	ErrUnexpectedClips      = errors.New("clips present before success")
	ErrMissingFailureReason = errors.New("failed status without error message")
	ErrUnexpectedError      = errors.New("error message on non-failed status")
	ErrProgressComplete     = errors.New("progress 100 before success")
)

// QueuedStatus is the placeholder snapshot for a job that has not been polled yet.
func QueuedStatus(id, title string) JobStatus {
	return JobStatus{ID: id, Status: StageQueued, VideoTitle: title}
}

// Normalize clamps progress into 0..100 and never returns a nil clip slice.
func (j JobStatus) Normalize() JobStatus {
	switch {
	case j.Progress < 0:
		j.Progress = 0
	case j.Progress > 100:
		j.Progress = 100
	}
	if j.Clips == nil {
		j.Clips = []Clip{}
	}
	return j
}

// Clone returns a copy that shares no mutable memory with j.
func (j JobStatus) Clone() JobStatus {
	c := j
	c.Clips = append([]Clip(nil), j.Clips...)
	if c.Clips == nil {
		c.Clips = []Clip{}
	}
	if j.CreatedAt != nil {
		t := *j.CreatedAt
		c.CreatedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Validate reports every invariant the server violated in this snapshot.
// It returns nil for a well-formed snapshot. Violations are soft: callers log
// and surface them, they never drop the snapshot.
func (j JobStatus) Validate() error {
	var errs []error
	success := j.Status.IsSuccess()
	if success && len(j.Clips) == 0 {
		errs = append(errs, ErrEmptyClips)
	}
	if !success && len(j.Clips) > 0 {
		errs = append(errs, ErrUnexpectedClips)
	}
	if j.Status.IsFailed() && j.Error == "" {
		errs = append(errs, ErrMissingFailureReason)
	}
	if !j.Status.IsFailed() && j.Error != "" {
		errs = append(errs, ErrUnexpectedError)
	}
	if j.Progress == 100 && !success {
		errs = append(errs, ErrProgressComplete)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("job %s (%s): %w", j.ID, j.Status, errors.Join(errs...))
}

// BatchState is an immutable snapshot of a batch. Counts are always derived from Jobs.
type BatchState struct {
	BatchID   string               `json:"batchId"`
	TotalJobs int                  `json:"totalJobs"`
	Order     []string             `json:"order"`
	Jobs      map[string]JobStatus `json:"jobs"`
}

// NewBatchState creates the eager state with one queued entry per id.
func NewBatchState(batchID string, ids []string, titles map[string]string) BatchState {
	st := BatchState{
		BatchID:   batchID,
		TotalJobs: len(ids),
		Order:     append([]string(nil), ids...),
		Jobs:      make(map[string]JobStatus, len(ids)),
	}
	for _, id := range ids {
		st.Jobs[id] = QueuedStatus(id, titles[id]).Normalize()
	}
	return st
}

// With returns a copy of the state with the snapshot for js.ID replaced.
// Ids outside the batch are ignored.
func (b BatchState) With(js JobStatus) BatchState {
	prev, ok := b.Jobs[js.ID]
	if !ok {
		return b
	}
	// Titles are set once; keep the known one if a snapshot omits it.
	if js.VideoTitle == "" {
		js.VideoTitle = prev.VideoTitle
	}
	out := b.clone()
	out.Jobs[js.ID] = js
	return out
}

func (b BatchState) clone() BatchState {
	out := b
	out.Order = append([]string(nil), b.Order...)
	out.Jobs = make(map[string]JobStatus, len(b.Jobs))
	for k, v := range b.Jobs {
		out.Jobs[k] = v
	}
	return out
}

func (b BatchState) Completed() int {
	n := 0
	for _, j := range b.Jobs {
		if j.Status.IsSuccess() {
			n++
		}
	}
	return n
}

func (b BatchState) Failed() int {
	n := 0
	for _, j := range b.Jobs {
		if j.Status.IsFailed() {
			n++
		}
	}
	return n
}

func (b BatchState) InProgress() int {
	return len(b.Jobs) - b.Completed() - b.Failed()
}

// OverallProgress is the equally weighted mean of job progress, rounded half up.
func (b BatchState) OverallProgress() int {
	if b.TotalJobs <= 0 {
		return 0
	}
	sum := 0
	for _, j := range b.Jobs {
		sum += j.Progress
	}
	return (2*sum + b.TotalJobs) / (2 * b.TotalJobs)
}

// Terminal reports whether every job reached completed/ready or failed.
func (b BatchState) Terminal() bool {
	return b.TotalJobs > 0 && b.Completed()+b.Failed() == b.TotalJobs
}

// Ordered returns the snapshots in submission order.
func (b BatchState) Ordered() []JobStatus {
	out := make([]JobStatus, 0, len(b.Order))
	for _, id := range b.Order {
		if j, ok := b.Jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out
}

// BatchSummary is the JSON view of a BatchState including derived counts.
type BatchSummary struct {
	BatchID         string      `json:"batchId"`
	TotalJobs       int         `json:"totalJobs"`
	Completed       int         `json:"completed"`
	Failed          int         `json:"failed"`
	InProgress      int         `json:"inProgress"`
	OverallProgress int         `json:"overallProgress"`
	Terminal        bool        `json:"terminal"`
	Jobs            []JobStatus `json:"jobs"`
}

// Summary returns a JSON-friendly view with the derived counts filled in.
func (b BatchState) Summary() BatchSummary {
	return BatchSummary{
		BatchID:         b.BatchID,
		TotalJobs:       b.TotalJobs,
		Completed:       b.Completed(),
		Failed:          b.Failed(),
		InProgress:      b.InProgress(),
		OverallProgress: b.OverallProgress(),
		Terminal:        b.Terminal(),
		Jobs:            b.Ordered(),
	}
}

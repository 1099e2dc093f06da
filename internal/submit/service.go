package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/common"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/util"
)

// API is the part of the service client used for submissions.
type API interface {
	jobs.Fetcher
	CreateJob(ctx context.Context, req api.CreateJobRequest) (*api.CreateJobResponse, error)
	CreateBatch(ctx context.Context, req api.CreateBatchRequest) (*api.CreateBatchResponse, error)
}

// ErrAllRejected is returned when the service accepted none of a batch's URLs.
var ErrAllRejected = errors.New("every url of the batch was rejected")

// Service validates submissions, sends them and starts tracking the created jobs.
type Service struct {
	api          API
	registry     *jobs.Registry
	log          *slog.Logger
	poll         jobs.PollerOptions
	maxBatchSize int
}

func NewService(logger *slog.Logger, client API, registry *jobs.Registry, poll jobs.PollerOptions, maxBatchSize int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = jobs.NewRegistry()
	}
	if maxBatchSize <= 0 || maxBatchSize > common.MaxBatchSize {
		maxBatchSize = common.MaxBatchSize
	}
	return &Service{api: client, registry: registry, log: logger, poll: poll, maxBatchSize: maxBatchSize}
}

// JobWatch is a submitted job and its running poller.
type JobWatch struct {
	Job     api.CreateJobResponse
	Poller  *jobs.Poller
	Updates <-chan jobs.Update
}

// BatchReceipt lists what the service accepted and rejected.
type BatchReceipt struct {
	BatchID  string               `json:"batchId"`
	Accepted []api.BatchJob       `json:"accepted"`
	Rejected []api.BatchRejection `json:"rejected"`
}

// BatchWatch is a submitted batch and its running aggregator.
type BatchWatch struct {
	Receipt    BatchReceipt
	Aggregator *jobs.Aggregator
	States     <-chan jobs.BatchState
}

// SubmitOne validates and submits a single URL, then starts polling the new job.
// Polling lives until ctx is cancelled or the job settles.
func (s *Service) SubmitOne(ctx context.Context, rawURL string, opts Options) (*JobWatch, error) {
	if _, err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	wire, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	created, err := s.api.CreateJob(ctx, api.CreateJobRequest{URL: strings.TrimSpace(rawURL), JobOptions: wire})
	if err != nil {
		return nil, err
	}
	s.log.Info("job submitted", "job_id", created.JobID, "title", created.VideoTitle, "clips", created.ClipCount)

	p, updates, err := s.Watch(ctx, created.JobID)
	if err != nil {
		return nil, err
	}
	return &JobWatch{Job: *created, Poller: p, Updates: updates}, nil
}

// Watch starts a registered poller for an existing job id.
func (s *Service) Watch(ctx context.Context, id string) (*jobs.Poller, <-chan jobs.Update, error) {
	p, err := jobs.NewPoller(s.log, s.api, id, s.poll)
	if err != nil {
		return nil, nil, err
	}
	updates, err := p.Start(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.track(p, p.Done())
	return p, updates, nil
}

// SubmitBatch validates the batch size and every URL before anything is sent.
func (s *Service) SubmitBatch(ctx context.Context, urls []string, opts Options) (*BatchWatch, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(urls) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d urls, maximum %d", ErrBatchTooLarge, len(urls), s.maxBatchSize)
	}
	clean := make([]string, len(urls))
	for i, u := range urls {
		if _, err := ValidateURL(u); err != nil {
			return nil, fmt.Errorf("url %d: %w", i+1, err)
		}
		clean[i] = strings.TrimSpace(u)
	}
	wire, err := opts.Resolve()
	if err != nil {
		return nil, err
	}

	created, err := s.api.CreateBatch(ctx, api.CreateBatchRequest{URLs: clean, JobOptions: wire})
	if err != nil {
		return nil, err
	}
	receipt := BatchReceipt{
		BatchID:  created.BatchID,
		Accepted: created.Jobs,
		Rejected: created.Errors,
	}
	if receipt.BatchID == "" {
		receipt.BatchID = util.NewID()
	}
	if receipt.Accepted == nil {
		receipt.Accepted = []api.BatchJob{}
	}
	if receipt.Rejected == nil {
		receipt.Rejected = []api.BatchRejection{}
	}
	for _, r := range receipt.Rejected {
		s.log.Warn("batch url rejected", "batch_id", receipt.BatchID, "index", r.Index, "url", r.URL, "err", r.Error)
	}
	if len(receipt.Accepted) == 0 {
		return nil, fmt.Errorf("%w: %d rejected", ErrAllRejected, len(receipt.Rejected))
	}

	ids := make([]string, 0, len(receipt.Accepted))
	titles := make(map[string]string, len(receipt.Accepted))
	for _, j := range receipt.Accepted {
		ids = append(ids, j.JobID)
		titles[j.JobID] = j.VideoTitle
	}
	agg, err := jobs.NewAggregator(s.log, s.api, receipt.BatchID, ids, titles, jobs.AggregatorOptions{Poll: s.poll, MaxJobs: s.maxBatchSize})
	if err != nil {
		return nil, err
	}
	states, err := agg.Start(ctx)
	if err != nil {
		return nil, err
	}
	s.track(agg, agg.Done())
	s.log.Info("batch submitted", "batch_id", receipt.BatchID, "accepted", len(receipt.Accepted), "rejected", len(receipt.Rejected))
	return &BatchWatch{Receipt: receipt, Aggregator: agg, States: states}, nil
}

// track keeps w in the registry until done is closed.
func (s *Service) track(w jobs.Watcher, done <-chan struct{}) {
	remove := s.registry.Add(w)
	go func() {
		<-done
		remove()
	}()
}

package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/common"
	"github.com/jo-hoe/clipwatch/internal/jobs"
)

// API is the admin surface of the service client.
type API interface {
	Retry(ctx context.Context, id string) (*api.ActionResponse, error)
	Delete(ctx context.Context, id string) (*api.ActionResponse, error)
	Cleanup(ctx context.Context) (*api.CleanupResult, error)
	ListJobs(ctx context.Context, q api.ListQuery) (*api.JobPage, error)
	Stats(ctx context.Context) (*api.Stats, error)
}

// CleanupSummary is the outcome of a forced cleanup.
type CleanupSummary struct {
	Removed          int   `json:"removed"`
	DownloadsRemoved int   `json:"downloadsRemoved"`
	OutputRemoved    int   `json:"outputRemoved"`
	BytesFreed       int64 `json:"bytesFreed"`
	// StatsVersion identifies the stats snapshot taken after the cleanup.
	StatsVersion uint64 `json:"statsVersion"`
}

// CachedPage is a listing page served from the local store.
type CachedPage struct {
	Jobs   []jobs.ListedJob   `json:"jobs"`
	Counts map[jobs.Stage]int `json:"counts"`
	Page   int                `json:"page"`
	Limit  int                `json:"limit"`
}

// Controller runs admin operations and keeps live watchers and the listing
// consistent with their outcome.
type Controller struct {
	api      API
	registry *jobs.Registry
	listing  jobs.Listing
	log      *slog.Logger

	mu           sync.Mutex
	stats        *api.Stats
	statsVersion uint64
}

// NewController wires an admin controller. listing may be nil.
func NewController(logger *slog.Logger, client API, registry *jobs.Registry, listing jobs.Listing) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = jobs.NewRegistry()
	}
	return &Controller{api: client, registry: registry, listing: listing, log: logger}
}

// Retry asks the service to re-run a failed job. Watchers of the job fetch
// again; the new status only ever comes from the server.
func (c *Controller) Retry(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return jobs.ErrEmptyJobID
	}
	if _, err := c.api.Retry(ctx, id); err != nil {
		return err
	}
	n := c.registry.Refresh(id)
	c.log.Info("job retried", "job_id", id, "watchers", n)
	return nil
}

// Delete removes a job on the service, stops its watchers and drops it from the listing.
func (c *Controller) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return jobs.ErrEmptyJobID
	}
	if _, err := c.api.Delete(ctx, id); err != nil {
		return err
	}
	n := c.registry.Forget(id)
	if c.listing != nil {
		if err := c.listing.Remove(id); err != nil {
			c.log.Warn("remove job from listing", "job_id", id, "err", err)
		}
	}
	c.log.Info("job deleted", "job_id", id, "watchers", n)
	return nil
}

// Cleanup forces the service's file sweep and refreshes the cached stats.
// Live pollers are not touched.
func (c *Controller) Cleanup(ctx context.Context) (CleanupSummary, error) {
	c.mu.Lock()
	before := c.stats
	c.mu.Unlock()

	res, err := c.api.Cleanup(ctx)
	if err != nil {
		return CleanupSummary{}, err
	}
	sum := CleanupSummary{
		Removed:          res.Removed,
		DownloadsRemoved: res.DownloadsRemoved,
		OutputRemoved:    res.OutputRemoved,
		BytesFreed:       res.BytesFreed,
	}

	after, err := c.Stats(ctx)
	if err != nil {
		c.log.Warn("refresh stats after cleanup", "err", err)
	} else if sum.BytesFreed == 0 && before != nil && before.DiskUsage.Total > after.DiskUsage.Total {
		sum.BytesFreed = before.DiskUsage.Total - after.DiskUsage.Total
	}
	_, sum.StatsVersion = c.CachedStats()
	c.log.Info("cleanup finished", "removed", sum.Removed, "bytes_freed", sum.BytesFreed)
	return sum, nil
}

// List fetches one page of the service's job listing and records it locally.
func (c *Controller) List(ctx context.Context, q api.ListQuery) (*api.JobPage, error) {
	page, err := c.api.ListJobs(ctx, q)
	if err != nil {
		return nil, err
	}
	if c.listing != nil && len(page.Jobs) > 0 {
		if err := c.listing.Upsert(page.Jobs); err != nil {
			c.log.Warn("record listing page", "err", err)
		}
	}
	return page, nil
}

// Cached serves a listing page from the rows seen so far in this session.
func (c *Controller) Cached(q api.ListQuery) (*CachedPage, error) {
	if c.listing == nil {
		return nil, fmt.Errorf("no listing store configured")
	}
	rows, err := c.listing.Page(q.Status, q.Page, q.Limit)
	if err != nil {
		return nil, err
	}
	counts, err := c.listing.Counts()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = common.DefaultPageSize
	}
	return &CachedPage{Jobs: rows, Counts: counts, Page: max(q.Page, 1), Limit: limit}, nil
}

// Stats fetches fresh stats and caches them under a new version.
func (c *Controller) Stats(ctx context.Context) (*api.Stats, error) {
	st, err := c.api.Stats(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stats = st
	c.statsVersion++
	c.mu.Unlock()
	return st, nil
}

// CachedStats returns the last fetched stats and their version (0 when none).
func (c *Controller) CachedStats() (*api.Stats, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.statsVersion
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jo-hoe/clipwatch/internal/common"
	"github.com/jo-hoe/clipwatch/internal/config"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/util"
)

var _ jobs.Fetcher = (*Client)(nil)

const (
	headerContentType = "Content-Type"
	errorSnippetLimit = 400
	maxResponseBytes  = 8 << 20
)

// Error is a non-2xx answer of the processing service.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("service status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the clip processing service over REST.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	apiKey       string
	adminKey     string
	retryPrefix  string
	deletePrefix string
}

// New creates a client for the configured service.
func New(cfg config.ServiceConfig) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		adminKey:     cfg.AdminKey,
		retryPrefix:  orDefault(cfg.RetryPathPrefix, common.PathAdminJobs),
		deletePrefix: orDefault(cfg.DeletePathPrefix, common.PathAdminJobs),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// CreateJob submits one video.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResponse, error) {
	var out CreateJobResponse
	if err := c.do(ctx, http.MethodPost, common.PathJobs, nil, req, false, &out); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if out.JobID == "" {
		return nil, errors.New("create job: response carries no jobId")
	}
	return &out, nil
}

// CreateBatch submits several videos sharing one set of options.
func (c *Client) CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResponse, error) {
	var out CreateBatchResponse
	if err := c.do(ctx, http.MethodPost, common.PathBatch, nil, req, false, &out); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return &out, nil
}

// GetJob fetches the status document of id.
func (c *Client) GetJob(ctx context.Context, id string) (jobs.JobStatus, error) {
	var out jobs.JobStatus
	if err := c.do(ctx, http.MethodGet, common.PathJobs+"/"+url.PathEscape(id), nil, nil, false, &out); err != nil {
		return jobs.JobStatus{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return out, nil
}

// Retry re-enqueues a failed job.
func (c *Client) Retry(ctx context.Context, id string) (*ActionResponse, error) {
	var out ActionResponse
	p := c.retryPrefix + "/" + url.PathEscape(id) + "/" + common.SuffixRetry
	if err := c.do(ctx, http.MethodPost, p, nil, nil, true, &out); err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	if out.refused() {
		return nil, fmt.Errorf("retry job %s: %w", id, refusal(out))
	}
	return &out, nil
}

// Delete removes a job on the service.
func (c *Client) Delete(ctx context.Context, id string) (*ActionResponse, error) {
	var out ActionResponse
	p := c.deletePrefix + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, p, nil, nil, true, &out); err != nil {
		return nil, fmt.Errorf("delete job %s: %w", id, err)
	}
	if out.refused() {
		return nil, fmt.Errorf("delete job %s: %w", id, refusal(out))
	}
	return &out, nil
}

// Cleanup asks the service to sweep old downloads and output files.
func (c *Client) Cleanup(ctx context.Context) (*CleanupResult, error) {
	var out CleanupResult
	if err := c.do(ctx, http.MethodPost, common.PathAdminCleanup, nil, nil, true, &out); err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	return &out, nil
}

// ListJobs returns one page of the admin jobs listing.
func (c *Client) ListJobs(ctx context.Context, q ListQuery) (*JobPage, error) {
	params := url.Values{}
	if s := strings.TrimSpace(q.Status); s != "" {
		params.Set("status", s)
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var out JobPage
	if err := c.do(ctx, http.MethodGet, common.PathAdminJobs, params, nil, true, &out); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if out.Jobs == nil {
		out.Jobs = []jobs.ListedJob{}
	}
	return &out, nil
}

// Stats returns the service's queue counters and disk usage.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, common.PathAdminStats, nil, nil, true, &out); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &out, nil
}

// OpenClip streams one clip of a finished job. The caller closes the body.
// Downloads are bounded by ctx only, not by the request timeout.
func (c *Client) OpenClip(ctx context.Context, jobID string, clip jobs.Clip) (io.ReadCloser, string, error) {
	u, err := c.clipURL(jobID, clip)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(common.HeaderRequestID, util.NewID())
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(common.HeaderAPIKey, c.apiKey)
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("http do: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*errorSnippetLimit))
		return nil, "", &Error{StatusCode: resp.StatusCode, Message: errorMessage(b)}
	}
	return resp.Body, resp.Header.Get(headerContentType), nil
}

// clipURL resolves a clip's downloadUrl against the base URL, or builds
// /clips/{jobId}/{filename} when the service did not send one.
func (c *Client) clipURL(jobID string, clip jobs.Clip) (string, error) {
	if d := strings.TrimSpace(clip.DownloadURL); d != "" {
		ref, err := url.Parse(d)
		if err != nil {
			return "", fmt.Errorf("parse download url: %w", err)
		}
		base, err := url.Parse(c.baseURL + "/")
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		return base.ResolveReference(ref).String(), nil
	}
	if strings.TrimSpace(clip.Filename) == "" {
		return "", errors.New("clip has neither a download url nor a filename")
	}
	return c.baseURL + common.PathClips + "/" + url.PathEscape(jobID) + "/" + url.PathEscape(clip.Filename), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, admin bool, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, common.ContentTypeJSON)
	}
	req.Header.Set("Accept", common.ContentTypeJSON)
	req.Header.Set(common.HeaderRequestID, util.NewID())
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(common.HeaderAPIKey, c.apiKey)
	}
	if admin && strings.TrimSpace(c.adminKey) != "" {
		req.Header.Set(common.HeaderAdminKey, c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read response: %w", err)
	}
	if len(respBytes) > maxResponseBytes {
		return fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(respBytes)}
	}
	if out == nil || len(bytes.TrimSpace(respBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// refusal turns an {"ok": false} answer into a 409 error.
func refusal(out ActionResponse) *Error {
	msg := strings.TrimSpace(out.Message)
	if msg == "" {
		msg = "request refused by service"
	}
	return &Error{StatusCode: http.StatusConflict, Message: msg}
}

// errorMessage prefers the service's {"error": "..."} body and falls back to raw text.
func errorMessage(body []byte) string {
	var eb struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err == nil && strings.TrimSpace(eb.Error) != "" {
		return eb.Error
	}
	return truncate(strings.TrimSpace(string(body)), errorSnippetLimit)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/clipwatch/internal/admin"
	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/config"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

// processingService is a fake of the remote clip service.
type processingService struct {
	mu      sync.Mutex
	jobs    map[string]jobs.JobStatus
	nextID  int
	created int
	// finish decides the status a queued job reports on GET.
	finish func(id string) jobs.JobStatus
}

func newProcessingService() *processingService {
	return &processingService{
		jobs: make(map[string]jobs.JobStatus),
		finish: func(id string) jobs.JobStatus {
			return jobs.JobStatus{ID: id, Status: jobs.StageCompleted, Progress: 100, Clips: []jobs.Clip{{Filename: id + "-1.mp4"}}}
		},
	}
}

func (p *processingService) newJob(title string) string {
	p.nextID++
	p.created++
	id := fmt.Sprintf("j%d", p.nextID)
	p.jobs[id] = jobs.JobStatus{ID: id, Status: jobs.StageQueued, VideoTitle: title}
	return id
}

func (p *processingService) set(st jobs.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[st.ID] = st
}

// hold keeps queued jobs queued instead of finishing them on GET.
func (p *processingService) hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish = nil
}

// finishWith replaces the status queued jobs report on GET.
func (p *processingService) finishWith(f func(id string) jobs.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish = f
}

func (p *processingService) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *processingService) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		id := p.newJob("Talk")
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.CreateJobResponse{JobID: id, VideoTitle: "Talk", ClipCount: 3, Status: "queued"})
	})
	m.HandleFunc("POST /batch", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := api.CreateBatchResponse{BatchID: "b1"}
		p.mu.Lock()
		for i := range req.URLs {
			title := fmt.Sprintf("Video %d", i)
			out.Jobs = append(out.Jobs, api.BatchJob{JobID: p.newJob(title), VideoTitle: title})
		}
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(out)
	})
	m.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		st, ok := p.jobs[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Job not found"}`))
			return
		}
		if st.Status == jobs.StageQueued && p.finish != nil {
			st = p.finish(st.ID)
			p.jobs[st.ID] = st
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	m.HandleFunc("POST /admin/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		id := r.PathValue("id")
		st, ok := p.jobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Job not found"}`))
			return
		}
		if st.Status != jobs.StageFailed {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Job is not in failed state"}`))
			return
		}
		p.jobs[id] = jobs.JobStatus{ID: id, Status: jobs.StageQueued}
		_, _ = w.Write([]byte(`{"message":"Job queued for retry","jobId":"` + id + `"}`))
	})
	m.HandleFunc("DELETE /admin/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.jobs, r.PathValue("id"))
		_, _ = w.Write([]byte(`{"message":"Job removed"}`))
	})
	m.HandleFunc("POST /admin/cleanup", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"removed":4,"downloadsRemoved":1,"outputRemoved":3,"bytesFreed":2048}`))
	})
	m.HandleFunc("GET /admin/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total":2,"completed":1,"failed":1,"diskUsage":{"total":4096}}`))
	})
	m.HandleFunc("GET /admin/jobs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs":[{"id":"j9","videoTitle":"Old","status":"completed","progress":100,"clipCount":2,"createdAt":"2026-01-01T00:00:00Z"}],"total":1,"page":1,"limit":20}`))
	})
	return m
}

type bridge struct {
	url     string
	service *processingService
	tracker *Tracker
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	ps := newProcessingService()
	upstream := httptest.NewServer(ps.handler())
	t.Cleanup(upstream.Close)

	cfg, err := config.Parse([]byte(fmt.Sprintf("service:\n  baseUrl: %q\n  timeout: 2s\npolling:\n  interval: 10ms\n  maxWait: -1s\nserver:\n  maxBodySize: 4Ki\n", upstream.URL)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := api.New(cfg.Service)
	registry := jobs.NewRegistry()
	listing, err := jobs.NewSQLiteListing(cfg.Listing.DatabasePath)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	t.Cleanup(func() { _ = listing.Close() })

	sub := submit.NewService(logger, client, registry, jobs.PollerOptions{Interval: cfg.Polling.Interval, MaxWait: cfg.Polling.MaxWait}, cfg.Polling.MaxBatchSize)
	tracker := NewTracker(logger, registry, sub.Watch)
	t.Cleanup(func() { tracker.Shutdown(time.Second) })
	svc := &Service{
		Log:     logger,
		Cfg:     cfg,
		Submit:  sub,
		Admin:   admin.NewController(logger, client, registry, listing),
		Tracker: tracker,
	}
	ts := httptest.NewServer(NewHandler(svc))
	t.Cleanup(ts.Close)
	return &bridge{url: ts.URL, service: ps, tracker: tracker}
}

func (b *bridge) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, b.url+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (b *bridge) waitJob(t *testing.T, id string, cond func(JobView) bool) JobView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, data := b.do(t, http.MethodGet, "/v1/watch/jobs/"+id, nil)
		if resp.StatusCode == http.StatusOK {
			var v JobView
			if err := json.Unmarshal(data, &v); err != nil {
				t.Fatalf("decode job view: %v", err)
			}
			if cond(v) {
				return v
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: condition not met, last body %s", id, data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	b := newBridge(t)
	resp, data := b.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("healthz: %d %s", resp.StatusCode, data)
	}
}

func TestWatchJob_SubmitAndFollow(t *testing.T) {
	b := newBridge(t)
	resp, data := b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"url": "https://youtu.be/abc", "clipCount": 2})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body=%s", resp.StatusCode, data)
	}
	var created watchJobResponse
	_ = json.Unmarshal(data, &created)
	if created.JobID != "j1" || created.WatchURL != "/v1/watch/jobs/j1" {
		t.Fatalf("unexpected response: %+v", created)
	}
	v := b.waitJob(t, "j1", func(v JobView) bool { return v.Result == "terminal" })
	if v.Status == nil || v.Status.Status != jobs.StageCompleted || len(v.Status.Clips) != 1 {
		t.Fatalf("final view: %+v", v)
	}

	resp, _ = b.do(t, http.MethodDelete, "/v1/watch/jobs/j1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unwatch status = %d", resp.StatusCode)
	}
	resp, _ = b.do(t, http.MethodGet, "/v1/watch/jobs/j1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unwatched job still served: %d", resp.StatusCode)
	}
}

func TestWatchJob_ValidationErrors(t *testing.T) {
	b := newBridge(t)
	resp, data := b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"url": "https://vimeo.com/1"})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "invalid YouTube URL") {
		t.Fatalf("invalid url: %d %s", resp.StatusCode, data)
	}
	resp, _ = b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"url": "https://youtu.be/a", "clipDuration": 5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid options: %d", resp.StatusCode)
	}
	resp, _ = b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"url": strings.Repeat("x", 8192)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body: %d", resp.StatusCode)
	}
	if n := b.service.createdCount(); n != 0 {
		t.Fatalf("invalid submissions reached the service: %d", n)
	}
}

func TestWatchBatch(t *testing.T) {
	b := newBridge(t)
	urls := make([]string, 21)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://youtu.be/v%d", i)
	}
	resp, _ := b.do(t, http.MethodPost, "/v1/watch/batches", map[string]any{"urls": urls})
	if resp.StatusCode != http.StatusBadRequest || b.service.createdCount() != 0 {
		t.Fatalf("21 urls: status %d, created %d", resp.StatusCode, b.service.createdCount())
	}

	resp, data := b.do(t, http.MethodPost, "/v1/watch/batches", map[string]any{"urls": urls[:2]})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch status = %d body=%s", resp.StatusCode, data)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, data = b.do(t, http.MethodGet, "/v1/watch/batches/b1", nil)
		var v BatchView
		_ = json.Unmarshal(data, &v)
		if v.Done {
			if !v.Summary.Terminal || v.Summary.Completed != 2 || v.Summary.TotalJobs != 2 || v.TimedOut {
				t.Fatalf("final batch view: %s", data)
			}
			if v.Summary.Jobs[0].VideoTitle != "Video 0" {
				t.Fatalf("jobs not in submission order: %+v", v.Summary.Jobs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never finished: %s", data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (b *bridge) waitBatch(t *testing.T, id string, cond func(BatchView) bool) BatchView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, data := b.do(t, http.MethodGet, "/v1/watch/batches/"+id, nil)
		var v BatchView
		_ = json.Unmarshal(data, &v)
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch %s: condition not met, last body %s", id, data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func batchJob(v BatchView, id string) jobs.JobStatus {
	for _, j := range v.Summary.Jobs {
		if j.ID == id {
			return j
		}
	}
	return jobs.JobStatus{}
}

func TestAdminRetry_ResumesJobOfFinishedBatch(t *testing.T) {
	b := newBridge(t)
	b.service.finishWith(func(id string) jobs.JobStatus {
		if id == "j1" {
			return jobs.JobStatus{ID: id, Status: jobs.StageFailed, Progress: 20, Error: "download failed"}
		}
		return jobs.JobStatus{ID: id, Status: jobs.StageCompleted, Progress: 100, Clips: []jobs.Clip{{Filename: id + ".mp4"}}}
	})
	resp, data := b.do(t, http.MethodPost, "/v1/watch/batches", map[string]any{"urls": []string{"https://youtu.be/a", "https://youtu.be/b"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch: %d %s", resp.StatusCode, data)
	}
	v := b.waitBatch(t, "b1", func(v BatchView) bool { return v.Done })
	if !v.Summary.Terminal || v.Summary.Completed != 1 || v.Summary.Failed != 1 {
		t.Fatalf("finished batch: %+v", v.Summary)
	}

	b.service.hold()
	resp, data = b.do(t, http.MethodPost, "/v1/admin/jobs/j1/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: %d %s", resp.StatusCode, data)
	}
	v = b.waitBatch(t, "b1", func(v BatchView) bool { return batchJob(v, "j1").Status == jobs.StageQueued })
	if v.Done || v.Summary.Terminal || v.Summary.Failed != 0 || v.Summary.InProgress != 1 {
		t.Fatalf("batch after retry must be running again: done=%v %+v", v.Done, v.Summary)
	}
	if batchJob(v, "j1").Error != "" || batchJob(v, "j2").Status != jobs.StageCompleted {
		t.Fatalf("unexpected jobs after retry: %+v", v.Summary.Jobs)
	}

	b.service.set(jobs.JobStatus{ID: "j1", Status: jobs.StageCompleted, Progress: 100, Clips: []jobs.Clip{{Filename: "j1.mp4"}}})
	v = b.waitBatch(t, "b1", func(v BatchView) bool { return v.Done })
	if !v.Summary.Terminal || v.Summary.Completed != 2 {
		t.Fatalf("batch after the retried job settled: %+v", v.Summary)
	}
}

func TestAdminDelete_MarksJobOfFinishedBatch(t *testing.T) {
	b := newBridge(t)
	b.do(t, http.MethodPost, "/v1/watch/batches", map[string]any{"urls": []string{"https://youtu.be/a", "https://youtu.be/b"}})
	b.waitBatch(t, "b1", func(v BatchView) bool { return v.Done && v.Summary.Completed == 2 })

	resp, _ := b.do(t, http.MethodDelete, "/v1/admin/jobs/j2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	v := b.waitBatch(t, "b1", func(v BatchView) bool { return batchJob(v, "j2").Status == jobs.StageFailed })
	if batchJob(v, "j2").Error != jobs.DeletedReason || !v.Summary.Terminal || v.Summary.Completed != 1 {
		t.Fatalf("batch after delete: %+v", v.Summary)
	}
}

func TestUntrackJob_StopsRestartedPoller(t *testing.T) {
	b := newBridge(t)
	b.service.hold()
	b.service.set(jobs.JobStatus{ID: "j5", Status: jobs.StageFailed, Error: "boom"})
	b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"jobId": "j5"})
	b.waitJob(t, "j5", func(v JobView) bool { return v.Result == "terminal" })

	b.tracker.mu.RLock()
	e := b.tracker.jobs["j5"]
	b.tracker.mu.RUnlock()
	if !b.tracker.UntrackJob("j5") {
		t.Fatalf("j5 was not tracked")
	}
	e.RefreshJob("j5")

	e.mu.Lock()
	restarts := e.restarts
	p := e.poller
	e.mu.Unlock()
	if restarts != 0 {
		t.Fatalf("an untracked entry must not restart polling")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("poller of an untracked entry is still running")
	}
}

func TestAdminRetry_ResumesFinishedWatch(t *testing.T) {
	b := newBridge(t)
	b.service.hold()
	b.service.set(jobs.JobStatus{ID: "j7", Status: jobs.StageFailed, Progress: 30, Error: "download failed"})

	resp, _ := b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"jobId": "j7"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("watch existing: %d", resp.StatusCode)
	}
	b.waitJob(t, "j7", func(v JobView) bool { return v.Result == "terminal" })

	resp, data := b.do(t, http.MethodPost, "/v1/admin/jobs/j7/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: %d %s", resp.StatusCode, data)
	}
	v := b.waitJob(t, "j7", func(v JobView) bool {
		return v.Restarts == 1 && v.Status != nil && v.Status.Status == jobs.StageQueued
	})
	if v.Status.Progress != 0 || v.Status.Error != "" || v.Result != "running" {
		t.Fatalf("view after retry: %+v", v)
	}

	resp, data = b.do(t, http.MethodPost, "/v1/admin/jobs/j7/retry", nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "not in failed state") {
		t.Fatalf("second retry should pass the service error through: %d %s", resp.StatusCode, data)
	}
}

func TestAdminDelete_MarksWatchRemoved(t *testing.T) {
	b := newBridge(t)
	b.service.hold()
	b.service.set(jobs.JobStatus{ID: "j3", Status: jobs.StageClipping, Progress: 70})
	b.do(t, http.MethodPost, "/v1/watch/jobs", map[string]any{"jobId": "j3"})
	b.waitJob(t, "j3", func(v JobView) bool { return v.Status != nil })

	resp, _ := b.do(t, http.MethodDelete, "/v1/admin/jobs/j3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	v := b.waitJob(t, "j3", func(v JobView) bool { return v.Result == "removed" })
	if v.Status.Status != jobs.StageClipping {
		t.Fatalf("last snapshot must stay as reported: %+v", v.Status)
	}
}

func TestAdminCleanupStatsAndListing(t *testing.T) {
	b := newBridge(t)
	resp, data := b.do(t, http.MethodPost, "/v1/admin/cleanup", nil)
	var sum admin.CleanupSummary
	_ = json.Unmarshal(data, &sum)
	if resp.StatusCode != http.StatusOK || sum.Removed != 4 || sum.BytesFreed != 2048 || sum.StatsVersion != 1 {
		t.Fatalf("cleanup: %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodGet, "/v1/admin/stats", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"total":4096`) {
		t.Fatalf("stats: %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodGet, "/v1/admin/jobs?status=all&page=1", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"j9"`) {
		t.Fatalf("list: %d %s", resp.StatusCode, data)
	}
	resp, data = b.do(t, http.MethodGet, "/v1/admin/jobs?cached=true&status=completed", nil)
	var cached admin.CachedPage
	_ = json.Unmarshal(data, &cached)
	if resp.StatusCode != http.StatusOK || len(cached.Jobs) != 1 || cached.Counts[jobs.StageCompleted] != 1 {
		t.Fatalf("cached list: %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodPost, "/v1/admin/jobs/missing/retry", nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(data), "Job not found") {
		t.Fatalf("retry unknown: %d %s", resp.StatusCode, data)
	}
}

func TestCORSPreflight(t *testing.T) {
	b := newBridge(t)
	req, _ := http.NewRequest(http.MethodOptions, b.url+"/v1/watch/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{submit.ErrInvalidURL, http.StatusBadRequest},
		{fmt.Errorf("url 2: %w", submit.ErrEmptyURL), http.StatusBadRequest},
		{jobs.ErrBatchTooLarge, http.StatusBadRequest},
		{submit.ErrAllRejected, http.StatusUnprocessableEntity},
		{fmt.Errorf("retry: %w", &api.Error{StatusCode: 404, Message: "x"}), http.StatusNotFound},
		{&api.Error{StatusCode: 503, Message: "down"}, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jo-hoe/clipwatch/internal/config"
	"github.com/jo-hoe/clipwatch/internal/jobs"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mutate ...func(*config.ServiceConfig)) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	cfg := config.ServiceConfig{
		BaseURL:  ts.URL,
		APIKey:   "k123",
		AdminKey: "admin",
		Timeout:  2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func TestClient_CreateJob(t *testing.T) {
	var seen CreateJobRequest
	var seenKey, seenAdmin, seenReqID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		seenKey = r.Header.Get("X-API-Key")
		seenAdmin = r.Header.Get("X-Admin-Key")
		seenReqID = r.Header.Get("X-Request-ID")
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"jobId":"42","videoTitle":"Talk","videoDuration":600,"clipCount":3,"clipDuration":40,"platform":"youtube","status":"queued"}`))
	})

	out, err := c.CreateJob(context.Background(), CreateJobRequest{
		URL:        "https://youtu.be/dQw4w9WgXcQ",
		JobOptions: JobOptions{ClipCount: 3, ClipDuration: 40, Platform: "youtube"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if out.JobID != "42" || out.VideoTitle != "Talk" || out.Status != "queued" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if seen.URL != "https://youtu.be/dQw4w9WgXcQ" || seen.ClipCount != 3 || seen.Platform != "youtube" {
		t.Fatalf("request body not sent: %+v", seen)
	}
	if seenKey != "k123" {
		t.Fatalf("api key header = %q", seenKey)
	}
	if seenAdmin != "" {
		t.Fatalf("admin key must only be sent to admin routes")
	}
	if _, err := uuid.Parse(seenReqID); err != nil {
		t.Fatalf("request id header = %q", seenReqID)
	}
}

func TestClient_GetJob_DecodesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/7" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"jobId":"7","status":"completed","progress":100,"videoTitle":"T","clips":[{"filename":"c1.mp4","startTime":12.5,"duration":40,"hookScore":0.8}],"error":null}`))
	})
	st, err := c.GetJob(context.Background(), "7")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if st.ID != "7" || st.Status != jobs.StageCompleted || len(st.Clips) != 1 || st.Clips[0].HookScore != 0.8 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Job not found"}`))
		default:
			http.Error(w, strings.Repeat("x", 1000), http.StatusBadGateway)
		}
	})

	_, err := c.GetJob(context.Background(), "missing")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "Job not found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound should match a wrapped 404")
	}

	_, err = c.Stats(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 error, got %v", err)
	}
	if len(apiErr.Message) > errorSnippetLimit+3 {
		t.Fatalf("error body not truncated: %d bytes", len(apiErr.Message))
	}
}

func TestClient_AdminRoutes(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Key") != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
		switch {
		case r.URL.Path == "/admin/jobs" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"jobs":[{"id":"1","videoTitle":"A","status":"failed","progress":30,"clipCount":3,"createdAt":"2026-01-02T03:04:05Z","completedAt":null,"error":"boom"}],"total":9,"page":2,"limit":1}`))
		case r.URL.Path == "/admin/cleanup":
			_, _ = w.Write([]byte(`{"removed":5,"downloadsRemoved":3,"outputRemoved":2}`))
		case r.URL.Path == "/admin/stats":
			_, _ = w.Write([]byte(`{"total":10,"completed":6,"failed":1,"active":2,"waiting":1,"jobsToday":4,"avgProcessingTime":81.5,"diskUsage":{"downloads":100,"output":200,"total":300}}`))
		default:
			_, _ = w.Write([]byte(`{"message":"ok","jobId":"1"}`))
		}
	})
	ctx := context.Background()

	page, err := c.ListJobs(ctx, ListQuery{Status: "failed", Page: 2, Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if page.Total != 9 || len(page.Jobs) != 1 || page.Jobs[0].Error != "boom" || page.Jobs[0].CompletedAt != nil {
		t.Fatalf("unexpected page: %+v", page)
	}
	if _, err := c.Retry(ctx, "1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if _, err := c.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err := c.Cleanup(ctx)
	if err != nil || res.Removed != 5 || res.DownloadsRemoved != 3 || res.BytesFreed != 0 {
		t.Fatalf("Cleanup: %+v, %v", res, err)
	}
	stats, err := c.Stats(ctx)
	if err != nil || stats.DiskUsage.Total != 300 || stats.Active != 2 {
		t.Fatalf("Stats: %+v, %v", stats, err)
	}

	want := []string{
		"GET /admin/jobs?limit=1&page=2&status=failed",
		"POST /admin/jobs/1/retry",
		"DELETE /admin/jobs/1",
		"POST /admin/cleanup",
		"GET /admin/stats",
	}
	if strings.Join(paths, "\n") != strings.Join(want, "\n") {
		t.Fatalf("requests:\n%s\nwant:\n%s", strings.Join(paths, "\n"), strings.Join(want, "\n"))
	}
}

func TestClient_ConfigurablePathPrefixes(t *testing.T) {
	var got []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}, func(cfg *config.ServiceConfig) {
		cfg.RetryPathPrefix = "/jobs"
		cfg.DeletePathPrefix = "/jobs"
	})
	_, _ = c.Retry(context.Background(), "a b")
	_, _ = c.Delete(context.Background(), "a b")
	if len(got) != 2 || got[0] != "POST /jobs/a b/retry" || got[1] != "DELETE /jobs/a b" {
		t.Fatalf("unexpected requests: %v", got)
	}
}

func TestClient_CreateBatch_ReportsRejections(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CreateBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/batch" || len(req.URLs) != 2 {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"batchId":"b1","jobs":[{"jobId":"1","videoTitle":"A"}],"errors":[{"index":1,"url":"x","error":"Video is only 10s long"}],"totalQueued":1,"totalFailed":1}`))
	})
	out, err := c.CreateBatch(context.Background(), CreateBatchRequest{URLs: []string{"u1", "u2"}})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if out.BatchID != "b1" || len(out.Jobs) != 1 || len(out.Errors) != 1 || out.Errors[0].Index != 1 {
		t.Fatalf("unexpected batch response: %+v", out)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetJob(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_OpenClip(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Header.Get("X-API-Key") != "k123" || r.Header.Get("X-Admin-Key") != "" {
			t.Errorf("unexpected auth headers on %s", r.URL.Path)
		}
		if strings.HasSuffix(r.URL.Path, "missing.mp4") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Clip not found"}`))
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("bytes"))
	}, func(cfg *config.ServiceConfig) { cfg.BaseURL += "/api" })

	clips := []jobs.Clip{
		{Filename: "a.mp4", DownloadURL: "/api/clips/42/a.mp4"},
		{Filename: "b.mp4", DownloadURL: "clips/42/b.mp4"},
		{Filename: "c d.mp4"},
	}
	for _, clip := range clips {
		body, ct, err := c.OpenClip(context.Background(), "42", clip)
		if err != nil {
			t.Fatalf("OpenClip(%s): %v", clip.Filename, err)
		}
		data, _ := io.ReadAll(body)
		_ = body.Close()
		if string(data) != "bytes" || ct != "video/mp4" {
			t.Fatalf("OpenClip(%s) = %q, %q", clip.Filename, data, ct)
		}
	}
	want := []string{"/api/clips/42/a.mp4", "/api/clips/42/b.mp4", "/api/clips/42/c d.mp4"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("request %d path = %q, want %q", i, paths[i], want[i])
		}
	}

	_, _, err := c.OpenClip(context.Background(), "42", jobs.Clip{Filename: "missing.mp4"})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "Clip not found" {
		t.Fatalf("expected 404 api error, got %v", err)
	}
	if _, _, err := c.OpenClip(context.Background(), "42", jobs.Clip{}); err == nil {
		t.Fatalf("expected an error for a clip without name or url")
	}
}

func TestClient_RefusedActions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/retry"):
			_, _ = w.Write([]byte(`{"ok":false,"message":"Job is still running"}`))
		case strings.HasSuffix(r.URL.Path, "/accepted"):
			_, _ = w.Write([]byte(`{"ok":true}`))
		case strings.HasSuffix(r.URL.Path, "/legacy"):
			_, _ = w.Write([]byte(`{"message":"Job removed","jobId":"legacy"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false}`))
		}
	})

	_, err := c.Retry(context.Background(), "j1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Message != "Job is still running" {
		t.Fatalf("refused retry: %v", err)
	}
	_, err = c.Delete(context.Background(), "j1")
	if !errors.As(err, &apiErr) || apiErr.Message != "request refused by service" {
		t.Fatalf("refused delete: %v", err)
	}
	if out, err := c.Delete(context.Background(), "accepted"); err != nil || out.OK == nil || !*out.OK {
		t.Fatalf("ok delete: %+v, %v", out, err)
	}
	if out, err := c.Delete(context.Background(), "legacy"); err != nil || out.JobID != "legacy" {
		t.Fatalf("delete without ok field: %+v, %v", out, err)
	}
}

func TestClient_ResponseSizeLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total":1,"pad":"`))
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseBytes)))
		_, _ = w.Write([]byte(`"}`))
	})
	if _, err := c.Stats(context.Background()); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", 9) + "é" + "tail"
	got := truncate(s, 10)
	if got != strings.Repeat("a", 9)+"..." {
		t.Fatalf("truncate = %q", got)
	}
	if !utf8.ValidString(truncate(strings.Repeat("ü", 300), errorSnippetLimit+1)) {
		t.Fatalf("truncate produced invalid UTF-8")
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fetchFunc answers the n-th (1-based) fetch for id.
type fetchFunc func(ctx context.Context, id string, n int) (JobStatus, error)

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    fetchFunc
}

func newCountingFetcher(fn fetchFunc) *countingFetcher {
	return &countingFetcher{calls: make(map[string]int), fn: fn}
}

func (f *countingFetcher) GetJob(ctx context.Context, id string) (JobStatus, error) {
	f.mu.Lock()
	f.calls[id]++
	n := f.calls[id]
	f.mu.Unlock()
	return f.fn(ctx, id, n)
}

func (f *countingFetcher) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// scripted returns the statuses in order and repeats the last one.
func scripted(statuses ...JobStatus) fetchFunc {
	return func(_ context.Context, _ string, n int) (JobStatus, error) {
		if n > len(statuses) {
			n = len(statuses)
		}
		return statuses[n-1], nil
	}
}

func completedStatus(id string) JobStatus {
	return JobStatus{
		ID:       id,
		Status:   StageCompleted,
		Progress: 100,
		Clips:    []Clip{{Filename: id + "_clip1.mp4", StartTime: 12, Duration: 40, HookScore: 0.8}},
	}
}

func failedStatus(id string) JobStatus {
	return JobStatus{ID: id, Status: StageFailed, Progress: 20, Error: "download failed"}
}

func stageStatus(id string, st Stage, progress int) JobStatus {
	return JobStatus{ID: id, Status: st, Progress: progress}
}

// collect reads until ch is closed or timeout elapses.
func collect[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()
	var out []T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timer.C:
			t.Fatalf("channel not closed within %v (received %d values)", timeout, len(out))
			return out
		}
	}
}

func next[T any](t *testing.T, ch <-chan T, timeout time.Duration) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(timeout):
		t.Fatalf("no value within %v", timeout)
	}
	var zero T
	return zero, false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

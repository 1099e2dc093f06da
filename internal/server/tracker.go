package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

// WatchFunc starts a registered poller for an existing job.
type WatchFunc func(ctx context.Context, id string) (*jobs.Poller, <-chan jobs.Update, error)

// Tracker keeps the latest snapshot of every job and batch watched through
// the bridge so HTTP clients can read them at any time.
type Tracker struct {
	log      *slog.Logger
	registry *jobs.Registry
	watch    WatchFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	batches map[string]*batchEntry
}

func NewTracker(logger *slog.Logger, registry *jobs.Registry, watch WatchFunc) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		log:      logger,
		registry: registry,
		watch:    watch,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*jobEntry),
		batches:  make(map[string]*batchEntry),
	}
}

// Context lives until Shutdown; pollers started for the bridge use it.
func (t *Tracker) Context() context.Context { return t.ctx }

// JobView is what the bridge reports for a watched job.
type JobView struct {
	JobID    string          `json:"jobId"`
	Status   *jobs.JobStatus `json:"status,omitempty"`
	Result   string          `json:"result"`
	Warning  string          `json:"warning,omitempty"`
	Restarts int             `json:"restarts"`
}

// BatchView is what the bridge reports for a watched batch.
type BatchView struct {
	Summary  jobs.BatchSummary   `json:"summary"`
	Receipt  submit.BatchReceipt `json:"receipt"`
	Done     bool                `json:"done"`
	TimedOut bool                `json:"timedOut"`
}

type jobEntry struct {
	t  *Tracker
	id string

	mu       sync.Mutex
	poller   *jobs.Poller
	latest   *jobs.JobStatus
	warning  string
	result   jobs.Result
	removed  bool
	stopped  bool
	restarts int
	remove   func()
}

var _ jobs.Watcher = (*jobEntry)(nil)

// TrackJob starts consuming updates of p. A job already tracked is replaced.
func (t *Tracker) TrackJob(p *jobs.Poller, updates <-chan jobs.Update) {
	e := &jobEntry{t: t, id: p.ID(), poller: p}
	e.remove = t.registry.Add(e)
	t.mu.Lock()
	old := t.jobs[e.id]
	t.jobs[e.id] = e
	t.mu.Unlock()
	if old != nil {
		old.stop()
	}
	go e.consume(p, updates)
}

func (t *Tracker) Job(id string) (JobView, bool) {
	t.mu.RLock()
	e, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return JobView{}, false
	}
	return e.view(), true
}

// UntrackJob stops polling id and forgets its snapshot.
func (t *Tracker) UntrackJob(id string) bool {
	t.mu.Lock()
	e, ok := t.jobs[id]
	delete(t.jobs, id)
	t.mu.Unlock()
	if ok {
		e.stop()
	}
	return ok
}

func (e *jobEntry) consume(p *jobs.Poller, updates <-chan jobs.Update) {
	for u := range updates {
		e.mu.Lock()
		if e.poller == p {
			st := u.Status
			e.latest = &st
			e.warning = ""
			if u.Warning != nil {
				e.warning = u.Warning.Error()
			}
		}
		e.mu.Unlock()
	}
	e.mu.Lock()
	if e.poller == p && !e.removed {
		e.result = p.Result()
	}
	e.mu.Unlock()
}

func (e *jobEntry) view() JobView {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := JobView{JobID: e.id, Result: e.result.String(), Warning: e.warning, Restarts: e.restarts}
	if e.latest != nil {
		st := e.latest.Clone()
		v.Status = &st
	}
	return v
}

func (e *jobEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	p := e.poller
	e.mu.Unlock()
	p.Stop()
	e.remove()
}

func (e *jobEntry) Name() string { return "bridge:" + e.id }

func (e *jobEntry) Watches(id string) bool { return e.id == id }

// RefreshJob restarts polling once the previous poller has ended. A poller
// that is still running is refreshed through its own registration.
func (e *jobEntry) RefreshJob(id string) {
	e.mu.Lock()
	p := e.poller
	inactive := e.removed || e.stopped
	e.mu.Unlock()
	if inactive || id != e.id {
		return
	}
	select {
	case <-p.Done():
	default:
		return
	}
	np, updates, err := e.t.watch(e.t.ctx, id)
	if err != nil {
		e.t.log.Warn("restart watch after refresh", "job_id", id, "err", err)
		return
	}
	e.mu.Lock()
	if e.poller != p || e.removed || e.stopped {
		e.mu.Unlock()
		np.Stop()
		return
	}
	e.poller = np
	e.result = jobs.ResultRunning
	e.restarts++
	e.mu.Unlock()
	go e.consume(np, updates)
	e.t.log.Info("watch resumed", "job_id", id)
}

func (e *jobEntry) Forget(id string) {
	if id != e.id {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.result = jobs.ResultRemoved
	p := e.poller
	e.mu.Unlock()
	p.Forget(id)
}

// batchEntry mirrors a batch. Once its aggregator has stopped, a retried member
// job is followed by its own poller and folded into the same state.
type batchEntry struct {
	t       *Tracker
	agg     *jobs.Aggregator
	receipt submit.BatchReceipt

	mu       sync.Mutex
	latest   jobs.BatchState
	done     bool
	timedOut bool
	stopped  bool
	resumed  map[string]*jobs.Poller
	remove   func()
}

var _ jobs.Watcher = (*batchEntry)(nil)

// TrackBatch starts consuming the states of a submitted batch.
func (t *Tracker) TrackBatch(w *submit.BatchWatch) {
	e := &batchEntry{
		t:       t,
		agg:     w.Aggregator,
		receipt: w.Receipt,
		latest:  w.Aggregator.Snapshot(),
		resumed: make(map[string]*jobs.Poller),
	}
	e.remove = t.registry.Add(e)
	t.mu.Lock()
	old := t.batches[w.Receipt.BatchID]
	t.batches[w.Receipt.BatchID] = e
	t.mu.Unlock()
	if old != nil {
		old.stop(0)
	}
	go func() {
		for st := range w.States {
			e.mu.Lock()
			e.latest = st
			e.mu.Unlock()
		}
		e.mu.Lock()
		e.done = len(e.resumed) == 0
		e.mu.Unlock()
	}()
}

func (t *Tracker) Batch(id string) (BatchView, bool) {
	t.mu.RLock()
	e, ok := t.batches[id]
	t.mu.RUnlock()
	if !ok {
		return BatchView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return BatchView{
		Summary:  e.latest.Summary(),
		Receipt:  e.receipt,
		Done:     e.done,
		TimedOut: e.agg.TimedOut() || e.timedOut,
	}, true
}

func (t *Tracker) UntrackBatch(id string) bool {
	t.mu.Lock()
	e, ok := t.batches[id]
	delete(t.batches, id)
	t.mu.Unlock()
	if ok {
		e.stop(0)
	}
	return ok
}

func (e *batchEntry) Name() string { return "bridge-batch:" + e.receipt.BatchID }

func (e *batchEntry) Watches(id string) bool { return e.agg.Watches(id) }

func (e *batchEntry) aggregatorDone() bool {
	select {
	case <-e.agg.Done():
		return true
	default:
		return false
	}
}

// RefreshJob follows a retried member job after the aggregator has stopped.
// While the aggregator runs it refreshes the job itself.
func (e *batchEntry) RefreshJob(id string) {
	if !e.Watches(id) || !e.aggregatorDone() {
		return
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if p, ok := e.resumed[id]; ok {
		select {
		case <-p.Done():
		default:
			e.mu.Unlock()
			p.Refresh()
			return
		}
	}
	e.mu.Unlock()

	np, updates, err := e.t.watch(e.t.ctx, id)
	if err != nil {
		e.t.log.Warn("resume batch job after refresh", "batch_id", e.receipt.BatchID, "job_id", id, "err", err)
		return
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		np.Stop()
		return
	}
	e.resumed[id] = np
	e.done = false
	e.timedOut = false
	e.mu.Unlock()
	go e.follow(id, np, updates)
	e.t.log.Info("batch job resumed", "batch_id", e.receipt.BatchID, "job_id", id)
}

func (e *batchEntry) follow(id string, p *jobs.Poller, updates <-chan jobs.Update) {
	for u := range updates {
		e.mu.Lock()
		if e.resumed[id] == p {
			e.latest = e.latest.With(u.Status)
		}
		e.mu.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumed[id] != p {
		return
	}
	delete(e.resumed, id)
	if p.Result() == jobs.ResultTimedOut {
		e.timedOut = true
	}
	e.done = len(e.resumed) == 0 && e.aggregatorDone()
}

// Forget marks a deleted member job once the aggregator can no longer do it.
func (e *batchEntry) Forget(id string) {
	if !e.Watches(id) || !e.aggregatorDone() {
		return
	}
	e.mu.Lock()
	p := e.resumed[id]
	delete(e.resumed, id)
	cur := e.latest.Jobs[id]
	cur.ID = id
	cur.Status = jobs.StageFailed
	cur.Error = jobs.DeletedReason
	cur.Clips = []jobs.Clip{}
	e.latest = e.latest.With(cur)
	e.done = len(e.resumed) == 0
	e.mu.Unlock()
	if p != nil {
		p.Forget(id)
	}
}

// stop ends the aggregator and every resumed poller. A non-positive grace waits indefinitely.
func (e *batchEntry) stop(grace time.Duration) {
	e.mu.Lock()
	e.stopped = true
	pollers := make([]*jobs.Poller, 0, len(e.resumed))
	for _, p := range e.resumed {
		pollers = append(pollers, p)
	}
	e.mu.Unlock()
	for _, p := range pollers {
		p.Stop()
	}
	e.agg.Shutdown(grace)
	e.remove()
}

// Watched lists the tracked job and batch ids.
func (t *Tracker) Watched() (jobIDs, batchIDs []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jobIDs = make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		jobIDs = append(jobIDs, id)
	}
	batchIDs = make([]string, 0, len(t.batches))
	for id := range t.batches {
		batchIDs = append(batchIDs, id)
	}
	sort.Strings(jobIDs)
	sort.Strings(batchIDs)
	return jobIDs, batchIDs
}

// Shutdown stops every watch and waits up to grace for the aggregators to exit.
func (t *Tracker) Shutdown(grace time.Duration) {
	t.cancel()
	t.mu.Lock()
	entries := make([]*jobEntry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	batches := make([]*batchEntry, 0, len(t.batches))
	for _, b := range t.batches {
		batches = append(batches, b)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.stop()
	}
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b *batchEntry) {
			defer wg.Done()
			b.stop(grace)
		}(b)
	}
	wg.Wait()
	t.log.Info("tracker stopped", "jobs", len(entries), "batches", len(batches))
}

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/clipwatch/internal/common"
)

// DeletedReason is the error recorded for a batch entry whose job was deleted.
const DeletedReason = "job deleted"

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Poll    PollerOptions
	MaxJobs int // defaults to common.MaxBatchSize
}

type jobEvent struct {
	id     string
	poller *Poller
	update Update
	ended  bool
	result Result
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdForget
)

type command struct {
	kind commandKind
	id   string
	done chan struct{}
}

// Aggregator runs one Poller per job of a batch and republishes a derived
// BatchState on every underlying update.
type Aggregator struct {
	log     *slog.Logger
	fetcher Fetcher
	opts    AggregatorOptions
	batchID string
	ids     []string
	members map[string]struct{}

	mu       sync.Mutex
	state    BatchState
	started  bool
	timedOut bool
	cancel   context.CancelFunc

	events     chan jobEvent
	commands   chan command
	done       chan struct{}
	cancelOnce sync.Once
}

var _ Watcher = (*Aggregator)(nil)

// NewAggregator validates ids and builds the eager batch state with every job queued.
// titles is optional and only used for display.
func NewAggregator(logger *slog.Logger, f Fetcher, batchID string, ids []string, titles map[string]string, opts AggregatorOptions) (*Aggregator, error) {
	if f == nil {
		return nil, fmt.Errorf("fetcher is nil")
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = common.MaxBatchSize
	}
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(ids) > opts.MaxJobs {
		return nil, fmt.Errorf("%w: %d jobs, maximum %d", ErrBatchTooLarge, len(ids), opts.MaxJobs)
	}
	members := make(map[string]struct{}, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, ErrEmptyJobID
		}
		if _, dup := members[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
		}
		members[id] = struct{}{}
		clean = append(clean, id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.Poll = opts.Poll.withDefaults()
	return &Aggregator{
		log:      logger.With("batch_id", batchID),
		fetcher:  f,
		opts:     opts,
		batchID:  batchID,
		ids:      clean,
		members:  members,
		state:    NewBatchState(batchID, clean, titles),
		events:   make(chan jobEvent),
		commands: make(chan command),
		done:     make(chan struct{}),
	}, nil
}

func (a *Aggregator) BatchID() string { return a.batchID }

// Snapshot returns the current batch state.
func (a *Aggregator) Snapshot() BatchState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// TimedOut reports whether every sub-poller ended without the batch reaching a terminal state.
func (a *Aggregator) TimedOut() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timedOut
}

// Done is closed when the aggregator stopped.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Start launches the sub-pollers. The returned channel always holds the most
// recent state: intermediate states may be coalesced when the consumer lags,
// the final one never is. It is closed once the batch is terminal, every
// sub-poller ended, or the aggregator was stopped.
func (a *Aggregator) Start(ctx context.Context) (<-chan BatchState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	out := make(chan BatchState, 1)
	go a.run(ctx, out)
	return out, nil
}

// Stop cancels every sub-poller and waits for the aggregator to exit.
func (a *Aggregator) Stop() {
	a.Shutdown(0)
}

// Shutdown stops the aggregator and waits up to deadline for it to exit.
// A non-positive deadline waits indefinitely.
func (a *Aggregator) Shutdown(deadline time.Duration) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return
	}
	a.cancelOnce.Do(a.cancel)

	if deadline <= 0 {
		<-a.done
		return
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		a.log.Warn("aggregator shutdown deadline reached; sub-pollers may still be running")
	}
}

// Refresh makes the aggregator observe id again after a retry. A sub-poller
// that already ended is restarted. Once the aggregator itself has stopped this
// is a no-op; its owner follows the job from then on.
func (a *Aggregator) Refresh(id string) { a.send(cmdRefresh, id) }

// Forget stops polling id and marks its entry failed as deleted.
func (a *Aggregator) Forget(id string) { a.send(cmdForget, id) }

func (a *Aggregator) Name() string { return "batch:" + a.batchID }

func (a *Aggregator) Watches(id string) bool {
	_, ok := a.members[id]
	return ok
}

func (a *Aggregator) RefreshJob(id string) { a.Refresh(id) }

func (a *Aggregator) send(kind commandKind, id string) {
	if !a.Watches(id) {
		return
	}
	cmd := command{kind: kind, id: id, done: make(chan struct{})}
	select {
	case a.commands <- cmd:
	case <-a.done:
		return
	}
	select {
	case <-cmd.done:
	case <-a.done:
	}
}

func (a *Aggregator) apply(js JobStatus) BatchState {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = a.state.With(js)
	return a.state
}

// publish keeps only the newest state in the buffered channel.
func publish(out chan BatchState, st BatchState) {
	select {
	case out <- st:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- st
}

func (a *Aggregator) run(ctx context.Context, out chan BatchState) {
	defer close(a.done)
	defer close(out)

	pollers := make(map[string]*Poller, len(a.ids))
	var forwarders sync.WaitGroup

	startPoller := func(id string) {
		p, err := NewPoller(a.log, a.fetcher, id, a.opts.Poll)
		if err != nil {
			a.log.Error("create sub-poller", "job_id", id, "err", err)
			return
		}
		ch, err := p.Start(ctx)
		if err != nil {
			a.log.Error("start sub-poller", "job_id", id, "err", err)
			return
		}
		pollers[id] = p
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for u := range ch {
				select {
				case a.events <- jobEvent{id: id, poller: p, update: u}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case a.events <- jobEvent{id: id, poller: p, ended: true, result: p.Result()}:
			case <-ctx.Done():
			}
		}()
	}

	defer func() {
		a.cancelOnce.Do(a.cancel)
		for _, p := range pollers {
			p.Stop()
		}
		forwarders.Wait()
	}()

	for _, id := range a.ids {
		startPoller(id)
	}
	a.log.Info("batch tracking started", "jobs", len(a.ids))
	publish(out, a.Snapshot())

	for {
		select {
		case <-ctx.Done():
			a.log.Debug("aggregator stopped")
			return

		case ev := <-a.events:
			if pollers[ev.id] != ev.poller {
				continue
			}
			if ev.ended {
				delete(pollers, ev.id)
				if ev.result == ResultTimedOut {
					a.log.Warn("job is taking longer than expected", "job_id", ev.id)
				}
				if len(pollers) == 0 && !a.Snapshot().Terminal() {
					a.mu.Lock()
					a.timedOut = true
					a.mu.Unlock()
					a.log.Warn("all sub-pollers ended before the batch finished")
					return
				}
				continue
			}
			st := a.apply(ev.update.Status)
			publish(out, st)
			if st.Terminal() {
				a.log.Info("batch finished", "completed", st.Completed(), "failed", st.Failed(), "total", st.TotalJobs)
				return
			}

		case cmd := <-a.commands:
			finished := a.handle(cmd, pollers, startPoller, out)
			close(cmd.done)
			if finished {
				return
			}
		}
	}
}

func (a *Aggregator) handle(cmd command, pollers map[string]*Poller, startPoller func(string), out chan BatchState) bool {
	switch cmd.kind {
	case cmdRefresh:
		if p, ok := pollers[cmd.id]; ok {
			select {
			case <-p.Done():
			default:
				p.Refresh()
				return false
			}
		}
		a.log.Info("resuming job after refresh", "job_id", cmd.id)
		startPoller(cmd.id)
		return false

	case cmdForget:
		if p, ok := pollers[cmd.id]; ok {
			delete(pollers, cmd.id)
			p.stopWith(ResultRemoved)
		}
		cur := a.Snapshot().Jobs[cmd.id]
		cur.Status = StageFailed
		cur.Error = DeletedReason
		cur.Clips = []Clip{}
		st := a.apply(cur)
		publish(out, st)
		a.log.Info("job removed from batch", "job_id", cmd.id)
		if st.Terminal() {
			a.log.Info("batch finished", "completed", st.Completed(), "failed", st.Failed(), "total", st.TotalJobs)
			return true
		}
		return false
	}
	return false
}

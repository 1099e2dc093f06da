package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/clipwatch/internal/common"
)

// Fetcher retrieves the current remote status document of a job.
type Fetcher interface {
	GetJob(ctx context.Context, id string) (JobStatus, error)
}

// PollerOptions configures the polling cadence.
type PollerOptions struct {
	Interval time.Duration // fixed delay between fetches
	MaxWait  time.Duration // advisory limit; negative disables it
}

func (o PollerOptions) withDefaults() PollerOptions {
	if o.Interval <= 0 {
		o.Interval = common.DefaultPollInterval
	}
	if o.MaxWait == 0 {
		o.MaxWait = common.DefaultMaxWait
	}
	return o
}

// Result tells why an update sequence ended.
type Result int

const (
	ResultRunning Result = iota
	ResultTerminal
	ResultTimedOut
	ResultCancelled
	ResultRemoved
)

func (r Result) String() string {
	switch r {
	case ResultTerminal:
		return "terminal"
	case ResultTimedOut:
		return "timed_out"
	case ResultCancelled:
		return "cancelled"
	case ResultRemoved:
		return "removed"
	default:
		return "running"
	}
}

// Update is one applied snapshot. Warning carries soft contract violations
// (see JobStatus.Validate) and is informational only.
type Update struct {
	Status  JobStatus
	Seq     uint64
	Warning error
}

type fetchResult struct {
	seq    uint64
	status JobStatus
	err    error
}

// Poller repeatedly fetches one job's status until it reaches a terminal stage,
// its MaxWait elapses, or it is stopped.
type Poller struct {
	log     *slog.Logger
	fetcher Fetcher
	id      string
	opts    PollerOptions

	mu        sync.Mutex
	started   bool
	latest    JobStatus
	hasLatest bool
	result    Result
	cancel    context.CancelFunc
	stopOnce  sync.Once
	done      chan struct{}
	refresh   chan struct{}
}

var _ Watcher = (*Poller)(nil)

// NewPoller creates a poller for id. The poller does nothing until Start.
func NewPoller(logger *slog.Logger, f Fetcher, id string, opts PollerOptions) (*Poller, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyJobID
	}
	if f == nil {
		return nil, errors.New("fetcher is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		log:     logger.With("job_id", id),
		fetcher: f,
		id:      id,
		opts:    opts.withDefaults(),
		done:    make(chan struct{}),
		refresh: make(chan struct{}, 1),
	}, nil
}

func (p *Poller) ID() string { return p.id }

// Start begins polling and returns the update sequence. The channel is closed
// after a terminal snapshot, on timeout, or once the poller is stopped.
// Callers must keep receiving until the channel closes or call Stop.
func (p *Poller) Start(ctx context.Context) (<-chan Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	out := make(chan Update)
	go p.run(ctx, out)
	return out, nil
}

// Stop cancels the poller and waits until its loop exited. No update is
// delivered after Stop returns; responses still in flight are discarded.
func (p *Poller) Stop() {
	p.stopWith(ResultCancelled)
}

func (p *Poller) stopWith(r Result) {
	p.mu.Lock()
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()
	if !started {
		return
	}
	p.stopOnce.Do(func() {
		p.setResult(r)
		cancel()
	})
	<-p.done
}

// Done is closed when the polling loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Refresh asks for an immediate out-of-band fetch. It is a no-op once the
// poller has finished.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Latest returns the last applied snapshot, if any.
func (p *Poller) Latest() (JobStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLatest {
		return JobStatus{}, false
	}
	return p.latest.Clone(), true
}

// Result returns why the update sequence ended, or ResultRunning.
func (p *Poller) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Name, Watches, Forget make the poller usable in a Registry.
func (p *Poller) Name() string { return "poller:" + p.id }

func (p *Poller) Watches(id string) bool { return p.id == id }

func (p *Poller) RefreshJob(id string) {
	if id == p.id {
		p.Refresh()
	}
}

func (p *Poller) Forget(id string) {
	if id == p.id {
		p.stopWith(ResultRemoved)
	}
}

// setResult records the first non-running result only.
func (p *Poller) setResult(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == ResultRunning {
		p.result = r
	}
}

func (p *Poller) run(ctx context.Context, out chan<- Update) {
	defer close(p.done)
	defer close(out)
	defer p.cancel()

	results := make(chan fetchResult)
	var issued, applied uint64
	var prev Stage

	issue := func() {
		issued++
		seq := issued
		go func() {
			st, err := p.fetcher.GetJob(ctx, p.id)
			select {
			case results <- fetchResult{seq: seq, status: st, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if p.opts.MaxWait > 0 {
		timer := time.NewTimer(p.opts.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	p.log.Debug("poller started", "interval", p.opts.Interval, "max_wait", p.opts.MaxWait)
	issue()
	for {
		select {
		case <-ctx.Done():
			p.setResult(ResultCancelled)
			p.log.Debug("poller stopped", "result", p.Result())
			return
		case <-deadline:
			p.setResult(ResultTimedOut)
			p.log.Warn("poller gave up waiting for a terminal status", "max_wait", p.opts.MaxWait, "stage", prev)
			return
		case <-ticker.C:
			issue()
		case <-p.refresh:
			issue()
		case r := <-results:
			if ctx.Err() != nil {
				return
			}
			if r.err != nil {
				p.log.Warn("status fetch failed; retrying on next tick", "seq", r.seq, "err", r.err)
				continue
			}
			if r.seq <= applied {
				p.log.Debug("discarding out-of-order response", "seq", r.seq, "applied", applied, "stage", r.status.Status)
				continue
			}
			applied = r.seq

			st := r.status.Normalize().Clone()
			if st.ID == "" {
				st.ID = p.id
			}
			if !st.Status.IsKnown() {
				p.log.Info("unknown stage reported by server", "stage", st.Status)
			}
			if kind := Transition(prev, st.Status); prev != "" && kind != TransitionSame && kind != TransitionForward {
				p.log.Debug("non-canonical transition", "from", prev, "to", st.Status, "kind", kind)
			}
			prev = st.Status

			warning := st.Validate()
			if warning != nil {
				p.log.Warn("status document violates contract", "err", warning)
			}

			p.mu.Lock()
			p.latest = st
			p.hasLatest = true
			p.mu.Unlock()

			select {
			case out <- Update{Status: st.Clone(), Seq: r.seq, Warning: warning}:
			case <-ctx.Done():
				p.setResult(ResultCancelled)
				return
			}

			if st.Status.IsTerminal() {
				p.setResult(ResultTerminal)
				p.log.Info("job reached terminal status", "stage", st.Status, "clips", len(st.Clips))
				return
			}
		}
	}
}

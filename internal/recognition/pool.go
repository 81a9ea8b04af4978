package recognition

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"levelup/internal/eventbus"
	rtsup "levelup/internal/runtime/supervisor"
	logx "levelup/pkg/logx"
)

var (
	ErrPoolSaturated = errors.New("recognition pool saturated")
	ErrStopped       = errors.New("recognition pool stopped")
)

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 8
	DefaultJobTimeout = 30 * time.Second
)

type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// ProcessFunc runs one job. Solver.Solve matches it.
type ProcessFunc func(ctx context.Context, job Job) Result

// DeliverFunc is the single re-entry point for finished jobs. It runs on the
// pool worker goroutine.
type DeliverFunc func(ctx context.Context, res Result)

// JobEvent is published for every finished job.
type JobEvent struct {
	JobID     string
	MessageID int
	Reply     string
	Text      string
	Err       string
	Duration  time.Duration
}

type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Submitted uint64
	Saturated uint64
	Succeeded uint64
	Failed    uint64
	Abandoned uint64
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submit never blocks.
type Pool struct {
	cfg     PoolConfig
	process ProcessFunc
	deliver DeliverFunc
	log     logx.Logger
	bus     eventbus.Bus

	mu      sync.Mutex
	q       chan Job
	stopped bool
	sup     *rtsup.Supervisor

	inFlight  atomic.Int32
	submitted atomic.Uint64
	saturated atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
}

func NewPool(cfg PoolConfig, process ProcessFunc, deliver DeliverFunc, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Pool{
		cfg:     cfg,
		process: process,
		deliver: deliver,
		log:     log,
		bus:     bus,
		q:       make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. Jobs run under ctx; cancelling it abandons them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil || p.stopped {
		return
	}
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		// a broken job must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	q := p.q
	for i := 0; i < p.cfg.Workers; i++ {
		p.sup.Go0(fmt.Sprintf("recognition.worker.%d", i), func(c context.Context) {
			p.worker(c, q)
		})
	}
	p.log.Info("recognition pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", cap(q)), logx.Duration("job_timeout", p.cfg.JobTimeout))
}

// Submit queues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.q <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.saturated.Add(1)
		return ErrPoolSaturated
	}
}

// Close stops intake. Queued and running jobs still complete.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.q)
}

// Stop closes the pool and waits for workers until ctx ends. On timeout the
// remaining jobs are abandoned and their results discarded.
func (p *Pool) Stop(ctx context.Context) error {
	p.Close()
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		// Worker returned an error; jobs are already accounted for.
		return err
	}
	pending := int(p.inFlight.Load()) + len(p.q)
	sup.Cancel()
	p.log.Warn("recognition pool stop timed out; abandoning jobs", logx.Int("pending", pending))
	return ctx.Err()
}

func (p *Pool) Snapshot() Snapshot {
	return Snapshot{
		Workers:   p.cfg.Workers,
		QueueLen:  len(p.q),
		QueueCap:  cap(p.q),
		InFlight:  int(p.inFlight.Load()),
		Submitted: p.submitted.Load(),
		Saturated: p.saturated.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, q <-chan Job) {
	for job := range q {
		if ctx.Err() != nil {
			p.abandoned.Add(1)
			p.log.Warn("job abandoned", logx.String("job", job.ID), logx.Int("message_id", job.SourceMessageID))
			continue
		}
		p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job panicked", logx.String("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				res = Result{JobID: job.ID, ChatID: job.ChatID, SourceMessageID: job.SourceMessageID, ReplyTargetID: job.ReplyTargetID, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res = p.process(jctx, job)
	}()

	if ctx.Err() != nil {
		p.abandoned.Add(1)
		p.log.Warn("job result discarded after shutdown", logx.String("job", job.ID), logx.Int("message_id", job.SourceMessageID))
		return
	}

	ev := JobEvent{JobID: job.ID, MessageID: job.SourceMessageID, Reply: res.Reply, Text: res.Text, Duration: res.Duration}
	if !res.OK() {
		if res.Err == nil {
			res.Err = ErrRecognition
		}
		p.failed.Add(1)
		ev.Err = res.Err.Error()
		p.log.Warn("job failed, no reply", logx.String("job", job.ID), logx.Int("message_id", job.SourceMessageID), logx.String("text", res.Text), logx.Err(res.Err))
		p.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
		return
	}

	p.succeeded.Add(1)
	p.log.Info("job solved", logx.String("job", job.ID), logx.Int("message_id", job.SourceMessageID), logx.String("expr", res.Expr), logx.String("reply", res.Reply), logx.Duration("dur", res.Duration))
	p.bus.Publish(eventbus.Event{Type: eventbus.JobDone, Data: ev})
	if p.deliver != nil {
		p.deliver(ctx, res)
	}
}

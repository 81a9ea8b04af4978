// Package pipeline assembles the dispatch pipeline: outbox, dispatch worker,
// cadence generators, inbound router and recognition pool, and drives their
// ordered shutdown under one grace deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"levelup/internal/cadence"
	"levelup/internal/dispatch"
	"levelup/internal/eventbus"
	"levelup/internal/recognition"
	"levelup/internal/router"
	rtsup "levelup/internal/runtime/supervisor"
	"levelup/internal/storage"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

const (
	DefaultGrace    = 5 * time.Second
	DefaultDedupTTL = 24 * time.Hour

	// hardStopWait bounds the join after the grace deadline has cancelled
	// every loop.
	hardStopWait = 250 * time.Millisecond
)

// Config is captured once at Start; nothing reads it afterwards.
type Config struct {
	ChatID int64

	QueueSize int
	Dispatch  dispatch.WorkerConfig

	Words cadence.WordsConfig
	Bonus cadence.BonusConfig

	Router router.Config

	Recognition recognition.PoolConfig
	Precision   int
	DedupTTL    time.Duration

	Grace time.Duration
}

type Deps struct {
	Transport transport.Transport
	// Inbound is the transport's message stream. The pipeline only reads it.
	Inbound <-chan transport.Message
	// Engine may be nil; challenges are then ignored.
	Engine *recognition.Lazy
	Store  storage.Store
	Bus    eventbus.Bus
	Log    logx.Logger

	// Distribution overrides the uniform cadence draw.
	Distribution cadence.Distribution
}

// ExitStatus describes how a pipeline terminated.
type ExitStatus struct {
	// Drained is true when every queued action ran before the deadline.
	Drained   bool
	Dropped   int
	Abandoned uint64
	Took      time.Duration
	Err       error
}

// Code is the process exit code: 1 on error, 2 when the drain hit the
// grace deadline with work left, 0 otherwise.
func (s ExitStatus) Code() int {
	switch {
	case s.Err != nil:
		return 1
	case !s.Drained:
		return 2
	}
	return 0
}

type Pipeline struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store  storage.Store
	box    *dispatch.Outbox
	worker *dispatch.Worker
	pool   *recognition.Pool
	gens   []*cadence.Generator
	router *router.Router

	// producers: generators and router. core: dispatch worker.
	producers *rtsup.Supervisor
	core      *rtsup.Supervisor
	coreStop  context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shuttingDown atomic.Bool

	done   chan struct{}
	status ExitStatus
}

// Start builds every component from cfg and launches the loops. Cancelling
// ctx has the same effect as RequestShutdown.
func Start(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Transport == nil {
		return nil, errors.New("pipeline: transport is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("pipeline: chat id is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	p := &Pipeline{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "pipeline")),
		bus:        deps.Bus,
		store:      deps.Store,
		box:        dispatch.NewOutbox(cfg.QueueSize),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}

	wcfg := cfg.Dispatch
	wcfg.Chat = transport.ChatTarget{ChatID: cfg.ChatID}
	p.worker = dispatch.NewWorker(wcfg, deps.Transport, p.box, log.With(logx.String("comp", "dispatch")), deps.Bus)

	var opts []cadence.Option
	if deps.Distribution != nil {
		opts = append(opts, cadence.WithDistribution(deps.Distribution))
	}
	words, err := cadence.NewWords(cfg.Words, p.box, log.With(logx.String("comp", "cadence")), opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: words: %w", err)
	}
	bonus, err := cadence.NewBonus(cfg.Bonus, p.box, log.With(logx.String("comp", "cadence")), opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: bonus: %w", err)
	}
	for _, g := range []*cadence.Generator{words, bonus} {
		if g != nil {
			p.gens = append(p.gens, g)
		}
	}

	rcfg := cfg.Router
	rcfg.ChatID = cfg.ChatID
	var (
		submit router.Submitter
		avail  router.Availability
	)
	if rcfg.ChallengesEnabled && deps.Engine != nil {
		solver := recognition.Solver{Download: deps.Transport, Engine: deps.Engine, Precision: cfg.Precision}
		p.pool = recognition.NewPool(cfg.Recognition, solver.Solve, p.deliver, log.With(logx.String("comp", "recognition")), deps.Bus)
		submit = p.pool
		avail = deps.Engine
	} else {
		rcfg.ChallengesEnabled = false
	}
	p.router = router.New(rcfg, p.box, submit, avail, deps.Store, log.With(logx.String("comp", "router")))

	// Loops outlive ctx until the grace deadline; ctx only raises the signal.
	base := context.WithoutCancel(ctx)
	coreCtx, coreStop := context.WithCancel(base)
	p.coreStop = coreStop
	p.core = rtsup.New(coreCtx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	p.producers = rtsup.New(base, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))

	p.core.Go("dispatch.worker", p.worker.Run)
	if p.pool != nil {
		p.pool.Start(coreCtx)
	}
	for _, g := range p.gens {
		p.producers.Go("cadence."+g.Name(), g.Run)
	}
	if deps.Inbound != nil {
		in := deps.Inbound
		p.producers.Go("router", func(c context.Context) error { return p.router.Run(c, in) })
	}

	go p.coordinate(ctx)

	p.log.Info("pipeline started",
		logx.Int64("chat_id", cfg.ChatID),
		logx.Int("generators", len(p.gens)),
		logx.Bool("challenges", p.pool != nil),
		logx.Bool("boxes", rcfg.BoxesEnabled),
		logx.Duration("grace", cfg.Grace),
	)
	p.bus.Publish(eventbus.Event{Type: eventbus.PipelineStarted, Time: time.Now()})
	return p, nil
}

// Outbox exposes the outbound channel to additional producers.
func (p *Pipeline) Outbox() *dispatch.Outbox { return p.box }

// ShuttingDown reports whether the shutdown signal has been raised.
func (p *Pipeline) ShuttingDown() bool { return p.shuttingDown.Load() }

// RequestShutdown raises the shutdown signal. It does not block and is safe
// to call more than once.
func (p *Pipeline) RequestShutdown() {
	p.shutdownOnce.Do(func() {
		p.shuttingDown.Store(true)
		close(p.shutdownCh)
	})
}

// AwaitTermination blocks until the pipeline has stopped or ctx ends.
func (p *Pipeline) AwaitTermination(ctx context.Context) ExitStatus {
	select {
	case <-p.done:
		return p.status
	case <-ctx.Done():
		return ExitStatus{Dropped: p.box.Len(), Err: ctx.Err()}
	}
}

// Done is closed once the pipeline has terminated.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) coordinate(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.RequestShutdown()
	case <-p.shutdownCh:
	}
	p.status = p.shutdown()
	p.bus.Publish(eventbus.Event{Type: eventbus.PipelineStopped, Time: time.Now(), Data: p.status})
	close(p.done)
}

func (p *Pipeline) shutdown() ExitStatus {
	start := time.Now()
	deadline, cancel := context.WithTimeout(context.Background(), p.cfg.Grace)
	defer cancel()
	p.log.Info("pipeline stopping", logx.Int("queued", p.box.Len()), logx.Duration("grace", p.cfg.Grace))

	st := ExitStatus{Drained: true}

	// 1+2. generators and router stop at their next suspend point.
	p.step(deadline, "producers", func(c context.Context) error { return p.producers.Stop(c) })

	// 3. no new jobs; running ones may still deliver while the worker drains.
	if p.pool != nil {
		p.step(deadline, "recognition", p.pool.Stop)
	}

	// 4. close and drain.
	p.box.Close()
	if err := p.step(deadline, "dispatch", p.core.Wait); err != nil && deadline.Err() != nil {
		st.Drained = false
	}

	if deadline.Err() != nil {
		// Grace exhausted: cancel the worker and whatever jobs remain.
		p.coreStop()
		hard, hcancel := context.WithTimeout(context.Background(), hardStopWait)
		if err := p.core.Wait(hard); err != nil && hard.Err() != nil {
			p.log.Warn("dispatch worker did not exit after cancel")
		}
		hcancel()
		for _, a := range p.box.Drain() {
			st.Dropped++
			p.log.Warn("action dropped at shutdown", logx.String("id", a.ID()), logx.String("kind", a.Kind().String()), logx.String("producer", a.Producer()))
			p.bus.Publish(eventbus.Event{Type: eventbus.ActionDropped, Time: time.Now(), Data: dispatch.Outcome{
				ActionID: a.ID(),
				Producer: a.Producer(),
				Kind:     a.Kind().String(),
				Err:      "shutdown",
			}})
		}
		if st.Dropped > 0 {
			st.Drained = false
		}
	}
	p.coreStop()

	if p.pool != nil {
		st.Abandoned = p.pool.Snapshot().Abandoned
	}
	if err := p.producers.Err(); err != nil {
		st.Err = err
	} else if err := p.core.Err(); err != nil {
		st.Err = err
	}
	st.Took = time.Since(start)

	ws := p.worker.Stats()
	p.log.Info("pipeline stopped",
		logx.Bool("drained", st.Drained),
		logx.Int("dropped", st.Dropped),
		logx.Uint64("abandoned", st.Abandoned),
		logx.Uint64("sent", ws.Sent),
		logx.Uint64("send_dropped", ws.Dropped),
		logx.Duration("took", st.Took),
	)
	return st
}

// step runs one shutdown stage bounded by the shared deadline.
func (p *Pipeline) step(deadline context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(deadline)
	took := time.Since(start)
	switch {
	case err != nil && deadline.Err() != nil:
		p.log.Warn("stop step deadline reached", logx.String("name", name), logx.Duration("took", took))
	case err != nil:
		p.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
	default:
		p.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	}
	return err
}

// deliver is the re-entry point for solved challenges. It runs on a pool
// worker.
func (p *Pipeline) deliver(ctx context.Context, res recognition.Result) {
	log := p.log.With(logx.String("job", res.JobID), logx.Int("message_id", res.SourceMessageID))
	a := dispatch.ReplyTo("recognition", res.ReplyTargetID, res.Reply)
	if err := p.box.Enqueue(ctx, a); err != nil {
		log.Warn("reply discarded", logx.String("reply", res.Reply), logx.Err(err))
		return
	}
	log.Debug("reply queued", logx.String("id", a.ID()), logx.String("reply", res.Reply))

	if p.store == nil {
		return
	}
	until := time.Now().Add(p.cfg.DedupTTL)
	if err := p.store.PutDedup(ctx, storage.ChallengeKey(res.ChatID, res.SourceMessageID), until); err != nil {
		log.Warn("dedup write failed", logx.Err(err))
	}
}

// GeneratorSnapshot is the live state of one cadence generator.
type GeneratorSnapshot struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Band     string        `json:"band"`
	Enqueued uint64        `json:"enqueued"`
	LastWait time.Duration `json:"last_wait"`
}

// Snapshot is a best-effort view for the status endpoint.
type Snapshot struct {
	ChatID       int64                 `json:"chat_id"`
	ShuttingDown bool                  `json:"shutting_down"`
	QueueLen     int                   `json:"queue_len"`
	QueueCap     int                   `json:"queue_cap"`
	Dispatch     dispatch.Stats        `json:"dispatch"`
	Generators   []GeneratorSnapshot   `json:"generators"`
	Recognition  *recognition.Snapshot `json:"recognition,omitempty"`
}

func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		ChatID:       p.cfg.ChatID,
		ShuttingDown: p.ShuttingDown(),
		QueueLen:     p.box.Len(),
		QueueCap:     p.box.Cap(),
		Dispatch:     p.worker.Stats(),
	}
	for _, g := range p.gens {
		s.Generators = append(s.Generators, GeneratorSnapshot{
			Name:     g.Name(),
			State:    g.State().String(),
			Band:     g.Band().String(),
			Enqueued: g.Enqueued(),
			LastWait: g.LastWait(),
		})
	}
	if p.pool != nil {
		ps := p.pool.Snapshot()
		s.Recognition = &ps
	}
	return s
}

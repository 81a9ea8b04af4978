// Package cadence runs the periodic outbound producers: the word stream and
// the bonus message.
package cadence

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"levelup/internal/dispatch"
	logx "levelup/pkg/logx"
)

type State int32

const (
	Idle State = iota
	Waiting
	Sending
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Sending:
		return "sending"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Enqueuer accepts outbound actions; *dispatch.Outbox implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, a dispatch.Action) error
}

// Generator waits a freshly drawn delay, then enqueues one action, until
// its context ends.
type Generator struct {
	name        string
	band        Band
	dist        Distribution
	sendOnStart bool
	// adjust maps the drawn delay to the actual wait.
	adjust func(time.Duration) time.Duration
	next   func() dispatch.Action

	out Enqueuer
	log logx.Logger

	state    atomic.Int32
	enqueued atomic.Uint64
	lastWait atomic.Int64
	sleep    func(ctx context.Context, d time.Duration) error
}

type WordsConfig struct {
	Enabled bool
	Band    Band
	Words   []string

	AutoDelete  bool
	DeleteAfter time.Duration
	// RoundTrip is the extra time the delete call adds per cycle; it is
	// taken off every drawn delay.
	RoundTrip time.Duration
}

type BonusConfig struct {
	Enabled     bool
	Band        Band
	Body        string
	SendOnStart bool
}

type Option func(*Generator)

// WithDistribution replaces the uniform draw.
func WithDistribution(d Distribution) Option {
	return func(g *Generator) {
		if d != nil {
			g.dist = d
		}
	}
}

var ErrNoWords = errors.New("cadence: wordlist is empty")

// NewWords returns nil when the word stream is disabled.
func NewWords(cfg WordsConfig, out Enqueuer, log logx.Logger, opts ...Option) (*Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Words) == 0 {
		return nil, ErrNoWords
	}
	if err := cfg.Band.Validate(); err != nil {
		return nil, err
	}
	words := append([]string(nil), cfg.Words...)
	g := newGenerator("words", cfg.Band, out, log, opts...)
	g.next = func() dispatch.Action {
		w := words[rand.IntN(len(words))]
		if cfg.AutoDelete {
			return dispatch.SendAndAutoDelete("words", w, cfg.DeleteAfter)
		}
		return dispatch.SendText("words", w)
	}
	if cfg.AutoDelete && cfg.RoundTrip > 0 {
		rt := cfg.RoundTrip
		g.adjust = func(d time.Duration) time.Duration {
			if d -= rt; d < 0 {
				return 0
			}
			return d
		}
	}
	return g, nil
}

// NewBonus returns nil when the bonus message is disabled.
func NewBonus(cfg BonusConfig, out Enqueuer, log logx.Logger, opts ...Option) (*Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Body == "" {
		return nil, errors.New("cadence: bonus body is empty")
	}
	if err := cfg.Band.Validate(); err != nil {
		return nil, err
	}
	g := newGenerator("bonus", cfg.Band, out, log, opts...)
	g.sendOnStart = cfg.SendOnStart
	body := cfg.Body
	g.next = func() dispatch.Action { return dispatch.SendText("bonus", body) }
	return g, nil
}

func newGenerator(name string, band Band, out Enqueuer, log logx.Logger, opts ...Option) *Generator {
	g := &Generator{
		name:   name,
		band:   band,
		dist:   Uniform{},
		adjust: func(d time.Duration) time.Duration { return d },
		out:    out,
		log:    log.With(logx.String("gen", name)),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Generator) Name() string     { return g.name }
func (g *Generator) Band() Band       { return g.band }
func (g *Generator) State() State     { return State(g.state.Load()) }
func (g *Generator) Enqueued() uint64 { return g.enqueued.Load() }

// LastWait is the most recent wait actually slept (after adjustment).
func (g *Generator) LastWait() time.Duration { return time.Duration(g.lastWait.Load()) }

// Run loops until ctx ends or the outbox closes. It never enqueues after
// ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	defer g.state.Store(int32(Stopped))
	lo, hi := g.band.PerHour()
	g.log.Info("cadence started", logx.String("band", g.band.String()), logx.Int("per_hour_min", lo), logx.Int("per_hour_max", hi))

	if g.sendOnStart {
		if done := g.emit(ctx); done {
			return nil
		}
	}
	for {
		g.state.Store(int32(Waiting))
		d := g.adjust(clamp(g.dist.Draw(g.band), g.band))
		g.lastWait.Store(int64(d))
		if err := g.sleep(ctx, d); err != nil {
			g.log.Info("cadence stopped", logx.Uint64("enqueued", g.enqueued.Load()))
			return nil
		}
		if done := g.emit(ctx); done {
			return nil
		}
	}
}

// emit enqueues one action. It reports true when the loop must stop.
func (g *Generator) emit(ctx context.Context) bool {
	if ctx.Err() != nil {
		g.log.Info("cadence stopped", logx.Uint64("enqueued", g.enqueued.Load()))
		return true
	}
	g.state.Store(int32(Sending))
	a := g.next()
	err := g.out.Enqueue(ctx, a)
	switch {
	case err == nil:
		g.enqueued.Add(1)
		g.log.Debug("queued", logx.String("id", a.ID()), logx.String("body", a.Body()))
		return false
	case errors.Is(err, dispatch.ErrClosed), ctx.Err() != nil:
		g.log.Info("cadence stopped", logx.Uint64("enqueued", g.enqueued.Load()))
		return true
	default:
		g.log.Warn("enqueue failed", logx.Err(err))
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

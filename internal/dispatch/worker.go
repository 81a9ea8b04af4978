package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"levelup/internal/eventbus"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

const (
	DefaultSendTimeout = 10 * time.Second
	deleteRetries      = 3
)

type WorkerConfig struct {
	Chat transport.ChatTarget

	// RatePerSec paces transport calls. 0 disables pacing.
	RatePerSec float64
	Burst      int

	SendTimeout time.Duration

	// MaxCooldown caps a single rate-limit pause. 0 = no cap.
	MaxCooldown time.Duration
}

// Outcome is published on the bus for every finished action.
type Outcome struct {
	ActionID  string
	Producer  string
	Kind      string
	MessageID int
	Cooldown  time.Duration
	Err       string
}

type Stats struct {
	Sent        uint64
	Dropped     uint64
	RateLimited uint64
	Deleted     uint64
}

// Worker is the only caller of the transport's outbound methods.
type Worker struct {
	cfg WorkerConfig
	tr  transport.Transport
	box *Outbox
	log logx.Logger
	bus eventbus.Bus
	lim *rate.Limiter

	// callMu is held for every transport call, deferred deletes included.
	callMu     sync.Mutex
	pauseUntil atomic.Int64 // unix nanos

	pendMu   sync.Mutex
	pending  map[string]*pendingDelete
	flushed  bool
	deleting sync.WaitGroup
	runCtx   context.Context

	sent        atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
	deleted     atomic.Uint64
}

type pendingDelete struct {
	action Action
	ref    transport.MessageRef
	timer  *time.Timer
}

func NewWorker(cfg WorkerConfig, tr transport.Transport, box *Outbox, log logx.Logger, bus eventbus.Bus) *Worker {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	w := &Worker{
		cfg:     cfg,
		tr:      tr,
		box:     box,
		log:     log,
		bus:     bus,
		pending: map[string]*pendingDelete{},
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return w
}

func (w *Worker) Stats() Stats {
	return Stats{
		Sent:        w.sent.Load(),
		Dropped:     w.dropped.Load(),
		RateLimited: w.rateLimited.Load(),
		Deleted:     w.deleted.Load(),
	}
}

// Run consumes the outbox until it is closed and empty, or ctx ends.
// Pending auto-deletes are flushed before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.pendMu.Lock()
	w.runCtx = ctx
	w.pendMu.Unlock()

	defer w.flushDeletes(ctx)

	w.log.Info("dispatch worker started", logx.Int("queue_cap", w.box.Cap()), logx.Float64("rate_per_sec", w.cfg.RatePerSec))
	for {
		a, ok := w.box.Dequeue(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				w.log.Warn("dispatch worker cancelled", logx.Int("queued", w.box.Len()))
				return err
			}
			w.log.Info("dispatch worker drained", logx.Uint64("sent", w.sent.Load()), logx.Uint64("dropped", w.dropped.Load()))
			return nil
		}
		w.handle(ctx, a)
	}
}

func (w *Worker) handle(ctx context.Context, a Action) {
	for {
		if err := w.waitTurn(ctx); err != nil {
			w.drop(a, err)
			return
		}

		start := time.Now()
		ref, err := w.exec(ctx, a)
		if err == nil {
			w.sent.Add(1)
			w.log.Debug("action sent", logx.String("id", a.ID()), logx.String("producer", a.Producer()), logx.String("action", a.String()), logx.Duration("dur", time.Since(start)))
			w.bus.Publish(eventbus.Event{Type: eventbus.ActionSent, Data: Outcome{ActionID: a.ID(), Producer: a.Producer(), Kind: a.Kind().String(), MessageID: ref.MessageID}})
			if a.Kind() == KindSendAndAutoDelete {
				w.scheduleDelete(a, ref)
			}
			return
		}

		if rl, ok := transport.AsRateLimit(err); ok {
			cd := rl.Cooldown
			if w.cfg.MaxCooldown > 0 && cd > w.cfg.MaxCooldown {
				cd = w.cfg.MaxCooldown
			}
			w.rateLimited.Add(1)
			w.log.Warn("rate limited, pausing dispatch", logx.String("id", a.ID()), logx.String("producer", a.Producer()), logx.Duration("cooldown", cd))
			w.bus.Publish(eventbus.Event{Type: eventbus.ActionRateLimited, Data: Outcome{ActionID: a.ID(), Producer: a.Producer(), Kind: a.Kind().String(), Cooldown: cd}})
			w.pause(cd)
			continue
		}

		w.drop(a, err)
		return
	}
}

func (w *Worker) drop(a Action, err error) {
	w.dropped.Add(1)
	w.log.Warn("action dropped", logx.String("id", a.ID()), logx.String("producer", a.Producer()), logx.String("action", a.String()), logx.Err(err))
	w.bus.Publish(eventbus.Event{Type: eventbus.ActionDropped, Data: Outcome{ActionID: a.ID(), Producer: a.Producer(), Kind: a.Kind().String(), Err: errString(err)}})
}

// waitTurn honours an active rate-limit pause, then the pacing limiter.
func (w *Worker) waitTurn(ctx context.Context) error {
	if err := w.waitPause(ctx); err != nil {
		return err
	}
	if w.lim != nil {
		return w.lim.Wait(ctx)
	}
	return nil
}

func (w *Worker) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d).UnixNano()
	for {
		cur := w.pauseUntil.Load()
		if cur >= until || w.pauseUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

func (w *Worker) waitPause(ctx context.Context) error {
	for {
		until := w.pauseUntil.Load()
		d := time.Until(time.Unix(0, until))
		if until == 0 || d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Worker) exec(ctx context.Context, a Action) (transport.MessageRef, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	switch a.Kind() {
	case KindSendText, KindSendAndAutoDelete:
		return w.tr.SendText(cctx, w.cfg.Chat, a.Body(), nil)
	case KindReplyTo:
		return w.tr.SendText(cctx, w.cfg.Chat, a.Body(), &transport.SendOptions{ReplyTo: a.Target()})
	case KindClickButton:
		row, col := a.Button()
		ref := transport.MessageRef{ChatID: w.cfg.Chat.ChatID, MessageID: a.Target()}
		return ref, w.tr.ClickButton(cctx, ref, row, col)
	default:
		return transport.MessageRef{}, errors.New("unknown action kind " + a.Kind().String())
	}
}

func (w *Worker) scheduleDelete(a Action, ref transport.MessageRef) {
	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	p := &pendingDelete{action: a, ref: ref}
	id := a.ID()
	p.timer = time.AfterFunc(a.DeleteAfter(), func() { w.fireDelete(id) })
	w.pending[id] = p
}

func (w *Worker) fireDelete(id string) {
	w.pendMu.Lock()
	p, ok := w.pending[id]
	if !ok || w.flushed {
		w.pendMu.Unlock()
		return
	}
	delete(w.pending, id)
	w.deleting.Add(1)
	ctx := w.runCtx
	w.pendMu.Unlock()

	defer w.deleting.Done()
	w.deleteNow(ctx, p.action, p.ref)
}

// PendingDeletes reports scheduled deletes not yet executed.
func (w *Worker) PendingDeletes() int {
	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	return len(w.pending)
}

func (w *Worker) flushDeletes(ctx context.Context) {
	w.pendMu.Lock()
	w.flushed = true
	list := make([]*pendingDelete, 0, len(w.pending))
	for id, p := range w.pending {
		p.timer.Stop()
		list = append(list, p)
		delete(w.pending, id)
	}
	w.pendMu.Unlock()

	if len(list) > 0 {
		if ctx.Err() != nil {
			w.log.Warn("pending auto-deletes abandoned", logx.Int("count", len(list)))
		} else {
			w.log.Info("flushing pending auto-deletes", logx.Int("count", len(list)))
			for _, p := range list {
				w.deleteNow(ctx, p.action, p.ref)
			}
		}
	}
	w.deleting.Wait()
}

func (w *Worker) deleteNow(ctx context.Context, a Action, ref transport.MessageRef) {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for i := 0; i < deleteRetries; i++ {
		if err = w.waitPause(ctx); err != nil {
			break
		}
		err = func() error {
			w.callMu.Lock()
			defer w.callMu.Unlock()
			cctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
			defer cancel()
			return w.tr.DeleteMessage(cctx, ref)
		}()
		if err == nil {
			w.deleted.Add(1)
			w.log.Debug("auto-deleted message", logx.String("id", a.ID()), logx.Int("message_id", ref.MessageID))
			w.bus.Publish(eventbus.Event{Type: eventbus.ActionDeleted, Data: Outcome{ActionID: a.ID(), Producer: a.Producer(), Kind: a.Kind().String(), MessageID: ref.MessageID}})
			return
		}
		rl, ok := transport.AsRateLimit(err)
		if !ok {
			break
		}
		w.rateLimited.Add(1)
		w.pause(rl.Cooldown)
	}
	w.log.Warn("auto-delete failed", logx.String("id", a.ID()), logx.Int("message_id", ref.MessageID), logx.Err(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

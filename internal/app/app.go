// Package app wires the config manager, storage, recognition engine and chat
// session around one running pipeline, and rebuilds the pipeline when the
// config file changes.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"levelup/internal/cadence"
	"levelup/internal/config"
	"levelup/internal/eventbus"
	"levelup/internal/journal"
	"levelup/internal/observability/status"
	"levelup/internal/pipeline"
	"levelup/internal/recognition"
	rtsup "levelup/internal/runtime/supervisor"
	"levelup/internal/storage"
	"levelup/internal/transport"
	"levelup/internal/transport/mtproto"
	"levelup/internal/transport/telegram"
	logx "levelup/pkg/logx"
)

const inboundBuffer = 256

type App struct {
	cfgm     *config.Manager
	settings config.Settings

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	journal *journal.Recorder
	engine  *recognition.Lazy

	tr      transport.Transport
	inbound chan transport.Message

	status *status.Server
	notify Notifier
	dist   cadence.Distribution

	sup *rtsup.Supervisor

	mu       sync.Mutex
	pipe     *pipeline.Pipeline
	stopping bool
	last     pipeline.ExitStatus
}

type Option func(*App)

// WithTransport replaces the Telegram session.
func WithTransport(tr transport.Transport) Option { return func(a *App) { a.tr = tr } }

func WithNotifier(n Notifier) Option { return func(a *App) { a.notify = n } }

// WithDistribution overrides the cadence draw of every pipeline built.
func WithDistribution(d cadence.Distribution) Option { return func(a *App) { a.dist = d } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.Logging)
	a := &App{
		cfgm:     cfgm,
		settings: s,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		inbound:  make(chan transport.Message, inboundBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	if a.notify == nil {
		a.notify = SystemdNotifier(a.log)
	}
	a.status = status.New(s.Status, log.With(logx.String("comp", "status")), a.snapshot, a.health)

	if sc, enabled := storageConfig(s); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.journal = journal.New(st, a.bus, 0, log.With(logx.String("comp", "journal")))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if s.Recognition.Engine != recognition.EngineNone {
		load, err := recognition.NewLoader(EngineConfig(s))
		if err != nil {
			_ = a.closeResources()
			return nil, err
		}
		a.engine = recognition.NewLazy(load, s.Recognition.LoadTimeout, log.With(logx.String("comp", "recognition")))
	}

	if a.tr == nil {
		tr, err := newTransport(s, log)
		if err != nil {
			_ = a.closeResources()
			return nil, err
		}
		a.tr = tr
	}
	return a, nil
}

// newTransport opens the chat session for telegram.mode: a user session over
// MTProto, or the Bot API.
func newTransport(s config.Settings, log logx.Logger) (transport.Transport, error) {
	if s.Session == config.SessionUser {
		return mtproto.New(MTProtoConfig(s), log.With(logx.String("comp", "mtproto")))
	}
	return telegram.New(telegram.Config{Token: s.Token, PollTimeout: s.PollTimeout}, log.With(logx.String("comp", "telegram")))
}

// Settings returns the settings the current pipeline was built from.
func (a *App) Settings() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	words, used, err := loadWords(a.settings)
	if err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// A reload that would fail to build must not be published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		s, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		_, _, err = loadWords(s)
		return err
	})

	if a.journal != nil {
		a.sup.Go("journal", a.journal.Run)
	}
	if err := a.tr.Start(a.sup.Context(), a.inbound); err != nil {
		a.sup.Cancel()
		return err
	}

	p, err := a.startPipeline(a.settings, words)
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.mu.Lock()
	a.pipe = p
	a.mu.Unlock()
	a.logSummary(a.settings, len(words), used)
	a.status.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) startPipeline(s config.Settings, words []string) (*pipeline.Pipeline, error) {
	return pipeline.Start(a.sup.Context(), pipelineConfig(s, words), pipeline.Deps{
		Transport:    a.tr,
		Inbound:      a.inbound,
		Engine:       a.engine,
		Store:        a.store,
		Bus:          a.bus,
		Log:          a.log.With(logx.String("comp", "pipeline")),
		Distribution: a.dist,
	})
}

// logSummary prints the effective configuration once per pipeline build.
func (a *App) logSummary(s config.Settings, nWords int, wordlistPath string) {
	wLo, wHi := cadence.Band{Min: s.Words.Min, Max: s.Words.Max}.PerHour()
	bLo, bHi := cadence.Band{Min: s.Bonus.Min, Max: s.Bonus.Max}.PerHour()
	a.log.Info("configuration",
		logx.Int64("group_id", s.GroupID),
		logx.String("session", s.Session),
		logx.Bool("words", s.Words.Enabled),
		logx.String("words.mode", s.Words.Mode),
		logx.String("words.band", fmt.Sprintf("%s-%s", s.Words.Min, s.Words.Max)),
		logx.String("words.per_hour", fmt.Sprintf("%d-%d", wLo, wHi)),
		logx.Int("words.count", nWords),
		logx.String("words.file", wordlistPath),
		logx.Bool("words.auto_delete", s.Words.AutoDelete),
		logx.Bool("bonus", s.Bonus.Enabled),
		logx.String("bonus.per_hour", fmt.Sprintf("%d-%d", bLo, bHi)),
		logx.Bool("challenges", s.Challenges.Enabled),
		logx.Bool("boxes", s.Boxes),
		logx.String("sender", s.Router.SenderUsername),
		logx.String("engine", s.Recognition.Engine),
		logx.String("storage", s.Storage.Driver),
		logx.Duration("grace", s.Grace),
	)
}

// Stop drains the pipeline, then tears down the session, the supervised
// loops and the shared resources. It returns how the last pipeline ended.
func (a *App) Stop(ctx context.Context, reason StopReason) pipeline.ExitStatus {
	if a.sup == nil {
		_ = a.closeResources()
		return pipeline.ExitStatus{Drained: true}
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	a.mu.Lock()
	a.stopping = true
	p := a.pipe
	grace := a.settings.Grace
	st := a.last
	a.mu.Unlock()
	if p == nil && st.Took == 0 {
		// no pipeline ever ran, nothing to drain
		st.Drained = true
	}

	if p != nil {
		p.RequestShutdown()
		wctx, cancel := context.WithTimeout(ctx, grace+time.Second)
		st = p.AwaitTermination(wctx)
		cancel()
		if st.Err != nil {
			a.log.Warn("pipeline did not stop cleanly", logx.Err(st.Err))
		}
	}

	a.sup.Cancel()
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "transport", 3*time.Second, func(c context.Context) error { return a.tr.Stop(c) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) && st.Err == nil {
		st.Err = err
	}
	a.log.Info("stopped",
		logx.Bool("drained", st.Drained),
		logx.Int("dropped", st.Dropped),
		logx.Uint64("abandoned", st.Abandoned),
		logx.Int("exit_code", st.Code()),
	)
	_ = a.logs.Close()
	return st
}

func (a *App) closeResources() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

type appSnapshot struct {
	Pipeline        *pipeline.Snapshot `json:"pipeline,omitempty"`
	Engine          string             `json:"engine"`
	EngineAvailable bool               `json:"engine_available"`
	LastExit        *lastExit          `json:"last_exit,omitempty"`
}

type lastExit struct {
	Drained   bool   `json:"drained"`
	Dropped   int    `json:"dropped"`
	Abandoned uint64 `json:"abandoned"`
	Took      string `json:"took"`
}

func (a *App) snapshot() any {
	a.mu.Lock()
	p, last, s := a.pipe, a.last, a.settings
	a.mu.Unlock()

	out := appSnapshot{Engine: s.Recognition.Engine, EngineAvailable: a.engine.Available()}
	if p != nil {
		ps := p.Snapshot()
		out.Pipeline = &ps
	}
	if last.Took > 0 {
		out.LastExit = &lastExit{Drained: last.Drained, Dropped: last.Dropped, Abandoned: last.Abandoned, Took: last.Took.String()}
	}
	return out
}

func (a *App) health() error {
	a.mu.Lock()
	p, stopping := a.pipe, a.stopping
	a.mu.Unlock()
	if stopping || p == nil {
		return errors.New("stopping")
	}
	if p.ShuttingDown() {
		// between pipelines during a reload
		return errors.New("pipeline restarting")
	}
	return nil
}

package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "levelup/pkg/logx"
)

// Engine turns image bytes into text. Implementations must be safe for
// concurrent use and hold no per-call state.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img []byte) (string, error)
	Close() error
}

// Loader builds an engine. It runs at most once per process.
type Loader func(ctx context.Context) (Engine, error)

const (
	EngineNone      = "none"
	EngineCommand   = "command"
	EngineTesseract = "tesseract"
)

var ErrEngineDisabled = errors.New("recognition engine disabled")

type EngineConfig struct {
	Kind      string
	Command   CommandConfig
	Tesseract TesseractConfig
	// LoadTimeout bounds the one-time load. 0 = 30s.
	LoadTimeout time.Duration
}

// TesseractConfig is only used in binaries built with -tags tesseract.
type TesseractConfig struct {
	Languages   []string
	Whitelist   string
	PageSegMode int
}

// NewLoader returns the loader for cfg.Kind.
func NewLoader(cfg EngineConfig) (Loader, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", EngineNone:
		return func(context.Context) (Engine, error) { return nil, ErrEngineDisabled }, nil
	case EngineCommand:
		cc := cfg.Command
		return func(ctx context.Context) (Engine, error) { return newCommand(ctx, cc) }, nil
	case EngineTesseract:
		tc := cfg.Tesseract
		return func(ctx context.Context) (Engine, error) { return newTesseract(ctx, tc) }, nil
	default:
		return nil, fmt.Errorf("unknown recognition engine %q", cfg.Kind)
	}
}

// Lazy loads its engine on the first Get and keeps the outcome for the
// process lifetime. A failed load is never retried.
type Lazy struct {
	load    Loader
	timeout time.Duration
	log     logx.Logger

	once sync.Once
	done chan struct{}
	eng  Engine
	err  error
}

func NewLazy(load Loader, loadTimeout time.Duration, log logx.Logger) *Lazy {
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	return &Lazy{load: load, timeout: loadTimeout, log: log, done: make(chan struct{})}
}

// Get returns the shared engine, loading it on first use.
func (l *Lazy) Get(ctx context.Context) (Engine, error) {
	if l == nil {
		return nil, ErrEngineDisabled
	}
	l.once.Do(func() {
		defer close(l.done)
		// The first caller's cancellation must not poison the shared load.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		start := time.Now()
		l.eng, l.err = l.load(lctx)
		if l.err == nil && l.eng == nil {
			l.err = ErrEngineDisabled
		}
		switch {
		case errors.Is(l.err, ErrEngineDisabled):
			l.log.Info("recognition engine disabled")
		case l.err != nil:
			l.log.Error("recognition engine failed to load; challenges disabled", logx.Err(l.err))
		default:
			l.log.Info("recognition engine loaded", logx.String("engine", l.eng.Name()), logx.Duration("dur", time.Since(start)))
		}
	})
	select {
	case <-l.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.eng, l.err
}

// Available is false once a load has failed. Before the first load it is
// optimistic.
func (l *Lazy) Available() bool {
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return l.err == nil
	default:
		return true
	}
}

func (l *Lazy) Close() error {
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		if l.eng != nil {
			return l.eng.Close()
		}
	default:
	}
	return nil
}

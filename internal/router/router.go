// Package router classifies inbound group messages and turns them into
// recognition jobs or button clicks.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"levelup/internal/dispatch"
	"levelup/internal/recognition"
	"levelup/internal/storage"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

const (
	DefaultChallengeMarker = "چالش"
	DefaultBoxMarker       = "جعبه"
)

type Class int

const (
	Ignored Class = iota
	Challenge
	Box
)

func (c Class) String() string {
	switch c {
	case Challenge:
		return "challenge"
	case Box:
		return "box"
	default:
		return "ignored"
	}
}

type Config struct {
	ChatID int64
	// SenderUsername, when set, restricts handling to one sender.
	SenderUsername string

	ChallengeMarker   string
	BoxMarker         string
	ChallengesEnabled bool
	BoxesEnabled      bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, a dispatch.Action) error
}

type Submitter interface {
	Submit(job recognition.Job) error
}

// Availability reports whether the recognition engine can be used.
type Availability interface {
	Available() bool
}

type Router struct {
	cfg    Config
	sender string
	out    Enqueuer
	pool   Submitter
	engine Availability
	store  storage.Store
	log    logx.Logger
}

func New(cfg Config, out Enqueuer, pool Submitter, engine Availability, store storage.Store, log logx.Logger) *Router {
	if cfg.ChallengeMarker == "" {
		cfg.ChallengeMarker = DefaultChallengeMarker
	}
	if cfg.BoxMarker == "" {
		cfg.BoxMarker = DefaultBoxMarker
	}
	return &Router{
		cfg:    cfg,
		sender: NormalizeUsername(cfg.SenderUsername),
		out:    out,
		pool:   pool,
		engine: engine,
		store:  store,
		log:    log,
	}
}

// NormalizeUsername strips a leading '@' and lowercases; Telegram usernames
// are case-insensitive.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// Classify picks the first matching category: challenge, then box.
func Classify(m transport.Message, challengeMarker, boxMarker string) Class {
	if (challengeMarker != "" && strings.Contains(m.Text, challengeMarker)) || m.HasPhoto {
		return Challenge
	}
	if boxMarker != "" && strings.Contains(m.Text, boxMarker) {
		return Box
	}
	return Ignored
}

// Run handles messages from in until ctx ends or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan transport.Message) error {
	r.log.Info("router started", logx.Int64("chat_id", r.cfg.ChatID), logx.String("sender", r.sender), logx.Bool("challenges", r.cfg.ChallengesEnabled), logx.Bool("boxes", r.cfg.BoxesEnabled))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("router stopped")
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, m)
		}
	}
}

// Handle routes one message and reports how it was classified.
func (r *Router) Handle(ctx context.Context, m transport.Message) Class {
	if ctx.Err() != nil {
		return Ignored
	}
	if m.ChatID != r.cfg.ChatID {
		r.log.Trace("message from other chat", logx.Int64("chat_id", m.ChatID))
		return Ignored
	}
	if r.sender != "" && NormalizeUsername(m.SenderUsername) != r.sender {
		r.log.Trace("message from other sender", logx.String("sender", m.SenderUsername))
		return Ignored
	}

	class := Classify(m, r.cfg.ChallengeMarker, r.cfg.BoxMarker)
	switch class {
	case Challenge:
		r.challenge(ctx, m)
	case Box:
		r.box(ctx, m)
	}
	return class
}

func (r *Router) challenge(ctx context.Context, m transport.Message) {
	log := r.log.With(logx.Int("message_id", m.ID))
	if !r.cfg.ChallengesEnabled || r.pool == nil {
		log.Debug("challenge ignored: challenges disabled")
		return
	}
	if r.engine != nil && !r.engine.Available() {
		log.Info("challenge ignored: recognition unavailable")
		return
	}
	if !m.HasPhoto || m.Photo.IsZero() {
		log.Info("challenge ignored: no photo")
		return
	}
	if ok, err := storage.Answered(ctx, r.store, storage.ChallengeKey(m.ChatID, m.ID)); err != nil {
		log.Warn("dedup lookup failed", logx.Err(err))
	} else if ok {
		log.Info("challenge already answered")
		return
	}

	job := recognition.NewJob(m.ChatID, m.ID, m.Photo)
	job.Received = time.Now()
	switch err := r.pool.Submit(job); {
	case err == nil:
		log.Info("challenge submitted", logx.String("job", job.ID), logx.String("sender", m.SenderUsername))
	case errors.Is(err, recognition.ErrPoolSaturated):
		log.Warn("challenge dropped: recognition pool saturated", logx.String("job", job.ID))
	default:
		log.Warn("challenge not submitted", logx.String("job", job.ID), logx.Err(err))
	}
}

func (r *Router) box(ctx context.Context, m transport.Message) {
	log := r.log.With(logx.Int("message_id", m.ID))
	if !r.cfg.BoxesEnabled {
		log.Debug("box ignored: boxes disabled")
		return
	}
	clicks := 0
	for row, buttons := range m.Buttons {
		for col := range buttons {
			a := dispatch.ClickButton("router.box", m.ID, row, col)
			if err := r.out.Enqueue(ctx, a); err != nil {
				log.Warn("box click not queued", logx.Int("row", row), logx.Int("col", col), logx.Err(err))
				return
			}
			clicks++
		}
	}
	if clicks == 0 {
		log.Info("box message has no buttons")
		return
	}
	log.Info("box clicks queued", logx.Int("count", clicks))
}

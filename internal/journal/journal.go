// Package journal records pipeline outcomes from the event bus into storage.
package journal

import (
	"context"
	"time"

	"levelup/internal/dispatch"
	"levelup/internal/eventbus"
	"levelup/internal/recognition"
	"levelup/internal/storage"
	logx "levelup/pkg/logx"
)

const writeTimeout = 2 * time.Second

// Recorder consumes bus events until ctx ends or the subscription closes.
type Recorder struct {
	store storage.Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()
}

// New subscribes immediately so no event published after New is missed.
func New(store storage.Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	ch, unsub := bus.Subscribe(buffer)
	return &Recorder{store: store, log: log, ch: ch, unsub: unsub}
}

func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.write(ev)
		}
	}
}

// drain writes whatever is already buffered.
func (r *Recorder) drain() {
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.write(ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ev eventbus.Event) {
	e, ok := ToEntry(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendJournal(ctx, e); err != nil {
		r.log.Warn("journal write failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

// ToEntry maps a bus event to a journal entry. Unknown events are skipped.
func ToEntry(ev eventbus.Event) (storage.Entry, bool) {
	e := storage.Entry{At: ev.Time, Event: ev.Type}
	switch d := ev.Data.(type) {
	case dispatch.Outcome:
		e.Producer = d.Producer
		e.Action = d.Kind
		e.ActionID = d.ActionID
		e.MessageID = d.MessageID
		e.Error = d.Err
		if d.Cooldown > 0 {
			e.TookMS = d.Cooldown.Milliseconds()
		}
	case recognition.JobEvent:
		e.Producer = "recognition"
		e.JobID = d.JobID
		e.MessageID = d.MessageID
		e.Text = d.Text
		e.Reply = d.Reply
		e.Error = d.Err
		e.TookMS = d.Duration.Milliseconds()
	default:
		return storage.Entry{}, false
	}
	return e, true
}

// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"levelup/internal/transport"
)

type Call struct {
	Op      string // send, delete, click, download
	Text    string
	ReplyTo int
	Ref     transport.MessageRef
	Row     int
	Col     int
	At      time.Time
}

// Fake records every call. Hooks, when set, decide the result of a call.
type Fake struct {
	// Latency is slept inside every outbound call (ctx-aware).
	Latency time.Duration

	OnSend     func(n int, text string) error // n is the 1-based send attempt count
	OnDelete   func(ref transport.MessageRef) error
	OnClick    func(ref transport.MessageRef, row, col int) error
	OnDownload func(media transport.MediaRef) ([]byte, error)

	mu     sync.Mutex
	calls  []Call
	sends  int
	nextID int
	out    chan<- transport.Message

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func New() *Fake { return &Fake{nextID: 1000} }

func (f *Fake) Start(ctx context.Context, out chan<- transport.Message) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.out = nil
	f.mu.Unlock()
	return nil
}

// Inject delivers m to the channel passed to Start. It blocks until accepted
// or ctx ends.
func (f *Fake) Inject(ctx context.Context, m transport.Message) bool {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *Fake) enter(ctx context.Context) error {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.Latency > 0 {
		t := time.NewTimer(f.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (f *Fake) leave() { f.inFlight.Add(-1) }

func (f *Fake) record(c Call) {
	c.At = time.Now()
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	f.mu.Lock()
	f.sends++
	n := f.sends
	f.mu.Unlock()
	if f.OnSend != nil {
		if err := f.OnSend(n, text); err != nil {
			return transport.MessageRef{}, err
		}
	}
	c := Call{Op: "send", Text: text}
	if opt != nil {
		c.ReplyTo = opt.ReplyTo
	}
	f.mu.Lock()
	f.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	f.mu.Unlock()
	c.Ref = ref
	f.record(c)
	return ref, nil
}

func (f *Fake) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return err
	}
	if f.OnDelete != nil {
		if err := f.OnDelete(ref); err != nil {
			return err
		}
	}
	f.record(Call{Op: "delete", Ref: ref})
	return nil
}

func (f *Fake) ClickButton(ctx context.Context, ref transport.MessageRef, row, col int) error {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return err
	}
	if f.OnClick != nil {
		if err := f.OnClick(ref, row, col); err != nil {
			return err
		}
	}
	f.record(Call{Op: "click", Ref: ref, Row: row, Col: col})
	return nil
}

func (f *Fake) DownloadMedia(ctx context.Context, media transport.MediaRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.record(Call{Op: "download", Text: media.FileID})
	if f.OnDownload != nil {
		return f.OnDownload(media)
	}
	return []byte(media.FileID), nil
}

// Calls returns a copy of recorded calls, optionally filtered by op.
func (f *Fake) Calls(ops ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, 0, len(f.calls))
	for _, c := range f.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight is the highest number of concurrent outbound calls observed.
func (f *Fake) MaxInFlight() int { return int(f.maxInFlight.Load()) }

// WaitCalls polls until at least n calls with op were recorded or d elapses.
func (f *Fake) WaitCalls(op string, n int, d time.Duration) []Call {
	deadline := time.Now().Add(d)
	for {
		calls := f.Calls(op)
		if len(calls) >= n || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

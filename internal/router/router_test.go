package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"levelup/internal/dispatch"
	"levelup/internal/recognition"
	"levelup/internal/storage"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

type recordingOutbox struct {
	mu      sync.Mutex
	actions []dispatch.Action
	err     error
}

func (o *recordingOutbox) Enqueue(ctx context.Context, a dispatch.Action) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.actions = append(o.actions, a)
	return nil
}

type recordingPool struct {
	jobs []recognition.Job
	err  error
}

func (p *recordingPool) Submit(job recognition.Job) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type avail bool

func (a avail) Available() bool { return bool(a) }

type dedupStore struct{ answered map[string]bool }

func (d dedupStore) AppendJournal(context.Context, storage.Entry) error { return nil }
func (d dedupStore) PutDedup(context.Context, string, time.Time) error  { return nil }
func (d dedupStore) Close() error                                       { return nil }
func (d dedupStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if d.answered[key] {
		return time.Now().Add(time.Hour), true, nil
	}
	return time.Time{}, false, nil
}

const chat = int64(-100)

func newRouter(cfg Config) (*Router, *recordingOutbox, *recordingPool) {
	out := &recordingOutbox{}
	pool := &recordingPool{}
	if cfg.ChatID == 0 {
		cfg.ChatID = chat
	}
	return New(cfg, out, pool, avail(true), nil, logx.Nop()), out, pool
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  transport.Message
		want Class
	}{
		{"challenge marker", transport.Message{Text: "یک چالش جدید"}, Challenge},
		{"photo only", transport.Message{HasPhoto: true}, Challenge},
		{"box marker", transport.Message{Text: "جعبه شانس"}, Box},
		{"challenge wins over box", transport.Message{Text: "چالش جعبه"}, Challenge},
		{"photo wins over box", transport.Message{Text: "جعبه", HasPhoto: true}, Challenge},
		{"plain text", transport.Message{Text: "hello"}, Ignored},
		{"empty", transport.Message{}, Ignored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.msg, DefaultChallengeMarker, DefaultBoxMarker); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestBoxClicksRowMajor(t *testing.T) {
	r, out, _ := newRouter(Config{BoxesEnabled: true})
	msg := transport.Message{
		ID:     77,
		ChatID: chat,
		Text:   "جعبه",
		Buttons: [][]transport.Button{
			{{Text: "b1"}, {Text: "b2"}},
			{{Text: "b3"}},
		},
	}
	if c := r.Handle(context.Background(), msg); c != Box {
		t.Fatalf("class=%s", c)
	}
	want := [][2]int{{0, 0}, {0, 1}, {1, 0}}
	if len(out.actions) != len(want) {
		t.Fatalf("actions=%d", len(out.actions))
	}
	for i, a := range out.actions {
		row, col := a.Button()
		if a.Kind() != dispatch.KindClickButton || a.Target() != 77 || row != want[i][0] || col != want[i][1] {
			t.Fatalf("action %d = %s", i, a)
		}
	}
}

func TestBoxSkipsEmptyRows(t *testing.T) {
	r, out, _ := newRouter(Config{BoxesEnabled: true})
	msg := transport.Message{
		ID:      5,
		ChatID:  chat,
		Text:    "جعبه",
		Buttons: [][]transport.Button{nil, {{Text: "only"}}, {}},
	}
	r.Handle(context.Background(), msg)
	if len(out.actions) != 1 {
		t.Fatalf("actions=%d", len(out.actions))
	}
	if row, col := out.actions[0].Button(); row != 1 || col != 0 {
		t.Fatalf("click at (%d,%d)", row, col)
	}
}

func TestBoxStopsOnEnqueueError(t *testing.T) {
	r, out, _ := newRouter(Config{BoxesEnabled: true})
	out.err = dispatch.ErrClosed
	msg := transport.Message{ChatID: chat, Text: "جعبه", Buttons: [][]transport.Button{{{}, {}}}}
	r.Handle(context.Background(), msg)
	if len(out.actions) != 0 {
		t.Fatalf("actions=%d", len(out.actions))
	}
}

func TestFilters(t *testing.T) {
	cases := []struct {
		name   string
		sender string
		msg    transport.Message
		want   Class
	}{
		{"other chat", "", transport.Message{ChatID: 1, HasPhoto: true}, Ignored},
		{"no sender filter", "", transport.Message{ChatID: chat, HasPhoto: true, SenderUsername: "anyone"}, Challenge},
		{"sender matches", "@GameBot", transport.Message{ChatID: chat, HasPhoto: true, SenderUsername: "gamebot"}, Challenge},
		{"sender differs", "gamebot", transport.Message{ChatID: chat, HasPhoto: true, SenderUsername: "mallory"}, Ignored},
		{"sender missing", "gamebot", transport.Message{ChatID: chat, HasPhoto: true}, Ignored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newRouter(Config{SenderUsername: tc.sender})
			if got := r.Handle(context.Background(), tc.msg); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestChallengeSubmitsJob(t *testing.T) {
	r, _, pool := newRouter(Config{ChallengesEnabled: true})
	msg := transport.Message{ID: 9, ChatID: chat, Text: "چالش", HasPhoto: true, Photo: transport.MediaRef{FileID: "f1"}}
	r.Handle(context.Background(), msg)
	if len(pool.jobs) != 1 {
		t.Fatalf("jobs=%d", len(pool.jobs))
	}
	j := pool.jobs[0]
	if j.SourceMessageID != 9 || j.ReplyTargetID != 9 || j.Photo.FileID != "f1" || j.ChatID != chat {
		t.Fatalf("job=%+v", j)
	}
}

func TestChallengeAlreadyAnswered(t *testing.T) {
	store := dedupStore{answered: map[string]bool{storage.ChallengeKey(chat, 9): true}}
	pool := &recordingPool{}
	r := New(Config{ChatID: chat, ChallengesEnabled: true}, &recordingOutbox{}, pool, avail(true), store, logx.Nop())
	r.Handle(context.Background(), transport.Message{ID: 9, ChatID: chat, HasPhoto: true, Photo: transport.MediaRef{FileID: "f"}})
	r.Handle(context.Background(), transport.Message{ID: 10, ChatID: chat, HasPhoto: true, Photo: transport.MediaRef{FileID: "f"}})
	if len(pool.jobs) != 1 || pool.jobs[0].SourceMessageID != 10 {
		t.Fatalf("jobs=%+v", pool.jobs)
	}
}

func TestChallengeIgnored(t *testing.T) {
	photo := transport.Message{ID: 1, ChatID: chat, HasPhoto: true, Photo: transport.MediaRef{FileID: "f"}}
	cases := []struct {
		name    string
		cfg     Config
		engine  Availability
		msg     transport.Message
		poolErr error
	}{
		{name: "disabled", cfg: Config{}, engine: avail(true), msg: photo},
		{name: "engine unavailable", cfg: Config{ChallengesEnabled: true}, engine: avail(false), msg: photo},
		{name: "no photo", cfg: Config{ChallengesEnabled: true}, engine: avail(true), msg: transport.Message{ID: 1, ChatID: chat, Text: "چالش"}},
		{name: "saturated", cfg: Config{ChallengesEnabled: true}, engine: avail(true), msg: photo, poolErr: recognition.ErrPoolSaturated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.ChatID = chat
			pool := &recordingPool{err: tc.poolErr}
			r := New(tc.cfg, &recordingOutbox{}, pool, tc.engine, nil, logx.Nop())
			if c := r.Handle(context.Background(), tc.msg); c != Challenge {
				t.Fatalf("class=%s", c)
			}
			if len(pool.jobs) != 0 {
				t.Fatalf("jobs=%d", len(pool.jobs))
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, out, _ := newRouter(Config{BoxesEnabled: true})
	in := make(chan transport.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in) }()

	in <- transport.Message{ChatID: chat, Text: "جعبه", Buttons: [][]transport.Button{{{}}}}
	deadline := time.Now().Add(time.Second)
	for {
		out.mu.Lock()
		n := len(out.actions)
		out.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("router did not stop")
	}
	if r.Handle(ctx, transport.Message{ChatID: chat, Text: "جعبه", Buttons: [][]transport.Button{{{}}}}) != Ignored {
		t.Fatalf("handled after cancel")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx=%v", ctx.Err())
	}
}

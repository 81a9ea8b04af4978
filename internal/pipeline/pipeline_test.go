package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"levelup/internal/cadence"
	"levelup/internal/dispatch"
	"levelup/internal/eventbus"
	"levelup/internal/recognition"
	"levelup/internal/router"
	"levelup/internal/storage"
	"levelup/internal/transport"
	"levelup/internal/transport/transporttest"
	logx "levelup/pkg/logx"
)

const chat = int64(-100)

// echoEngine reads the image bytes back as text.
type echoEngine struct{}

func (echoEngine) Name() string { return "echo" }
func (echoEngine) Close() error { return nil }
func (echoEngine) Recognize(_ context.Context, img []byte) (string, error) {
	return string(img), nil
}

func echoLazy() *recognition.Lazy {
	return recognition.NewLazy(func(context.Context) (recognition.Engine, error) { return echoEngine{}, nil }, 0, logx.Nop())
}

type dedupRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (d *dedupRecorder) AppendJournal(context.Context, storage.Entry) error { return nil }
func (d *dedupRecorder) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (d *dedupRecorder) Close() error { return nil }
func (d *dedupRecorder) PutDedup(_ context.Context, key string, _ time.Time) error {
	d.mu.Lock()
	d.keys = append(d.keys, key)
	d.mu.Unlock()
	return nil
}

func (d *dedupRecorder) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

func allFeatures() router.Config {
	return router.Config{ChallengesEnabled: true, BoxesEnabled: true}
}

var fixed = cadence.DistributionFunc(func(b cadence.Band) time.Duration { return b.Min })

func TestStartValidates(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no transport", Config{ChatID: chat}, Deps{}},
		{"no chat", Config{}, Deps{Transport: transporttest.New()}},
		{"empty wordlist", Config{ChatID: chat, Words: cadence.WordsConfig{Enabled: true, Band: cadence.FastBand}}, Deps{Transport: transporttest.New()}},
		{"empty bonus", Config{ChatID: chat, Bonus: cadence.BonusConfig{Enabled: true, Band: cadence.BonusBand}}, Deps{Transport: transporttest.New()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Start(context.Background(), tc.cfg, tc.deps); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestChallengeRepliesEndToEnd(t *testing.T) {
	tr := transporttest.New()
	in := make(chan transport.Message, 4)
	store := &dedupRecorder{}
	p, err := Start(context.Background(), Config{
		ChatID:    chat,
		Router:    allFeatures(),
		Precision: -1,
	}, Deps{Transport: tr, Inbound: in, Engine: echoLazy(), Store: store, Bus: eventbus.New(), Log: logx.Nop()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	in <- transport.Message{ID: 31, ChatID: chat, Text: "چالش", HasPhoto: true, Photo: transport.MediaRef{FileID: "3 + 4 ="}}
	in <- transport.Message{ID: 32, ChatID: chat, HasPhoto: true, Photo: transport.MediaRef{FileID: "lorem"}}

	sends := tr.WaitCalls("send", 1, 2*time.Second)
	if len(sends) != 1 || sends[0].Text != "7" || sends[0].ReplyTo != 31 {
		t.Fatalf("sends=%+v", sends)
	}

	p.RequestShutdown()
	st := p.AwaitTermination(context.Background())
	if st.Err != nil || !st.Drained || st.Code() != 0 {
		t.Fatalf("status=%+v", st)
	}
	if got := tr.Calls("send"); len(got) != 1 {
		t.Fatalf("unparseable challenge got a reply: %+v", got)
	}
	if keys := store.all(); len(keys) != 1 || keys[0] != storage.ChallengeKey(chat, 31) {
		t.Fatalf("dedup keys=%v", keys)
	}
}

func TestBoxAndWordsShareOneChannel(t *testing.T) {
	tr := transporttest.New()
	tr.Latency = time.Millisecond
	in := make(chan transport.Message, 1)
	p, err := Start(context.Background(), Config{
		ChatID: chat,
		Words: cadence.WordsConfig{
			Enabled: true,
			Band:    cadence.Band{Min: 2 * time.Millisecond, Max: 2 * time.Millisecond},
			Words:   []string{"salam"},
		},
		Router: allFeatures(),
	}, Deps{Transport: tr, Inbound: in, Distribution: fixed})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	in <- transport.Message{ID: 8, ChatID: chat, Text: "جعبه", Buttons: [][]transport.Button{{{}, {}}, {{}}}}

	clicks := tr.WaitCalls("click", 3, 2*time.Second)
	tr.WaitCalls("send", 5, 2*time.Second)
	p.RequestShutdown()
	p.AwaitTermination(context.Background())

	if len(clicks) != 3 {
		t.Fatalf("clicks=%d", len(clicks))
	}
	if tr.MaxInFlight() != 1 {
		t.Fatalf("max in flight=%d", tr.MaxInFlight())
	}
}

func TestShutdownWithinGrace(t *testing.T) {
	tr := transporttest.New()
	// Every call outlasts the grace period.
	tr.Latency = 10 * time.Second
	grace := 150 * time.Millisecond
	p, err := Start(context.Background(), Config{ChatID: chat, QueueSize: 8, Grace: grace}, Deps{Transport: tr})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := p.Outbox().Enqueue(context.Background(), dispatch.SendText("test", "x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	start := time.Now()
	p.RequestShutdown()
	p.RequestShutdown()
	st := p.AwaitTermination(context.Background())
	el := time.Since(start)
	if el > grace+hardStopWait+200*time.Millisecond {
		t.Fatalf("termination took %s", el)
	}
	if st.Drained || st.Dropped == 0 {
		t.Fatalf("status=%+v", st)
	}
	if st.Code() != 2 {
		t.Fatalf("incomplete drain exit code=%d", st.Code())
	}
	if !p.ShuttingDown() {
		t.Fatalf("signal not raised")
	}
}

func TestNoEnqueueAfterShutdown(t *testing.T) {
	tr := transporttest.New()
	p, err := Start(context.Background(), Config{
		ChatID: chat,
		Words: cadence.WordsConfig{
			Enabled: true,
			Band:    cadence.Band{Min: time.Millisecond, Max: time.Millisecond},
			Words:   []string{"a", "b"},
		},
		Bonus: cadence.BonusConfig{
			Enabled:     true,
			Band:        cadence.Band{Min: time.Millisecond, Max: time.Millisecond},
			Body:        "bonus",
			SendOnStart: true,
		},
		Grace: time.Second,
	}, Deps{Transport: tr, Distribution: fixed})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.WaitCalls("send", 10, 2*time.Second)

	p.RequestShutdown()
	st := p.AwaitTermination(context.Background())
	if st.Err != nil || !st.Drained {
		t.Fatalf("status=%+v", st)
	}
	// The outbox is poisoned: any late producer is refused.
	if err := p.Outbox().TryEnqueue(dispatch.SendText("late", "x")); !errors.Is(err, dispatch.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	n := len(tr.Calls("send"))
	time.Sleep(30 * time.Millisecond)
	if m := len(tr.Calls("send")); m != n {
		t.Fatalf("sends after termination: %d -> %d", n, m)
	}
}

func TestParentCancelRaisesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, Config{ChatID: chat}, Deps{Transport: transporttest.New()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not stop")
	}
	if !p.ShuttingDown() {
		t.Fatalf("signal not raised")
	}
}

func TestAwaitTerminationHonoursContext(t *testing.T) {
	p, err := Start(context.Background(), Config{ChatID: chat}, Deps{Transport: transporttest.New()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		p.RequestShutdown()
		p.AwaitTermination(context.Background())
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if st := p.AwaitTermination(ctx); !errors.Is(st.Err, context.DeadlineExceeded) {
		t.Fatalf("status=%+v", st)
	}
}

func TestSnapshot(t *testing.T) {
	tr := transporttest.New()
	p, err := Start(context.Background(), Config{
		ChatID: chat,
		Bonus:  cadence.BonusConfig{Enabled: true, Band: cadence.BonusBand, Body: "bonus", SendOnStart: true},
	}, Deps{Transport: tr, Distribution: fixed})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.WaitCalls("send", 1, 2*time.Second)

	// the worker counts the send after the transport returns
	s := p.Snapshot()
	for deadline := time.Now().Add(time.Second); s.Dispatch.Sent == 0 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		s = p.Snapshot()
	}
	if s.ChatID != chat || s.ShuttingDown || s.Recognition != nil {
		t.Fatalf("snapshot=%+v", s)
	}
	if len(s.Generators) != 1 || s.Generators[0].Name != "bonus" || s.Generators[0].Enqueued != 1 {
		t.Fatalf("generators=%+v", s.Generators)
	}
	if s.Dispatch.Sent != 1 {
		t.Fatalf("dispatch=%+v", s.Dispatch)
	}

	p.RequestShutdown()
	p.AwaitTermination(context.Background())
	if !p.Snapshot().ShuttingDown {
		t.Fatalf("not shutting down after request")
	}
}

func TestExitStatusCode(t *testing.T) {
	cases := []struct {
		st   ExitStatus
		want int
	}{
		{ExitStatus{Drained: true}, 0},
		{ExitStatus{Drained: false, Dropped: 3}, 2},
		{ExitStatus{Drained: true, Err: errors.New("boom")}, 1},
		{ExitStatus{Drained: false, Err: errors.New("boom")}, 1},
	}
	for _, tc := range cases {
		if got := tc.st.Code(); got != tc.want {
			t.Fatalf("%+v: code=%d want %d", tc.st, got, tc.want)
		}
	}
}

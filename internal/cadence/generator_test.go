package cadence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"levelup/internal/dispatch"
	logx "levelup/pkg/logx"
)

type recordingOut struct {
	mu      sync.Mutex
	actions []dispatch.Action
	limit   int
	cancel  context.CancelFunc
}

func (r *recordingOut) Enqueue(ctx context.Context, a dispatch.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	if r.limit > 0 && len(r.actions) >= r.limit && r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *recordingOut) all() []dispatch.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Action(nil), r.actions...)
}

func TestUniformStaysInBand(t *testing.T) {
	for _, b := range []Band{FastBand, SlowBand, BonusBand} {
		var lo, hi time.Duration = b.Max, b.Min
		for i := 0; i < 500; i++ {
			d := Uniform{}.Draw(b)
			if d < b.Min || d > b.Max {
				t.Fatalf("band %s: drew %s", b, d)
			}
			if d < lo {
				lo = d
			}
			if d > hi {
				hi = d
			}
		}
		if lo == hi {
			t.Fatalf("band %s: every draw identical (%s)", b, lo)
		}
	}
}

func TestWordsDrawFreshDelayEachCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &recordingOut{limit: 120, cancel: cancel}

	var draws int
	dist := DistributionFunc(func(b Band) time.Duration {
		draws++
		return Uniform{}.Draw(b)
	})
	g, err := NewWords(WordsConfig{Enabled: true, Band: FastBand, Words: []string{"a", "b", "c"}}, out, logx.Nop(), WithDistribution(dist))
	if err != nil || g == nil {
		t.Fatalf("NewWords: %v", err)
	}
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}

	if err := g.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	acts := out.all()
	if len(acts) != 120 {
		t.Fatalf("enqueued %d", len(acts))
	}
	if draws < len(acts) {
		t.Fatalf("draws=%d < enqueues=%d", draws, len(acts))
	}
	for _, d := range slept {
		if d < FastBand.Min || d > FastBand.Max {
			t.Fatalf("wait %s outside %s", d, FastBand)
		}
	}
	words := map[string]bool{"a": true, "b": true, "c": true}
	for _, a := range acts {
		if a.Kind() != dispatch.KindSendText || !words[a.Body()] || a.Producer() != "words" {
			t.Fatalf("unexpected action %v %q", a, a.Body())
		}
	}
	if g.State() != Stopped {
		t.Fatalf("state=%s", g.State())
	}
}

func TestWordsAutoDeleteAdjustsWait(t *testing.T) {
	cases := []struct {
		drawn, rt, want time.Duration
	}{
		{5 * time.Second, 2 * time.Second, 3 * time.Second},
		{time.Second, 2 * time.Second, 0},
	}
	for _, tc := range cases {
		ctx, cancel := context.WithCancel(context.Background())
		out := &recordingOut{limit: 1, cancel: cancel}
		fixed := DistributionFunc(func(Band) time.Duration { return tc.drawn })
		band := Band{Min: tc.drawn, Max: tc.drawn}
		g, err := NewWords(WordsConfig{
			Enabled: true, Band: band, Words: []string{"w"},
			AutoDelete: true, DeleteAfter: time.Second, RoundTrip: tc.rt,
		}, out, logx.Nop(), WithDistribution(fixed))
		if err != nil {
			t.Fatalf("NewWords: %v", err)
		}
		g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
		_ = g.Run(ctx)
		cancel()

		if got := g.LastWait(); got != tc.want {
			t.Fatalf("drawn=%s rt=%s: wait=%s want %s", tc.drawn, tc.rt, got, tc.want)
		}
		a := out.all()[0]
		if a.Kind() != dispatch.KindSendAndAutoDelete || a.DeleteAfter() != time.Second {
			t.Fatalf("action=%v after=%s", a, a.DeleteAfter())
		}
	}
}

func TestDistributionIsClampedToBand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := &recordingOut{limit: 1, cancel: cancel}
	wild := DistributionFunc(func(Band) time.Duration { return time.Hour })
	g, _ := NewWords(WordsConfig{Enabled: true, Band: FastBand, Words: []string{"w"}}, out, logx.Nop(), WithDistribution(wild))
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	_ = g.Run(ctx)
	if g.LastWait() != FastBand.Max {
		t.Fatalf("wait=%s want %s", g.LastWait(), FastBand.Max)
	}
}

func TestDisabledGeneratorsAreNil(t *testing.T) {
	g, err := NewWords(WordsConfig{Enabled: false}, &recordingOut{}, logx.Nop())
	if g != nil || err != nil {
		t.Fatalf("words: g=%v err=%v", g, err)
	}
	b, err := NewBonus(BonusConfig{Enabled: false}, &recordingOut{}, logx.Nop())
	if b != nil || err != nil {
		t.Fatalf("bonus: g=%v err=%v", b, err)
	}
}

func TestWordsEmptyList(t *testing.T) {
	_, err := NewWords(WordsConfig{Enabled: true, Band: FastBand}, &recordingOut{}, logx.Nop())
	if !errors.Is(err, ErrNoWords) {
		t.Fatalf("want ErrNoWords, got %v", err)
	}
}

func TestStopsPromptlyOnCancelWithoutEnqueue(t *testing.T) {
	out := &recordingOut{}
	g, _ := NewWords(WordsConfig{Enabled: true, Band: Band{Min: time.Hour, Max: time.Hour}, Words: []string{"w"}}, out, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("generator did not stop")
	}
	if n := len(out.all()); n != 0 {
		t.Fatalf("enqueued %d after cancel", n)
	}
}

func TestBonusSendOnStart(t *testing.T) {
	out := &recordingOut{}
	g, err := NewBonus(BonusConfig{Enabled: true, Band: BonusBand, Body: "bonus!", SendOnStart: true}, out, logx.Nop())
	if err != nil {
		t.Fatalf("NewBonus: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for len(out.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	acts := out.all()
	if len(acts) != 1 || acts[0].Body() != "bonus!" || acts[0].Producer() != "bonus" {
		t.Fatalf("actions=%v", acts)
	}
}

func TestStopsWhenOutboxCloses(t *testing.T) {
	box := dispatch.NewOutbox(1)
	box.Close()
	g, _ := NewBonus(BonusConfig{Enabled: true, Band: Band{Min: time.Millisecond, Max: time.Millisecond}, Body: "b"}, box, logx.Nop())
	done := make(chan struct{})
	go func() {
		_ = g.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("generator kept running on closed outbox")
	}
}

func TestPerHour(t *testing.T) {
	lo, hi := FastBand.PerHour()
	if lo != 900 || hi != 1100 {
		t.Fatalf("fast per hour = %d..%d", lo, hi)
	}
	lo, hi = SlowBand.PerHour()
	if lo != 100 || hi != 150 {
		t.Fatalf("slow per hour = %d..%d", lo, hi)
	}
}

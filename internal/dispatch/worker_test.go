package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"levelup/internal/eventbus"
	"levelup/internal/transport"
	"levelup/internal/transport/transporttest"
	logx "levelup/pkg/logx"
)

func startWorker(t *testing.T, cfg WorkerConfig, tr transport.Transport, box *Outbox) (*Worker, <-chan error) {
	t.Helper()
	cfg.Chat = transport.ChatTarget{ChatID: -100}
	w := NewWorker(cfg, tr, box, logx.Nop(), eventbus.New())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return w, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not exit")
		return nil
	}
}

func TestWorkerSerializesAllCalls(t *testing.T) {
	tr := transporttest.New()
	tr.Latency = 2 * time.Millisecond
	box := NewOutbox(16)
	w, done := startWorker(t, WorkerConfig{}, tr, box)

	var wg sync.WaitGroup
	for p := 0; p < 3; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				var a Action
				switch i % 3 {
				case 0:
					a = SendText(fmt.Sprint(p), "w")
				case 1:
					a = SendAndAutoDelete(fmt.Sprint(p), "d", time.Millisecond)
				default:
					a = ClickButton(fmt.Sprint(p), 7, 0, i)
				}
				if err := box.Enqueue(context.Background(), a); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()
	box.Close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := tr.MaxInFlight(); got != 1 {
		t.Fatalf("max in-flight calls=%d want 1", got)
	}
	st := w.Stats()
	if st.Sent != 30 {
		t.Fatalf("sent=%d want 30", st.Sent)
	}
	if n := len(tr.Calls("delete")); n != 9 {
		t.Fatalf("deletes=%d want 9", n)
	}
}

func TestWorkerPreservesQueueOrder(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(8)
	for _, s := range []string{"a", "b", "c", "d"} {
		_ = box.Enqueue(context.Background(), SendText("t", s))
	}
	box.Close()
	_, done := startWorker(t, WorkerConfig{}, tr, box)
	_ = waitDone(t, done)

	var got string
	for _, c := range tr.Calls("send") {
		got += c.Text
	}
	if got != "abcd" {
		t.Fatalf("order=%q", got)
	}
}

func TestWorkerRetriesAfterRateLimit(t *testing.T) {
	tr := transporttest.New()
	const cd = 80 * time.Millisecond
	tr.OnSend = func(n int, text string) error {
		if n == 1 {
			return &transport.RateLimitError{Cooldown: cd}
		}
		return nil
	}
	box := NewOutbox(4)
	_ = box.Enqueue(context.Background(), SendText("t", "first"))
	_ = box.Enqueue(context.Background(), SendText("t", "second"))
	box.Close()

	start := time.Now()
	w, done := startWorker(t, WorkerConfig{}, tr, box)
	_ = waitDone(t, done)

	calls := tr.Calls("send")
	if len(calls) != 2 || calls[0].Text != "first" || calls[1].Text != "second" {
		t.Fatalf("calls=%+v", calls)
	}
	if calls[0].At.Sub(start) < cd {
		t.Fatalf("retry happened before cooldown: %s", calls[0].At.Sub(start))
	}
	if st := w.Stats(); st.RateLimited != 1 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWorkerDropsOnTransportError(t *testing.T) {
	tr := transporttest.New()
	tr.OnSend = func(n int, text string) error {
		if text == "bad" {
			return transport.Wrap("send", errors.New("boom"))
		}
		return nil
	}
	box := NewOutbox(4)
	_ = box.Enqueue(context.Background(), SendText("t", "bad"))
	_ = box.Enqueue(context.Background(), SendText("t", "good"))
	box.Close()

	w, done := startWorker(t, WorkerConfig{}, tr, box)
	_ = waitDone(t, done)

	calls := tr.Calls("send")
	if len(calls) != 1 || calls[0].Text != "good" {
		t.Fatalf("calls=%+v", calls)
	}
	if st := w.Stats(); st.Dropped != 1 || st.Sent != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWorkerReplyAndClickArguments(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(4)
	_ = box.Enqueue(context.Background(), ReplyTo("recognition", 42, "7"))
	_ = box.Enqueue(context.Background(), ClickButton("router.box", 55, 1, 0))
	box.Close()
	_, done := startWorker(t, WorkerConfig{}, tr, box)
	_ = waitDone(t, done)

	sends := tr.Calls("send")
	if len(sends) != 1 || sends[0].ReplyTo != 42 || sends[0].Text != "7" {
		t.Fatalf("sends=%+v", sends)
	}
	clicks := tr.Calls("click")
	if len(clicks) != 1 || clicks[0].Ref.MessageID != 55 || clicks[0].Row != 1 || clicks[0].Col != 0 {
		t.Fatalf("clicks=%+v", clicks)
	}
}

func TestWorkerAutoDeleteAfterDelay(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(4)
	_, done := startWorker(t, WorkerConfig{}, tr, box)

	const d = 60 * time.Millisecond
	_ = box.Enqueue(context.Background(), SendAndAutoDelete("words", "hi", d))

	dels := tr.WaitCalls("delete", 1, 2*time.Second)
	if len(dels) != 1 {
		t.Fatalf("no delete recorded")
	}
	sends := tr.Calls("send")
	if dels[0].Ref != sends[0].Ref {
		t.Fatalf("deleted %+v, sent %+v", dels[0].Ref, sends[0].Ref)
	}
	if gap := dels[0].At.Sub(sends[0].At); gap < d {
		t.Fatalf("deleted too early: %s", gap)
	}
	box.Close()
	_ = waitDone(t, done)
}

func TestWorkerFlushesPendingDeletesOnClose(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(4)
	_ = box.Enqueue(context.Background(), SendAndAutoDelete("words", "hi", time.Hour))
	box.Close()

	w, done := startWorker(t, WorkerConfig{}, tr, box)
	_ = waitDone(t, done)

	if n := len(tr.Calls("delete")); n != 1 {
		t.Fatalf("deletes=%d want 1", n)
	}
	if w.PendingDeletes() != 0 {
		t.Fatalf("pending deletes left")
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(4)
	w := NewWorker(WorkerConfig{}, tr, box, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestWorkerPacing(t *testing.T) {
	tr := transporttest.New()
	box := NewOutbox(8)
	for i := 0; i < 4; i++ {
		_ = box.Enqueue(context.Background(), SendText("t", "x"))
	}
	box.Close()

	start := time.Now()
	_, done := startWorker(t, WorkerConfig{RatePerSec: 20, Burst: 1}, tr, box)
	_ = waitDone(t, done)

	// Burst 1 at 20/s: 3 waits of 50ms after the first token.
	if el := time.Since(start); el < 140*time.Millisecond {
		t.Fatalf("pacing not applied: %s", el)
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestOutboxFIFO(t *testing.T) {
	o := NewOutbox(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := o.Enqueue(ctx, SendText("t", fmt.Sprint(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	o.Close()
	for i := 0; i < 5; i++ {
		a, ok := o.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d: closed early", i)
		}
		if a.Body() != fmt.Sprint(i) {
			t.Fatalf("dequeue %d: got %q", i, a.Body())
		}
	}
	if _, ok := o.Dequeue(ctx); ok {
		t.Fatalf("expected closed and empty")
	}
}

func TestOutboxBackpressureBlocksAtCapacity(t *testing.T) {
	const c = 3
	o := NewOutbox(c)
	ctx := context.Background()
	for i := 0; i < c; i++ {
		if err := o.Enqueue(ctx, SendText("t", "x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- o.Enqueue(ctx, SendText("t", "overflow")) }()

	select {
	case err := <-done:
		t.Fatalf("enqueue C+1 returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := o.Dequeue(ctx); !ok {
		t.Fatalf("dequeue failed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enqueue after space freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("enqueue C+1 never completed")
	}
	if o.Len() != c {
		t.Fatalf("len=%d want %d", o.Len(), c)
	}
}

func TestOutboxTryEnqueueOverflow(t *testing.T) {
	o := NewOutbox(1)
	if err := o.TryEnqueue(SendText("t", "a")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := o.TryEnqueue(SendText("t", "b")); !errors.Is(err, ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
}

func TestOutboxEnqueueAfterClose(t *testing.T) {
	o := NewOutbox(1)
	o.Close()
	o.Close()
	if err := o.Enqueue(context.Background(), SendText("t", "a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue: want ErrClosed, got %v", err)
	}
	if err := o.TryEnqueue(SendText("t", "a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("TryEnqueue: want ErrClosed, got %v", err)
	}
}

func TestOutboxCloseReleasesBlockedProducer(t *testing.T) {
	o := NewOutbox(1)
	ctx := context.Background()
	_ = o.Enqueue(ctx, SendText("t", "a"))

	done := make(chan error, 1)
	go func() { done <- o.Enqueue(ctx, SendText("t", "b")) }()
	time.Sleep(20 * time.Millisecond)
	o.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked producer not released")
	}

	// The accepted action survives closure.
	a, ok := o.Dequeue(ctx)
	if !ok || a.Body() != "a" {
		t.Fatalf("got %v %q", ok, a.Body())
	}
}

func TestOutboxEnqueueContextCancel(t *testing.T) {
	o := NewOutbox(1)
	_ = o.TryEnqueue(SendText("t", "a"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Enqueue(ctx, SendText("t", "b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
}

func TestOutboxConcurrentProducersNoLoss(t *testing.T) {
	o := NewOutbox(4)
	ctx := context.Background()

	const producers, per = 8, 50
	var wg sync.WaitGroup
	var accepted sync.Map
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				a := SendText(fmt.Sprint(p), fmt.Sprint(i))
				if err := o.Enqueue(ctx, a); err == nil {
					accepted.Store(a.ID(), true)
				}
			}
		}(p)
	}

	got := map[string]bool{}
	lastPerProducer := map[string]int{}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			a, ok := o.Dequeue(ctx)
			if !ok {
				return
			}
			got[a.ID()] = true
			var n int
			fmt.Sscan(a.Body(), &n)
			if prev, ok := lastPerProducer[a.Producer()]; ok && n <= prev {
				t.Errorf("producer %s out of order: %d after %d", a.Producer(), n, prev)
			}
			lastPerProducer[a.Producer()] = n
		}
	}()

	wg.Wait()
	o.Close()
	<-consumed

	accepted.Range(func(k, _ any) bool {
		if !got[k.(string)] {
			t.Errorf("accepted action %v never dequeued", k)
		}
		return true
	})
	if len(got) != producers*per {
		t.Fatalf("dequeued %d want %d", len(got), producers*per)
	}
}

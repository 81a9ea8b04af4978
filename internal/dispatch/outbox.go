package dispatch

import (
	"context"
	"sync"
)

const DefaultQueueSize = 64

// Outbox is the bounded FIFO between producers and the dispatch worker.
//
// Producers call Enqueue (blocking) or TryEnqueue. The worker calls Dequeue
// until it reports false. Close stops intake; actions already accepted are
// still dequeued.
type Outbox struct {
	ch chan Action

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}

	// Producers currently inside Enqueue. Dequeue waits for them after close
	// so an action that lands late is still seen.
	entering sync.WaitGroup
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{
		ch:       make(chan Action, size),
		closedCh: make(chan struct{}),
	}
}

// Enqueue blocks until a is accepted, ctx ends or the outbox closes.
func (o *Outbox) Enqueue(ctx context.Context, a Action) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.entering.Add(1)
	o.mu.Unlock()
	defer o.entering.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	// Prefer direct acceptance when there is room.
	select {
	case o.ch <- a:
		return nil
	default:
	}

	select {
	case o.ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.closedCh:
		return ErrClosed
	}
}

// TryEnqueue accepts a only if there is room right now.
func (o *Outbox) TryEnqueue(a Action) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.ch <- a:
		return nil
	default:
		return ErrOverflow
	}
}

// Dequeue returns the next action. ok is false once the outbox is closed and
// empty, or ctx ended.
func (o *Outbox) Dequeue(ctx context.Context) (a Action, ok bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return Action{}, false
	}
	select {
	case a = <-o.ch:
		return a, true
	case <-ctx.Done():
		return Action{}, false
	case <-o.closedCh:
	}

	o.entering.Wait()
	select {
	case a = <-o.ch:
		return a, true
	default:
		return Action{}, false
	}
}

// Close stops accepting actions. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.closedCh)
}

func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Done is closed when Close is called.
func (o *Outbox) Done() <-chan struct{} { return o.closedCh }

func (o *Outbox) Len() int { return len(o.ch) }
func (o *Outbox) Cap() int { return cap(o.ch) }

// Drain removes and returns everything still queued without blocking.
// Used after the worker is gone to account for abandoned actions.
func (o *Outbox) Drain() []Action {
	var out []Action
	for {
		select {
		case a := <-o.ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

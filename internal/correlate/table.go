package correlate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("correlate: request timed out")
	ErrClosed  = errors.New("correlate: table closed")
)

// Table tracks calls awaiting a response. Every registered id is removed
// exactly once: by Resolve, by Await giving up, by Discard, or by Close.
type Table[T any] struct {
	mu      sync.Mutex
	ids     *IDSource
	pending map[uint64]chan T
	closed  bool
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{
		ids:     NewIDSource(),
		pending: make(map[uint64]chan T),
	}
}

// Register allocates a fresh id and the channel its response arrives on.
func (t *Table[T]) Register() (uint64, <-chan T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}
	id := t.ids.Next()
	for {
		if _, taken := t.pending[id]; !taken {
			break
		}
		id = t.ids.Next()
	}
	ch := make(chan T, 1)
	t.pending[id] = ch
	return id, ch, nil
}

// Resolve delivers v to the waiter for id. It reports false when id is
// unknown, already resolved, or timed out; such responses are dropped.
func (t *Table[T]) Resolve(id uint64, v T) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// Discard forgets id without delivering anything.
func (t *Table[T]) Discard(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Await blocks until the response for id arrives, the timeout passes, ctx
// ends, or the table closes. A zero timeout waits on ctx alone.
func (t *Table[T]) Await(ctx context.Context, id uint64, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-expired:
		t.Discard(id)
		return zero, ErrTimeout
	case <-ctx.Done():
		t.Discard(id)
		return zero, ctx.Err()
	}
}

// Len reports how many calls are still waiting.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every waiter with ErrClosed and rejects new registrations.
func (t *Table[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks let each backend attach its own metrics and logging.
type Hooks struct {
	// OnError runs when send fails; the frame is not retried.
	OnError func(can.Frame, error)
	// OnSent runs after a successful send.
	OnSent func(can.Frame)
	// OnDrop runs when the queue is full and its error is returned from
	// SendFrame. Without it overflow is silent.
	OnDrop func(can.Frame) error
}

// AsyncTx funnels writes for one bus through a single goroutine so device
// writes never run on the caller's path. SendFrame does not block.
type AsyncTx struct {
	queue chan can.Frame
	quit  chan struct{}
	send  func(can.Frame) error
	hooks Hooks
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sent, failed, dropped atomic.Uint64
}

// NewAsyncTx starts the worker with a queue of buf frames. The worker stops
// when parent is cancelled or Close is called; queued frames are discarded.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	a := &AsyncTx{
		queue: make(chan can.Frame, buf),
		quit:  make(chan struct{}),
		send:  send,
		hooks: hooks,
	}
	a.wg.Add(1)
	go a.run(parent.Done())
	return a
}

func (a *AsyncTx) run(done <-chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-a.quit:
			return
		case fr := <-a.queue:
			a.deliver(fr)
		}
	}
}

func (a *AsyncTx) deliver(fr can.Frame) {
	if err := a.send(fr); err != nil {
		a.failed.Add(1)
		if h := a.hooks.OnError; h != nil {
			h(fr, err)
		}
		return
	}
	a.sent.Add(1)
	if h := a.hooks.OnSent; h != nil {
		h(fr)
	}
}

// SendFrame queues fr. A full queue counts a drop and returns OnDrop's error.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrAsyncTxClosed
	}
	select {
	case a.queue <- fr:
		return nil
	default:
	}
	a.dropped.Add(1)
	if h := a.hooks.OnDrop; h != nil {
		return h(fr)
	}
	return nil
}

// Pending returns the number of queued frames.
func (a *AsyncTx) Pending() int { return len(a.queue) }

// Stats returns sent, failed and dropped frame counts.
func (a *AsyncTx) Stats() (sent, failed, dropped uint64) {
	return a.sent.Load(), a.failed.Load(), a.dropped.Load()
}

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.quit)
	a.mu.Unlock()
	a.wg.Wait()
}

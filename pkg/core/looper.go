package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Executor runs a callback in the caller's chosen execution context. Callbacks passed
// to the same Executor must never run concurrently with one another.
type Executor func(fn func())

// Looper is the default Executor: a single goroutine draining an unbounded FIFO of
// callbacks. Post never blocks, so workers are never held up by slow delegates.
type Looper struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	// inCallback is set while the loop goroutine is inside a callback.
	inCallback atomic.Bool

	wake chan struct{}
	done chan struct{}
}

// NewLooper starts the callback goroutine.
func NewLooper(logger *slog.Logger) *Looper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Looper{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.loop()
	return l
}

// Post queues fn. Callbacks posted after Close are dropped.
func (l *Looper) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("callback dropped after close")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close runs the callbacks already queued and stops the goroutine. Called while a
// callback is running (typically from inside one), Close only marks the looper
// closed and returns; the goroutine still drains the queue before exiting.
func (l *Looper) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if l.inCallback.Load() {
		return
	}
	<-l.done
}

// Done is closed once the goroutine has drained the queue and exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) loop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

// run isolates the loop from a panicking delegate.
func (l *Looper) run(fn func()) {
	l.inCallback.Store(true)
	defer func() {
		l.inCallback.Store(false)
		if r := recover(); r != nil {
			l.logger.Error("delegate panicked", "panic", r)
		}
	}()
	fn()
}

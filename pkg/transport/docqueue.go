package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

type docJob struct {
	id     string
	fn     JobFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// DocumentManager runs multipart uploads and document downloads one at a time in FIFO
// order, separately from the JSON QueueManager.
type DocumentManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*docJob
	running *docJob
	closed  bool

	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDocumentManager creates the manager and starts its worker.
func NewDocumentManager(logger *slog.Logger) *DocumentManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &DocumentManager{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go m.loop()
	return m
}

// Enqueue appends a transfer without blocking.
func (m *DocumentManager) Enqueue(id string, fn JobFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.queue = append(m.queue, &docJob{id: id, fn: fn, ctx: ctx, cancel: cancel})
	m.mu.Unlock()

	m.logger.Debug("transfer enqueued", "id", id)

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel cancels a queued or running transfer. A cancelled queued transfer still runs
// its JobFunc with a done context so the caller observes the cancellation.
func (m *DocumentManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running != nil && m.running.id == id {
		m.running.cancel()
		return true
	}
	for _, j := range m.queue {
		if j.id == id {
			j.cancel()
			return true
		}
	}
	return false
}

// Pending returns the number of queued plus running transfers.
func (m *DocumentManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	if m.running != nil {
		n++
	}
	return n
}

// Close cancels all transfers and waits for the worker to exit.
func (m *DocumentManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	<-m.done
}

func (m *DocumentManager) loop() {
	defer close(m.done)
	for {
		job, ok := m.next()
		if !ok {
			return
		}
		if job == nil {
			<-m.wake
			continue
		}
		job.fn(job.ctx)
		job.cancel()

		m.mu.Lock()
		m.running = nil
		m.mu.Unlock()
	}
}

// next pops the head of the queue. It returns (nil, true) when the queue is empty and
// the manager is open, and (nil, false) once closed and drained.
func (m *DocumentManager) next() (*docJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, !m.closed
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	m.running = job
	return job, true
}

// ProgressWriter counts bytes written through it and reports progress.
type ProgressWriter struct {
	W          io.Writer
	Total      int64
	OnProgress func(written, total int64)

	written int64
}

func (p *ProgressWriter) Write(b []byte) (int, error) {
	n, err := p.W.Write(b)
	p.written += int64(n)
	if p.OnProgress != nil && n > 0 {
		p.OnProgress(p.written, p.Total)
	}
	return n, err
}

// Written returns the number of bytes written so far.
func (p *ProgressWriter) Written() int64 {
	return p.written
}

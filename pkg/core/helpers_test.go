package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.APIHost = baseURL
	cfg.AuthHost = baseURL
	cfg.TimeoutMS = 2000

	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recorder is a Delegate that records the callback sequence.
type recorder struct {
	mu        sync.Mutex
	events    []string
	resp      *Response
	err       error
	progress  [][2]int64
	terminals int
	done      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) OnStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start")
}

func (r *recorder) OnSuccess(resp *Response) {
	r.terminal("success", resp, nil)
}

func (r *recorder) OnFailure(err error) {
	r.terminal("failure", nil, err)
}

func (r *recorder) OnProgress(written, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{written, total})
}

func (r *recorder) terminal(event string, resp *Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.resp, r.err = resp, err
	r.terminals++
	if r.terminals == 1 {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal callback")
	}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Result() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

func (r *recorder) Terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminals
}

// batchRecorder records BatchDelegate callbacks.
type batchRecorder struct {
	mu         sync.Mutex
	successful int
	failed     []error
	done       chan struct{}
	once       sync.Once
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{done: make(chan struct{})}
}

func (b *batchRecorder) OnSuccessful() {
	b.mu.Lock()
	b.successful++
	b.mu.Unlock()
	b.once.Do(func() { close(b.done) })
}

func (b *batchRecorder) OnFailed(err error) {
	b.mu.Lock()
	b.failed = append(b.failed, err)
	b.mu.Unlock()
	b.once.Do(func() { close(b.done) })
}

func (b *batchRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no batch callback")
	}
}

// flush waits until every callback already posted to the client's looper has run.
func flush(t *testing.T, c *Client) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback loop stalled")
	}
}

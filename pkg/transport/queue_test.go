package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueManager_RunsConcurrently(t *testing.T) {
	q := NewQueueManager(nil)
	defer q.Close()

	const n = 20
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(n)

	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("job-%d", i), func(ctx context.Context) {
			started.Done()
			<-release
		}))
	}

	// All jobs must be in flight at once; a bounded pool would deadlock here.
	waitOrFail(t, &started, time.Second)
	assert.Equal(t, n, q.Pending())

	close(release)
	q.Wait()
	assert.Equal(t, 0, q.Pending())
}

func TestQueueManager_ConcurrentEnqueue(t *testing.T) {
	q := NewQueueManager(nil)
	defer q.Close()

	var ran int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(fmt.Sprintf("%d-%d", g, i), func(ctx context.Context) {
					atomic.AddInt64(&ran, 1)
				})
			}
		}(g)
	}
	wg.Wait()
	q.Wait()

	assert.Equal(t, int64(400), atomic.LoadInt64(&ran))
	assert.Equal(t, 0, q.Pending())
}

func TestQueueManager_Cancel(t *testing.T) {
	q := NewQueueManager(nil)
	defer q.Close()

	cancelled := make(chan struct{})
	require.NoError(t, q.Enqueue("slow", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	assert.True(t, q.Cancel("slow"))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
	q.Wait()
	assert.False(t, q.Cancel("slow"), "finished job is no longer pending")
}

func TestQueueManager_CloseRejectsNewJobs(t *testing.T) {
	q := NewQueueManager(nil)
	q.Close()
	q.Close()

	err := q.Enqueue("late", func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestDocumentManager_SerializesInOrder(t *testing.T) {
	m := NewDocumentManager(nil)
	defer m.Close()

	var mu sync.Mutex
	var order []int
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, m.Enqueue(fmt.Sprintf("doc-%d", i), func(ctx context.Context) {
			defer wg.Done()
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&active, -1)
		}))
	}
	waitOrFail(t, &wg, 2*time.Second)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestDocumentManager_CancelQueued(t *testing.T) {
	m := NewDocumentManager(nil)
	defer m.Close()

	release := make(chan struct{})
	require.NoError(t, m.Enqueue("first", func(ctx context.Context) { <-release }))

	gotErr := make(chan error, 1)
	require.NoError(t, m.Enqueue("second", func(ctx context.Context) { gotErr <- ctx.Err() }))

	assert.True(t, m.Cancel("second"))
	close(release)

	select {
	case err := <-gotErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued transfer never ran")
	}
}

func TestDocumentManager_CloseRejects(t *testing.T) {
	m := NewDocumentManager(nil)
	m.Close()
	assert.ErrorIs(t, m.Enqueue("x", func(context.Context) {}), ErrQueueClosed)
}

func TestProgressWriter(t *testing.T) {
	var reports [][2]int64
	var sink []byte
	pw := &ProgressWriter{
		W:     writerFunc(func(b []byte) (int, error) { sink = append(sink, b...); return len(b), nil }),
		Total: 6,
		OnProgress: func(written, total int64) {
			reports = append(reports, [2]int64{written, total})
		},
	}
	_, _ = pw.Write([]byte("abc"))
	_, _ = pw.Write([]byte("def"))

	assert.Equal(t, "abcdef", string(sink))
	assert.Equal(t, int64(6), pw.Written())
	assert.Equal(t, [][2]int64{{3, 6}, {6, 6}}, reports)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting")
	}
}

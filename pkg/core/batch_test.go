package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// batchServer answers /v4/batch with the given body and records the last payload.
func batchServer(t *testing.T, respond func(entries []batchEntry) string) (*httptest.Server, *[]batchEntry, *string) {
	t.Helper()
	var got []batchEntry
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != BatchPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		query = r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(respond(got)))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &query
}

func echoResults(entries []batchEntry) string {
	results := make([]string, len(entries))
	for i, e := range entries {
		results[i] = `{"status":200,"method":"` + e.Method + `","index":` + string(rune('0'+i%10)) + `}`
	}
	return `{"result":[` + strings.Join(results, ",") + `]}`
}

func TestBatch_DeliversInSubmissionOrder(t *testing.T) {
	srv, got, query := batchServer(t, echoResults)
	c := newTestClient(t, srv.URL)
	s := c.Sender()

	session := s.BatchBegin()
	order := make(chan int, 3)
	recs := make([]*recorder, 3)
	for i := range recs {
		i := i
		recs[i] = newRecorder()
		d := DelegateFuncs{
			Start:   recs[i].OnStart,
			Success: func(resp *Response) { order <- i; recs[i].OnSuccess(resp) },
			Failure: recs[i].OnFailure,
		}
		if i == 1 {
			s.SendInBatch(session, MethodPost, "/v4/records", nil, c.Params().Put("name", "pool"), nil, d)
			continue
		}
		s.GetInBatch(session, "/v4/records/"+string(rune('a'+i)), c.Params().Put("limit", "1"), nil, d)
	}
	require.Equal(t, 3, session.Len())

	batch := newBatchRecorder()
	var successfulAfterChildren atomic.Bool
	wrapped := BatchDelegateFuncs{
		Successful: func() {
			successfulAfterChildren.Store(len(order) == 3)
			batch.OnSuccessful()
		},
		Failed: batch.OnFailed,
	}
	s.BatchCommit(session, map[string]string{"agency": "ISLANDTON"}, wrapped)
	batch.wait(t)
	flush(t, c)

	assert.Equal(t, 1, batch.successful)
	assert.Empty(t, batch.failed)
	assert.True(t, successfulAfterChildren.Load(), "batch success fires after every child")
	close(order)
	var seen []int
	for i := range order {
		seen = append(seen, i)
	}
	assert.Equal(t, []int{0, 1, 2}, seen)

	for i, rec := range recs {
		assert.Equal(t, []string{"success"}, rec.Events(), "child %d gets no OnStart", i)
		resp, err := rec.Result()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	require.Len(t, *got, 3)
	assert.Equal(t, MethodGet, (*got)[0].Method)
	assert.True(t, strings.HasSuffix((*got)[0].URL, "/v4/records/a?limit=1&lang=en_US"))
	assert.Equal(t, MethodPost, (*got)[1].Method)
	assert.JSONEq(t, `{"name":"pool"}`, string((*got)[1].Body))
	assert.Contains(t, *query, "agency=ISLANDTON")
	assert.Contains(t, *query, "lang=en_US")
}

func TestBatch_SizeMismatch(t *testing.T) {
	srv, _, _ := batchServer(t, func(entries []batchEntry) string {
		return `{"result":[{"status":200}]}`
	})
	c := newTestClient(t, srv.URL)
	s := c.Sender()

	session := s.BatchBegin()
	child1, child2 := newRecorder(), newRecorder()
	r1 := s.GetInBatch(session, "/v4/records/1", nil, nil, child1)
	s.GetInBatch(session, "/v4/records/2", nil, nil, child2)

	batch := newBatchRecorder()
	s.BatchCommit(session, nil, batch)
	batch.wait(t)
	flush(t, c)

	require.Len(t, batch.failed, 1)
	assert.Equal(t, 0, batch.successful)
	var mismatch *transport.BatchSizeMismatchError
	require.ErrorAs(t, batch.failed[0], &mismatch)
	assert.Equal(t, 2, mismatch.Expected)
	assert.Equal(t, 1, mismatch.Got)
	assert.Empty(t, child1.Events())
	assert.Empty(t, child2.Events())
	assert.Equal(t, StateFailed, r1.State())
}

func TestBatch_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()
	child := newRecorder()
	s.GetInBatch(session, "/v4/records/1", nil, nil, child)

	batch := newBatchRecorder()
	s.BatchCommit(session, nil, batch)
	batch.wait(t)
	flush(t, c)

	require.Len(t, batch.failed, 1)
	assert.ErrorIs(t, batch.failed[0], transport.ErrHTTPStatus)
	assert.Empty(t, child.Events())
}

func TestBatch_EnvelopeSchema(t *testing.T) {
	srv, _, _ := batchServer(t, func(entries []batchEntry) string {
		return `{"result":"nope"}`
	})
	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()
	s.GetInBatch(session, "/v4/records/1", nil, nil, nil)

	batch := newBatchRecorder()
	s.BatchCommit(session, nil, batch)
	batch.wait(t)

	require.Len(t, batch.failed, 1)
	assert.ErrorIs(t, batch.failed[0], transport.ErrJSONMalformed)
}

func TestBatch_Empty(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	batch := newBatchRecorder()
	r := c.Sender().BatchCommit(c.Sender().BatchBegin(), nil, batch)
	batch.wait(t)

	require.Len(t, batch.failed, 1)
	assert.ErrorIs(t, batch.failed[0], transport.ErrEmptyBatch)
	assert.Equal(t, StateFailed, r.State())
}

func TestBatch_CancelledChildSkipped(t *testing.T) {
	srv, _, _ := batchServer(t, echoResults)
	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()

	kept, dropped := newRecorder(), newRecorder()
	s.GetInBatch(session, "/v4/records/1", nil, nil, kept)
	s.GetInBatch(session, "/v4/records/2", nil, nil, dropped).Cancel()

	batch := newBatchRecorder()
	s.BatchCommit(session, nil, batch)
	batch.wait(t)
	flush(t, c)

	assert.Equal(t, []string{"success"}, kept.Events())
	assert.Empty(t, dropped.Events())
	assert.Equal(t, 1, batch.successful)
}

func TestBatch_AddAfterCommitIgnored(t *testing.T) {
	srv, _, _ := batchServer(t, echoResults)
	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()
	s.GetInBatch(session, "/v4/records/1", nil, nil, nil)

	batch := newBatchRecorder()
	s.BatchCommit(session, nil, batch)
	s.GetInBatch(session, "/v4/records/2", nil, nil, nil)
	batch.wait(t)

	assert.Equal(t, 1, session.Len())
	assert.Equal(t, 1, batch.successful)
}

// stalledServer holds every request until the client goes away.
func stalledServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv, arrived
}

func waitArrived(t *testing.T, arrived <-chan struct{}) {
	t.Helper()
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never reached the server")
	}
}

func TestBatch_CancelSettlesChildren(t *testing.T) {
	srv, arrived := stalledServer(t)
	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()
	child := newRecorder()
	r1 := s.GetInBatch(session, "/v4/records/1", nil, nil, child)
	r2 := s.GetInBatch(session, "/v4/records/2", nil, nil, nil)

	batch := newBatchRecorder()
	br := s.BatchCommit(session, nil, batch)
	waitArrived(t, arrived)
	br.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, r := range []*Request{r1, r2} {
		_, err := r.Wait(ctx)
		assert.ErrorIs(t, err, transport.ErrCancelled)
		assert.Equal(t, StateCancelled, r.State())
	}
	flush(t, c)
	assert.Empty(t, child.Events())
	assert.Zero(t, batch.successful)
	assert.Empty(t, batch.failed)
}

func TestBatch_CloseSettlesChildren(t *testing.T) {
	srv, arrived := stalledServer(t)
	c := newTestClient(t, srv.URL)
	s := c.Sender()
	session := s.BatchBegin()
	r1 := s.GetInBatch(session, "/v4/records/1", nil, nil, nil)

	br := s.BatchCommit(session, nil, newBatchRecorder())
	waitArrived(t, arrived)
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r1.Wait(ctx)
	assert.ErrorIs(t, err, transport.ErrCancelled)
	assert.Equal(t, StateCancelled, r1.State())
	assert.Equal(t, StateCancelled, br.State())
}

func TestCheckBatchResult_CountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sent := rapid.IntRange(1, 20).Draw(rt, "sent")
		got := rapid.IntRange(0, 20).Draw(rt, "got")

		results := make([]string, got)
		for i := range results {
			results[i] = `{"status":200}`
		}
		resp := &Response{Body: []byte(`{"result":[` + strings.Join(results, ",") + `]}`)}

		err := checkBatchResult(resp, sent)
		if sent == got && err != nil {
			rt.Fatalf("matching counts rejected: %v", err)
		}
		if sent != got {
			var mismatch *transport.BatchSizeMismatchError
			if !assert.ErrorAs(rt, err, &mismatch) || mismatch.Expected != sent || mismatch.Got != got {
				rt.Fatalf("expected mismatch %d/%d, got %v", sent, got, err)
			}
		}
	})
}

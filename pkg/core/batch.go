package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blackcoderx/amsdk/pkg/logging"
	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/xeipuuv/gojsonschema"
)

// BatchPath is the platform endpoint that executes several calls in one exchange.
const BatchPath = "/v4/batch"

const batchEnvelopeSchema = `{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`

var batchSchema = gojsonschema.NewStringLoader(batchEnvelopeSchema)

// BatchSession collects requests that are sent together by Commit. Added requests are
// never executed on their own; their delegates receive the matching child result.
type BatchSession struct {
	client *Client

	mu        sync.Mutex
	requests  []*Request
	committed bool
}

type batchEntry struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type batchEnvelope struct {
	Result []json.RawMessage `json:"result"`
}

// NewBatchSession starts an empty session.
func (c *Client) NewBatchSession() *BatchSession {
	return &BatchSession{client: c}
}

// Add appends r to the session. Requests added after Commit are ignored.
func (b *BatchSession) Add(r *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed || r == nil {
		return
	}
	b.requests = append(b.requests, r)
}

// Requests returns the added requests in submission order.
func (b *BatchSession) Requests() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Request(nil), b.requests...)
}

// Len returns the number of added requests.
func (b *BatchSession) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// Commit sends every added request in one POST to the batch endpoint without blocking.
// customParams become query parameters of the batch call. On success each request's
// delegate gets OnSuccess with its child result in submission order, then d gets
// OnSuccessful once. If the call fails, or the server returns a different number of
// results, only d.OnFailed fires.
func (b *BatchSession) Commit(customParams map[string]string, d BatchDelegate) *Request {
	b.mu.Lock()
	b.committed = true
	children := append([]*Request(nil), b.requests...)
	b.mu.Unlock()

	c := b.client
	r := c.newRequest(c.resolve(c.cfg.APIHost, BatchPath), MethodPost, transport.ParamsFromMap(customParams))
	logger := logging.WithBatch(c.logger, r.tag, len(children))
	if d == nil {
		d = loggingDelegate{logger: logger}
	}
	r.delegate = &batchDelegate{children: children, target: d}

	if len(children) == 0 {
		r.reject(transport.ErrEmptyBatch)
		return r
	}

	body, err := b.encode(children)
	if err != nil {
		r.reject(err)
		return r
	}
	r.rawBody = body
	r.interpret = func(resp *Response) error {
		return checkBatchResult(resp, len(children))
	}

	logger.Debug("committing batch")
	return r.Send(nil)
}

func (b *BatchSession) encode(children []*Request) ([]byte, error) {
	entries := make([]batchEntry, 0, len(children))
	for _, child := range children {
		if child.postParams.HasFiles() || child.reqType == TypeMultipart {
			return nil, fmt.Errorf("%w: multipart request in a batch", transport.ErrUnsupported)
		}
		entry := batchEntry{
			Method: child.method,
			URL:    AssembleURL(child.serviceURL, child.urlParams, b.client.lang),
		}
		if child.method == MethodPost || child.method == MethodPut {
			body, err := child.postParams.JSONBody()
			if err != nil {
				return nil, fmt.Errorf("failed to encode batch entry %s: %w", child.serviceURL, err)
			}
			entry.Body = body
		}
		entries = append(entries, entry)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return data, nil
}

// checkBatchResult validates the envelope and the result count.
func checkBatchResult(resp *Response, expected int) error {
	result, err := gojsonschema.Validate(batchSchema, gojsonschema.NewBytesLoader(resp.Body))
	if err != nil {
		return &transport.JSONMalformedError{Err: err, Body: resp.Body}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &transport.JSONMalformedError{
			Err:  errors.New("unexpected batch envelope: " + strings.Join(msgs, "; ")),
			Body: resp.Body,
		}
	}

	var env batchEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return &transport.JSONMalformedError{Err: err, Body: resp.Body}
	}
	if len(env.Result) != expected {
		return &transport.BatchSizeMismatchError{Expected: expected, Got: len(env.Result)}
	}
	return nil
}

// batchDelegate demultiplexes the batch response onto the children.
type batchDelegate struct {
	children []*Request
	target   BatchDelegate
}

func (d *batchDelegate) OnStart() {}

func (d *batchDelegate) OnSuccess(resp *Response) {
	var env batchEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		d.fail(&transport.JSONMalformedError{Err: err, Body: resp.Body})
		return
	}
	for i, child := range d.children {
		child.deliverChild(childResponse(resp, env.Result[i]))
	}
	d.target.OnSuccessful()
}

func (d *batchDelegate) OnFailure(err error) {
	d.fail(err)
}

func (d *batchDelegate) fail(err error) {
	for _, child := range d.children {
		child.settleChild(err)
	}
	d.target.OnFailed(err)
}

// cancelChildren settles the children of a cancelled or dropped batch.
func (d *batchDelegate) cancelChildren() {
	for _, child := range d.children {
		if child.state.CompareAndSwap(int32(StateCreated), int32(StateCancelled)) {
			child.settle(nil, transport.ErrCancelled)
		}
	}
}

// childResponse wraps one result object. The platform reports a per-call status in
// the child's "status" field when it differs from the batch status.
func childResponse(parent *Response, raw json.RawMessage) *Response {
	out := &Response{
		StatusCode:  parent.StatusCode,
		Header:      parent.Header,
		TraceID:     parent.TraceID,
		ContentType: "application/json",
		Body:        raw,
	}
	var result struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && result.Status != 0 {
		out.StatusCode = result.Status
	}
	return out
}

// deliverChild completes a batched request and calls its delegate directly. It runs
// on the executor, inside the batch request's own callback.
func (r *Request) deliverChild(resp *Response) {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateSucceeded)) {
		return
	}
	r.settle(resp, nil)
	if r.delegate != nil {
		r.delegate.OnSuccess(resp)
	}
}

// settleChild fails a batched request without a callback.
func (r *Request) settleChild(err error) {
	if r.state.CompareAndSwap(int32(StateCreated), int32(StateFailed)) {
		r.settle(nil, err)
	}
}

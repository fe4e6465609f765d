package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/blackcoderx/amsdk/pkg/logging"
	"github.com/blackcoderx/amsdk/pkg/transport"
)

// Request is one HTTP exchange with the platform. It is configured with the setters,
// submitted once with Send (or LoadImage, DownloadDocument, UploadAttachments) and
// then only observed. Setters have no effect after submission.
type Request struct {
	client     *Client
	logger     *slog.Logger
	loggerOnce sync.Once

	serviceURL string
	method     string
	reqType    RequestType
	urlParams  *transport.RequestParams
	postParams *transport.RequestParams
	headers    map[string]string
	policy     *transport.RetryPolicy
	tag        string

	// rawBody replaces the params-derived body; used by batch commits.
	rawBody []byte
	// interpret validates a successful response before delivery.
	interpret func(*Response) error

	downloadPath string
	progress     func(written, total int64)
	written      atomic.Int64

	delegate Delegate
	state    atomic.Int32
	done     chan struct{}

	mu   sync.Mutex
	resp *Response
	err  error
}

// Tag returns the unique id of the request.
func (r *Request) Tag() string { return r.tag }

// URL returns the service URL without query parameters.
func (r *Request) URL() string { return r.serviceURL }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Type returns how the request body is encoded.
func (r *Request) Type() RequestType { return r.reqType }

// URLParams returns the query parameters, or nil.
func (r *Request) URLParams() *transport.RequestParams { return r.urlParams }

// PostParams returns the body parameters, or nil.
func (r *Request) PostParams() *transport.RequestParams { return r.postParams }

// RetryPolicy returns the request's own retry state.
func (r *Request) RetryPolicy() *transport.RetryPolicy { return r.policy }

// Delegate returns the delegate that will receive callbacks.
func (r *Request) Delegate() Delegate { return r.delegate }

// State returns the current lifecycle state.
func (r *Request) State() State { return State(r.state.Load()) }

// Headers returns a copy of the custom headers.
func (r *Request) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

func (r *Request) mutable() bool {
	return r.State() == StateCreated
}

// SetHeader sets a custom header. The keys is_all_agencies, agency_name and
// environment_name override the corresponding platform headers.
func (r *Request) SetHeader(key, value string) *Request {
	if r.mutable() {
		r.headers[key] = value
	}
	return r
}

// SetHeaders merges custom headers.
func (r *Request) SetHeaders(headers map[string]string) *Request {
	for k, v := range headers {
		r.SetHeader(k, v)
	}
	return r
}

// SetPostParams replaces the body parameters. Ignored once the request has started.
func (r *Request) SetPostParams(p *transport.RequestParams) *Request {
	if r.mutable() {
		r.postParams = p
	}
	return r
}

// SetType changes how the body is encoded.
func (r *Request) SetType(t RequestType) *Request {
	if r.mutable() {
		r.reqType = t
	}
	return r
}

// SetRetryPolicy replaces the retry state; nil is ignored.
func (r *Request) SetRetryPolicy(p *transport.RetryPolicy) *Request {
	if r.mutable() && p != nil {
		r.policy = p
	}
	return r
}

// SetDelegate sets the delegate used when Send is called with nil, and by batch
// sessions.
func (r *Request) SetDelegate(d Delegate) *Request {
	if r.mutable() {
		r.delegate = d
	}
	return r
}

// Send submits the request without blocking. OnStart runs before Send returns unless
// the request is rejected up front; rejected requests (missing files, unsupported
// method and type combinations) get only OnFailure, without any network activity.
func (r *Request) Send(d Delegate) *Request {
	r.useDelegate(d)
	if !r.mutable() {
		r.log().Warn("request already submitted", "state", r.State())
		return r
	}

	if err := r.validate(); err != nil {
		r.reject(err)
		return r
	}
	ex := r.exchange()

	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return r
	}
	r.log().Debug("request started", "method", r.method, "url", r.serviceURL)
	r.delegate.OnStart()

	job := func(ctx context.Context) { r.run(ctx, ex) }
	var err error
	if r.routesToDocuments() {
		err = r.client.docs.Enqueue(r.tag, job)
	} else {
		err = r.client.queue.Enqueue(r.tag, job)
	}
	if err != nil {
		r.finish(nil, fmt.Errorf("failed to enqueue request: %w", err))
	}
	return r
}

// LoadImage sends the request as an image request; the payload is the raw bytes.
func (r *Request) LoadImage(d Delegate) *Request {
	r.SetType(TypeImage)
	return r.Send(d)
}

// DownloadDocument streams the response body to localPath on the client filesystem
// through the document queue, reporting progress to d.
func (r *Request) DownloadDocument(localPath string, d DownloadDelegate) *Request {
	if r.mutable() {
		r.downloadPath = localPath
		if d != nil {
			r.progress = d.OnProgress
		}
	}
	return r.Send(d)
}

// UploadAttachments sends postParams and the files in attachments (field name to local
// path) as a multipart request. A path that does not exist fails the request with a
// FileNotFoundError.
func (r *Request) UploadAttachments(postParams map[string]string, attachments map[string]string, d Delegate) *Request {
	if !r.mutable() {
		return r.Send(d)
	}
	params := transport.NewRequestParamsFs(r.client.fs)
	if r.postParams != nil {
		params = r.postParams.Clone()
	}
	keys := make([]string, 0, len(postParams))
	for k := range postParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params.Put(k, postParams[k])
	}

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := params.PutFile(name, attachments[name]); err != nil {
			r.useDelegate(d)
			r.reject(err)
			return r
		}
	}

	r.postParams = params
	r.reqType = TypeMultipart
	if r.method == MethodGet {
		r.method = MethodPost
	}
	return r.Send(d)
}

// Cancel stops the request. If the terminal callback has not been scheduled yet it
// never will be; otherwise Cancel is a no-op. Cancel is idempotent.
func (r *Request) Cancel() {
	for {
		s := r.State()
		if s.Terminal() {
			return
		}
		if r.state.CompareAndSwap(int32(s), int32(StateCancelled)) {
			break
		}
	}
	r.settle(nil, transport.ErrCancelled)
	r.cancelBatchChildren()

	r.client.queue.Cancel(r.tag)
	r.client.docs.Cancel(r.tag)
	r.log().Debug("request cancelled")
}

// Done is closed once the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request finishes or ctx is done. A cancelled request returns
// ErrCancelled.
func (r *Request) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

func (r *Request) useDelegate(d Delegate) {
	if d != nil {
		r.SetDelegate(d)
	}
	if r.delegate == nil {
		r.delegate = loggingDelegate{logger: r.log()}
	}
}

func (r *Request) log() *slog.Logger {
	r.loggerOnce.Do(func() {
		kind := logging.RequestKind(r.reqType.String())
		if r.downloadPath != "" {
			kind = logging.RequestKindDownload
		}
		r.logger = logging.WithRequest(r.client.logger, r.tag, kind)
	})
	return r.logger
}

func (r *Request) routesToDocuments() bool {
	return r.reqType == TypeMultipart || r.downloadPath != ""
}

func (r *Request) validate() error {
	if r.reqType == TypeMultipart && r.method == MethodPut {
		return fmt.Errorf("%w: PUT with a multipart body", transport.ErrUnsupported)
	}
	if r.urlParams.HasFiles() {
		return transport.ErrFileNotAllowed
	}
	if r.postParams.HasFiles() && r.reqType != TypeMultipart {
		return transport.ErrFileNotAllowed
	}
	return r.postParams.CheckFiles()
}

func (r *Request) exchange() *transport.Exchange {
	ex := &transport.Exchange{
		Method: r.method,
		URL:    AssembleURL(r.serviceURL, r.urlParams, r.client.lang),
		Policy: r.policy,
	}

	post := r.postParams
	switch {
	case r.rawBody != nil:
		body := r.rawBody
		ex.Body = func() (io.Reader, string, error) {
			return bytes.NewReader(body), "application/json", nil
		}
	case r.reqType == TypeMultipart:
		ex.Body = func() (io.Reader, string, error) {
			rc, contentType := post.MultipartBody()
			return rc, contentType, nil
		}
	case r.method == MethodGet || r.method == MethodDelete:
	case r.reqType == TypeAuthentication:
		form := post.FormBody()
		ex.Body = func() (io.Reader, string, error) {
			return bytes.NewReader([]byte(form)), "application/x-www-form-urlencoded", nil
		}
	default:
		ex.Body = func() (io.Reader, string, error) {
			body, err := post.JSONBody()
			if err != nil {
				return nil, "", err
			}
			return bytes.NewReader(body), "application/json", nil
		}
	}

	if r.downloadPath != "" {
		ex.Sink = r.downloadSink()
	}
	return ex
}

// buildHeader runs the client's contributor chain. Authentication requests talk to the
// token endpoint and never carry a user token.
func (r *Request) buildHeader() http.Header {
	if r.reqType == TypeAuthentication {
		return BuildHeader(r.client.appContributors, r.headers)
	}
	return BuildHeader(r.client.contributors, r.headers)
}

func (r *Request) downloadSink() transport.SinkFunc {
	path := r.downloadPath
	fs := r.client.fs
	return func(body io.Reader, total int64) error {
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		f, err := fs.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()

		pw := &transport.ProgressWriter{W: f, Total: total, OnProgress: r.reportProgress}
		if _, err := io.Copy(pw, body); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		r.written.Store(pw.Written())
		return nil
	}
}

func (r *Request) reportProgress(written, total int64) {
	if r.progress == nil || r.State() != StateStarted {
		return
	}
	progress := r.progress
	r.client.post(func() {
		if r.State() == StateCancelled {
			return
		}
		progress(written, total)
	})
}

func (r *Request) run(ctx context.Context, ex *transport.Exchange) {
	if ctx.Err() != nil {
		r.abandon()
		return
	}
	// Headers are built here so a token refresh never blocks Send.
	ex.Header = r.buildHeader()
	resp, err := r.client.getTransport().Do(ctx, ex)
	if err != nil {
		if errors.Is(err, transport.ErrCancelled) {
			// Cancelled by the caller or by Client.Close; either way nothing is delivered.
			r.abandon()
			return
		}
		r.finish(nil, err)
		return
	}
	out, err := r.toResponse(resp)
	r.finish(out, err)
}

func (r *Request) toResponse(resp *transport.Response) (*Response, error) {
	out := &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		TraceID:     resp.TraceID,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}
	if r.downloadPath != "" {
		out.Path = r.downloadPath
		out.Size = r.written.Load()
		return out, nil
	}
	if r.reqType == TypeImage {
		return out, nil
	}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return nil, &transport.JSONMalformedError{Err: err, Body: resp.Body}
		}
	}
	if r.interpret != nil {
		if err := r.interpret(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// finish moves a started request to its terminal state and schedules the callback.
func (r *Request) finish(resp *Response, err error) {
	target := StateSucceeded
	if err != nil {
		target = StateFailed
	}
	if !r.state.CompareAndSwap(int32(StateStarted), int32(target)) {
		return
	}
	r.settle(resp, err)

	d := r.delegate
	if err != nil {
		r.log().Debug("request failed", "error", err)
		r.client.post(func() { d.OnFailure(err) })
		return
	}
	r.log().Debug("request succeeded", "status", resp.StatusCode)
	r.client.post(func() { d.OnSuccess(resp) })
}

// reject fails a request that never started.
func (r *Request) reject(err error) {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateFailed)) {
		return
	}
	r.settle(nil, err)
	r.log().Debug("request rejected", "error", err)
	d := r.delegate
	r.client.post(func() { d.OnFailure(err) })
}

// abandon marks a started request cancelled without any callback.
func (r *Request) abandon() {
	if r.state.CompareAndSwap(int32(StateStarted), int32(StateCancelled)) {
		r.settle(nil, transport.ErrCancelled)
		r.cancelBatchChildren()
	}
}

func (r *Request) cancelBatchChildren() {
	if d, ok := r.delegate.(*batchDelegate); ok {
		d.cancelChildren()
	}
}

func (r *Request) settle(resp *Response, err error) {
	r.mu.Lock()
	r.resp, r.err = resp, err
	r.mu.Unlock()
	close(r.done)
}

// Package core provides the client context, request pipeline, batching and
// authorization for the Accela Mobile SDK.
package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// HTTP methods accepted by the pipeline.
const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodDelete = http.MethodDelete
)

// RequestType selects how a request body is encoded and how the response is read.
type RequestType int

const (
	// TypeDefault sends a JSON body and expects a JSON response.
	TypeDefault RequestType = iota
	// TypeAuthentication sends a form-encoded body to the token endpoint.
	TypeAuthentication
	// TypeMultipart streams file parts through the document queue.
	TypeMultipart
	// TypeImage returns the raw response bytes.
	TypeImage
)

func (t RequestType) String() string {
	switch t {
	case TypeAuthentication:
		return "authentication"
	case TypeMultipart:
		return "multipart"
	case TypeImage:
		return "image"
	default:
		return "default"
	}
}

// State is the lifecycle position of a Request.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Response is the payload handed to OnSuccess.
type Response struct {
	StatusCode  int
	Header      http.Header
	TraceID     string
	ContentType string
	// Body holds JSON for default, authentication, multipart and batch child
	// responses, and raw bytes for image responses. It is empty for downloads.
	Body []byte
	// Path and Size are set for document downloads.
	Path string
	Size int64
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsImage reports whether the payload carries an image content type.
func (r *Response) IsImage() bool {
	return strings.HasPrefix(r.ContentType, "image/")
}

// Delegate receives the lifecycle callbacks of one request. OnStart runs on the
// goroutine that called Send; the terminal callback runs on the client's executor.
// Exactly one of OnSuccess and OnFailure fires unless the request is cancelled first.
type Delegate interface {
	OnStart()
	OnSuccess(resp *Response)
	OnFailure(err error)
}

// DownloadDelegate is a Delegate that also observes transfer progress.
type DownloadDelegate interface {
	Delegate
	OnProgress(written, total int64)
}

// BatchDelegate receives the outcome of a committed batch session.
type BatchDelegate interface {
	OnSuccessful()
	OnFailed(err error)
}

// DelegateFuncs adapts plain functions to Delegate and DownloadDelegate. Nil fields
// are skipped.
type DelegateFuncs struct {
	Start    func()
	Success  func(resp *Response)
	Failure  func(err error)
	Progress func(written, total int64)
}

func (d DelegateFuncs) OnStart() {
	if d.Start != nil {
		d.Start()
	}
}

func (d DelegateFuncs) OnSuccess(resp *Response) {
	if d.Success != nil {
		d.Success(resp)
	}
}

func (d DelegateFuncs) OnFailure(err error) {
	if d.Failure != nil {
		d.Failure(err)
	}
}

func (d DelegateFuncs) OnProgress(written, total int64) {
	if d.Progress != nil {
		d.Progress(written, total)
	}
}

// BatchDelegateFuncs adapts plain functions to BatchDelegate.
type BatchDelegateFuncs struct {
	Successful func()
	Failed     func(err error)
}

func (d BatchDelegateFuncs) OnSuccessful() {
	if d.Successful != nil {
		d.Successful()
	}
}

func (d BatchDelegateFuncs) OnFailed(err error) {
	if d.Failed != nil {
		d.Failed(err)
	}
}

// loggingDelegate stands in when the caller passes a nil delegate.
type loggingDelegate struct {
	logger *slog.Logger
}

func (d loggingDelegate) OnStart() {
	d.logger.Debug("request started")
}

func (d loggingDelegate) OnSuccess(resp *Response) {
	d.logger.Info("request succeeded", "status", resp.StatusCode, "bytes", len(resp.Body))
}

func (d loggingDelegate) OnFailure(err error) {
	d.logger.Warn("request failed", "error", err)
}

func (d loggingDelegate) OnProgress(written, total int64) {
	d.logger.Debug("transfer progress", "written", written, "total", total)
}

func (d loggingDelegate) OnSuccessful() {
	d.logger.Info("batch succeeded")
}

func (d loggingDelegate) OnFailed(err error) {
	d.logger.Warn("batch failed", "error", err)
}

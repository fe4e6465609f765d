package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors. Concrete error types below match them through errors.Is.
var (
	ErrNetwork           = errors.New("network error")
	ErrHTTPStatus        = errors.New("http status error")
	ErrFileNotFound      = errors.New("file not found")
	ErrBatchSizeMismatch = errors.New("batch size mismatch")
	ErrJSONMalformed     = errors.New("malformed json response")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrCancelled         = errors.New("request cancelled")
	ErrUnsupported       = errors.New("operation not supported")
	ErrFileNotAllowed    = errors.New("file parameters require a multipart request")
	ErrEmptyBatch        = errors.New("batch session has no requests")
	ErrQueueClosed       = errors.New("queue closed")
)

// Response header names used to build structured errors.
const (
	HeaderTraceID         = "x-accela-traceid"
	HeaderResponseMessage = "x-accela-resp-message"
)

// NetworkError is a connect, timeout or transport failure. It is retried per the
// RetryPolicy before it is surfaced.
type NetworkError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the underlying failure was a timeout.
func (e *NetworkError) Timeout() bool {
	return isTimeout(e.Err)
}

// HTTPStatusError is a 4xx/5xx answer from the server. It is never retried.
type HTTPStatusError struct {
	StatusCode int
	TraceID    string
	Message    string
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(string(e.Body))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
	}
	if e.TraceID != "" {
		return fmt.Sprintf("http %d: %s (trace id %s)", e.StatusCode, msg, e.TraceID)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

func (e *HTTPStatusError) Is(target error) bool { return target == ErrHTTPStatus }

// FileNotFoundError reports an attachment path that does not resolve to a file.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

func (e *FileNotFoundError) Is(target error) bool { return target == ErrFileNotFound }

// BatchSizeMismatchError reports a batch response whose result count differs from the
// number of requests that were sent.
type BatchSizeMismatchError struct {
	Expected int
	Got      int
}

func (e *BatchSizeMismatchError) Error() string {
	return fmt.Sprintf("batch size mismatch: sent %d request(s), got %d result(s)", e.Expected, e.Got)
}

func (e *BatchSizeMismatchError) Is(target error) bool { return target == ErrBatchSizeMismatch }

// JSONMalformedError is a success response whose body is not valid JSON.
type JSONMalformedError struct {
	Err  error
	Body []byte
}

func (e *JSONMalformedError) Error() string {
	return fmt.Sprintf("malformed json response: %v", e.Err)
}

func (e *JSONMalformedError) Unwrap() error { return e.Err }

func (e *JSONMalformedError) Is(target error) bool { return target == ErrJSONMalformed }

// IsRetryable reports whether err is a transport-level failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrFileNotFound) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrNetwork) || isTimeout(err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

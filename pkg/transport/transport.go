// Package transport implements the HTTP exchange layer of the SDK: request parameters,
// retry policy, the shared transport, and the queues that run exchanges off the
// caller's goroutine.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BodyFunc produces a fresh request body for one attempt. It is called again for every
// retry so streamed bodies can be replayed.
type BodyFunc func() (body io.Reader, contentType string, err error)

// SinkFunc consumes the body of a successful response instead of buffering it. It is
// called once per attempt and must start from scratch each time.
type SinkFunc func(body io.Reader, contentLength int64) error

// Exchange describes one logical HTTP call. A nil Policy means no retries.
type Exchange struct {
	Method string
	URL    string
	Header http.Header
	Body   BodyFunc
	Policy *RetryPolicy
	Sink   SinkFunc
}

// Response is the result of a completed exchange.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	TraceID    string
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// Transport executes exchanges. One instance is shared by every request of a client.
type Transport struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is ignored in favour
// of the per-attempt timeout of the retry policy.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithRateLimit throttles attempts to rps per second. Zero disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a transport.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		client: &http.Client{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do runs the exchange, retrying transport failures per ex.Policy. HTTP status errors
// are returned immediately. Once retries are exhausted the last failure is returned as
// a *NetworkError.
func (t *Transport) Do(ctx context.Context, ex *Exchange) (*Response, error) {
	policy := ex.Policy
	if policy == nil {
		policy = NewRetryPolicy(0, 0, 0)
	}

	startTime := time.Now()
	attempts := 0
	for {
		attempts++
		resp, err := t.attempt(ctx, ex, policy.CurrentTimeout())
		if err == nil {
			resp.Attempts = attempts
			resp.Duration = time.Since(startTime)
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		if !IsRetryable(err) {
			return nil, err
		}

		t.logger.Debug("attempt failed",
			"method", ex.Method,
			"url", redactQuery(ex.URL),
			"attempt", attempts,
			"timeout", policy.CurrentTimeout(),
			"error", err)

		if retryErr := policy.Retry(err); retryErr != nil {
			return nil, &NetworkError{Op: ex.Method, URL: redactQuery(ex.URL), Attempts: attempts, Err: retryErr}
		}
	}
}

func (t *Transport) attempt(ctx context.Context, ex *Exchange, timeout time.Duration) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	contentType := ""
	if ex.Body != nil {
		var err error
		bodyReader, contentType, err = ex.Body()
		if err != nil {
			return nil, fmt.Errorf("failed to prepare body: %w", err)
		}
	}
	if rc, ok := bodyReader.(io.Closer); ok {
		defer rc.Close()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, strings.ToUpper(ex.Method), ex.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range ex.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		TraceID:    httpResp.Header.Get(HeaderTraceID),
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, &HTTPStatusError{
			StatusCode: httpResp.StatusCode,
			TraceID:    resp.TraceID,
			Message:    httpResp.Header.Get(HeaderResponseMessage),
			Body:       body,
		}
	}

	if ex.Sink != nil {
		if err := ex.Sink(httpResp.Body, httpResp.ContentLength); err != nil {
			return nil, err
		}
		return resp, nil
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	resp.Body = body
	return resp, nil
}

// redactQuery strips the query string so tokens passed as parameters never reach logs.
func redactQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

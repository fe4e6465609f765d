package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/blackcoderx/amsdk/pkg/logging"
	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
)

// Client is the process-wide SDK context. It owns the shared transport, the request
// and document queues, the callback executor and the authorization manager. Create one
// per process with New and release it with Close.
type Client struct {
	cfg    Config
	logger *slog.Logger
	fs     afero.Fs
	lang   string

	httpClient    *http.Client
	transportOnce sync.Once
	transport     *transport.Transport

	queue *transport.QueueManager
	docs  *transport.DocumentManager

	looper *Looper
	post   Executor

	auth         *AuthorizationManager
	tokens       AccessTokenSource
	contributors []HeaderContributor
	// appContributors omit the user token.
	appContributors []HeaderContributor
	newPolicy       func() *transport.RetryPolicy

	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client used by the shared transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFs sets the filesystem attachments are read from and downloads written to.
func WithFs(fs afero.Fs) Option {
	return func(c *Client) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithExecutor delivers terminal callbacks through exec instead of the built-in Looper.
func WithExecutor(exec Executor) Option {
	return func(c *Client) { c.post = exec }
}

// WithTokenSource takes user tokens from ts instead of the client's
// AuthorizationManager.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		if ts != nil {
			c.tokens = &tokenSourceAdapter{ts: ts}
		}
	}
}

// WithRetryPolicyFactory sets how each request's retry state is created.
func WithRetryPolicyFactory(f func() *transport.RetryPolicy) Option {
	return func(c *Client) {
		if f != nil {
			c.newPolicy = f
		}
	}
}

// New validates cfg and creates a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.Discard(),
		fs:     afero.NewOsFs(),
	}
	c.newPolicy = func() *transport.RetryPolicy {
		return transport.NewRetryPolicy(cfg.Timeout(), cfg.MaxRetries, cfg.BackoffMultiplier)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithClient(c.logger, cfg.AppID)
	if a, ok := c.tokens.(*tokenSourceAdapter); ok {
		a.logger = c.logger
	}

	if cfg.Locale != "" {
		lang, err := FormatLocale(cfg.Locale)
		if err != nil {
			return nil, err
		}
		c.lang = lang
	}

	if c.post == nil {
		c.looper = NewLooper(c.logger)
		c.post = c.looper.Post
	}
	c.queue = transport.NewQueueManager(c.logger)
	c.docs = transport.NewDocumentManager(c.logger)

	c.auth = newAuthorizationManager(c)
	if c.tokens == nil {
		c.tokens = c.auth
	}
	c.contributors = DefaultContributors(cfg, c.tokens)
	c.appContributors = DefaultContributors(cfg, nil)
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Fs returns the client filesystem.
func (c *Client) Fs() afero.Fs {
	return c.fs
}

// Lang returns the lang query value appended to every request.
func (c *Client) Lang() string {
	return c.lang
}

// Auth returns the authorization manager.
func (c *Client) Auth() *AuthorizationManager {
	return c.auth
}

// Sender returns the request facade.
func (c *Client) Sender() *RequestSender {
	return &RequestSender{client: c}
}

// Params creates an empty parameter set on the client filesystem.
func (c *Client) Params() *transport.RequestParams {
	return transport.NewRequestParamsFs(c.fs)
}

// NewRequest creates a request for path, which is resolved against the API host unless
// it is already an absolute URL.
func (c *Client) NewRequest(method, path string, urlParams *transport.RequestParams) *Request {
	return c.newRequest(c.resolve(c.cfg.APIHost, path), method, urlParams)
}

// Pending returns the number of requests and transfers that have not finished.
func (c *Client) Pending() int {
	return c.queue.Pending() + c.docs.Pending()
}

// Wait blocks until every request on the JSON queue has finished.
func (c *Client) Wait() {
	c.queue.Wait()
}

// Close cancels outstanding work, stops the queues and flushes the callback loop.
// It may be called from inside a delegate callback; the loop then exits once that
// callback and any already queued ones have run.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.queue.Close()
		c.docs.Close()
		if c.looper != nil {
			c.looper.Close()
		}
	})
	return nil
}

func (c *Client) getTransport() *transport.Transport {
	c.transportOnce.Do(func() {
		opts := []transport.Option{transport.WithLogger(c.logger)}
		if c.httpClient != nil {
			opts = append(opts, transport.WithHTTPClient(c.httpClient))
		}
		if c.cfg.RateLimit > 0 {
			opts = append(opts, transport.WithRateLimit(c.cfg.RateLimit, 1))
		}
		c.transport = transport.NewTransport(opts...)
	})
	return c.transport
}

func (c *Client) resolve(host, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(host, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) newRequest(serviceURL, method string, urlParams *transport.RequestParams) *Request {
	tag := uuid.NewString()
	r := &Request{
		client:     c,
		serviceURL: serviceURL,
		method:     strings.ToUpper(method),
		urlParams:  urlParams,
		headers:    make(map[string]string),
		policy:     c.newPolicy(),
		tag:        tag,
		done:       make(chan struct{}),
	}
	if r.method == "" {
		r.method = MethodGet
	}
	return r
}

// tokenSourceAdapter exposes an oauth2.TokenSource as an AccessTokenSource.
type tokenSourceAdapter struct {
	ts     oauth2.TokenSource
	logger *slog.Logger
}

func (a *tokenSourceAdapter) AccessToken() string {
	tok, err := a.ts.Token()
	if err != nil {
		a.logger.Warn("token source failed", "error", err)
		return ""
	}
	if !tok.Valid() {
		return ""
	}
	return tok.AccessToken
}

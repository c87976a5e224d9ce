// Package httpkit builds the HTTP clients volc uses for outbound REST
// calls: the PostgREST store, the Anthropic API and the health probes.
// Every client shares one set of dial, TLS and header timeouts, stamps a
// User-Agent and may retry requests that never reached the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout           = 10 * time.Second
	KeepAlive             = 30 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 15 * time.Second
	IdleConnTimeout       = 90 * time.Second
	MaxIdleConnsPerHost   = 10
)

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	base      http.RoundTripper
	attempts  int
	backoff   time.Duration
	retryGate bool
	logger    *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// long streaming responses need.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport replaces the default transport. Streaming clients use
// it to drop the response header timeout.
func WithTransport(t *http.Transport) Option {
	return func(o *options) { o.base = t }
}

// WithRetry retries up to count times after a connection-level failure,
// doubling delay each time. Requests whose body cannot be rewound are
// sent once.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.attempts = count
		o.backoff = delay
	}
}

// WithGatewayRetry also retries idempotent GETs answered by a gateway
// error. It has no effect without [WithRetry].
func WithGatewayRetry() Option {
	return func(o *options) { o.retryGate = true }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	d := &net.Dialer{Timeout: DialTimeout, KeepAlive: KeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client from the defaults and opts.
func NewClient(opts ...Option) *http.Client {
	o := options{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.base == nil {
		o.base = NewTransport()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.backoff <= 0 {
		o.backoff = 250 * time.Millisecond
	}
	return &http.Client{
		Timeout:   o.timeout,
		Transport: &roundTripper{opts: o},
	}
}

type roundTripper struct {
	opts options
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.opts.userAgent)
	}

	resp, err := rt.opts.base.RoundTrip(req)
	delay := rt.opts.backoff
	for attempt := 1; attempt <= rt.opts.attempts && rt.retryable(req, resp, err); attempt++ {
		rt.opts.logger.Debug("retrying request",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"status", statusOf(resp),
			"error", err,
		)
		if resp != nil {
			DrainAndClose(resp.Body, 4096)
		}

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		delay *= 2

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			next.Body = body
		}
		resp, err = rt.opts.base.RoundTrip(next)
	}
	return resp, err
}

func (rt *roundTripper) retryable(req *http.Request, resp *http.Response, err error) bool {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return false
	}
	if err != nil {
		return IsDialError(err)
	}
	if !rt.opts.retryGate || req.Method != http.MethodGet {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// IsDialError reports failures that happen before any byte reaches the
// server. ECONNRESET is not one: the server may have acted already.
func IsDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body and
// releases the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

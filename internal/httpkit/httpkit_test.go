package httpkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("streaming timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []Option
		preset string
		want   string
	}{
		{name: "default", want: "volc/"},
		{name: "override", opts: []Option{WithUserAgent("CoachBot/1.0")}, want: "CoachBot/1.0"},
		{name: "request header wins", preset: "Custom/2.0", want: "Custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("permission denied for table user_profiles"))
	if got := ReadErrorBody(rc, 17); got != "permission denied" {
		t.Errorf("ReadErrorBody = %q, want truncated body", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

// scriptedTransport fails with err for the first failures calls, then
// answers with status.
type scriptedTransport struct {
	failures int
	calls    int
	err      error
	status   int
	final    int
}

func (f *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return &http.Response{StatusCode: f.status, Body: io.NopCloser(strings.NewReader("upstream"))}, nil
	}
	code := f.final
	if code == 0 {
		code = http.StatusOK
	}
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func newTestTripper(base http.RoundTripper, attempts int, gateway bool) *roundTripper {
	return &roundTripper{opts: options{
		base:      base,
		attempts:  attempts,
		backoff:   time.Millisecond,
		retryGate: gateway,
		userAgent: "volc-test",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}}
}

func TestRoundTripper_Retry(t *testing.T) {
	tests := []struct {
		name       string
		base       *scriptedTransport
		method     string
		gateway    bool
		wantCalls  int
		wantErr    bool
		wantStatus int
	}{
		{
			name:      "recovers after refused",
			base:      &scriptedTransport{failures: 2, err: dialErr(syscall.ECONNREFUSED)},
			wantCalls: 3, wantStatus: http.StatusOK,
		},
		{
			name:      "exhausts retries",
			base:      &scriptedTransport{failures: 10, err: dialErr(syscall.EHOSTUNREACH)},
			wantCalls: 4, wantErr: true,
		},
		{
			name:      "reset is not retried",
			base:      &scriptedTransport{failures: 1, err: dialErr(syscall.ECONNRESET)},
			wantCalls: 1, wantErr: true,
		},
		{
			name:      "gateway error retried when enabled",
			base:      &scriptedTransport{failures: 1, status: http.StatusServiceUnavailable},
			gateway:   true,
			wantCalls: 2, wantStatus: http.StatusOK,
		},
		{
			name:      "gateway error returned when disabled",
			base:      &scriptedTransport{failures: 1, status: http.StatusBadGateway},
			wantCalls: 1, wantStatus: http.StatusBadGateway,
		},
		{
			name:      "gateway error on POST is not retried",
			base:      &scriptedTransport{failures: 1, status: http.StatusGatewayTimeout},
			method:    http.MethodPost,
			gateway:   true,
			wantCalls: 1, wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:      "client error is not retried",
			base:      &scriptedTransport{failures: 1, status: http.StatusUnauthorized},
			gateway:   true,
			wantCalls: 1, wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			rt := newTestTripper(tt.base, 3, tt.gateway)
			req, _ := http.NewRequest(method, "http://store.invalid/rest/v1/glossary", nil)

			resp, err := rt.RoundTrip(req)
			if resp != nil {
				defer resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.base.calls, tt.wantCalls)
			}
			if !tt.wantErr && resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRoundTripper_RewindsBody(t *testing.T) {
	var bodies []string
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			return nil, dialErr(syscall.ECONNREFUSED)
		}
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	})
	rt := newTestTripper(base, 2, false)

	req, _ := http.NewRequest(http.MethodPost, "http://store.invalid/rest/v1/usage_logs", strings.NewReader(`{"action":"coach_turn"}`))
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[1] != `{"action":"coach_turn"}` {
		t.Errorf("bodies = %q, want the body resent", bodies)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRoundTripper_RespectsContext(t *testing.T) {
	base := &scriptedTransport{failures: 10, err: dialErr(syscall.ECONNREFUSED)}
	rt := newTestTripper(base, 5, false)
	rt.opts.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://store.invalid/", nil)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsDialError(t *testing.T) {
	if !IsDialError(fmt.Errorf("wrapped: %w", dialErr(syscall.ENETUNREACH))) {
		t.Error("wrapped ENETUNREACH should be a dial error")
	}
	if IsDialError(errors.New("tls: bad certificate")) {
		t.Error("plain error should not be a dial error")
	}
}

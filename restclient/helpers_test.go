package restclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const testHost = "example.com"

// stubResolver maps every lookup to addrs after failing the first fails
// attempts, or always fails when err is set and fails is negative.
type stubResolver struct {
	mu    sync.Mutex
	addrs []string
	fails int
	err   error
	calls int
}

func (r *stubResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails < 0 || r.calls <= r.fails {
		err := r.err
		if err == nil {
			err = &net.DNSError{Err: "no such host", Name: testHost, IsNotFound: true}
		}
		return nil, err
	}
	return r.addrs, nil
}

func (r *stubResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w)
}

// fakeAPI is a TLS server answering on the API prefix.
type fakeAPI struct {
	srv      *httptest.Server
	resolver *stubResolver
	logs     *syncBuffer
}

// newFakeAPI starts a TLS server with the routes registered by mount.
func newFakeAPI(t *testing.T, mount func(r chi.Router)) *fakeAPI {
	t.Helper()

	r := chi.NewRouter()
	r.Route("/api/v10", mount)

	srv := httptest.NewUnstartedServer(r)
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &fakeAPI{
		srv:      srv,
		resolver: &stubResolver{addrs: []string{"127.0.0.1"}},
		logs:     &syncBuffer{},
	}
}

func (f *fakeAPI) port() string {
	_, port, _ := net.SplitHostPort(f.srv.Listener.Addr().String())
	return port
}

func (f *fakeAPI) rootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(f.srv.Certificate())
	return pool
}

// options returns the options pointing a Client at the fake API.
func (f *fakeAPI) options(extra ...Option) []Option {
	opts := []Option{
		WithHost(testHost, f.port()),
		WithResolver(f.resolver),
		WithTLSConfig(&tls.Config{RootCAs: f.rootCAs(), MinVersion: tls.VersionTLS12}),
		WithLogger(newTestLogger(f.logs)),
		WithStageTimeout(5 * time.Second),
	}
	return append(opts, extra...)
}

// newClient creates a Client for the fake API that is closed on cleanup.
func (f *fakeAPI) newClient(t *testing.T, extra ...Option) *Client {
	t.Helper()
	c := New("Bot test-token", f.options(extra...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// callRecorder captures callback invocations for one call.
type callRecorder struct {
	mu        sync.Mutex
	events    []string
	writes    []bool
	reads     int
	readFail  bool
	resp      Document
	rateLimit *RateLimitError
	done      chan struct{}
}

func newCallRecorder() *callRecorder {
	return &callRecorder{done: make(chan struct{})}
}

// call builds a Call wired to the recorder.
func (r *callRecorder) call(verb Verb, path string, body Document) *Call {
	return &Call{
		Verb: verb,
		Path: path,
		Body: body,
		OnWrite: func(failed bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "write")
			r.writes = append(r.writes, failed)
		},
		OnRead: func(failed bool, resp Document) {
			r.mu.Lock()
			r.events = append(r.events, "read")
			r.reads++
			first := r.reads == 1
			r.readFail = failed
			r.resp = resp
			r.mu.Unlock()
			if first {
				close(r.done)
			}
		},
		OnRateLimit: func(err *RateLimitError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "rate_limit")
			r.rateLimit = err
		},
	}
}

func (r *callRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("OnRead was not invoked")
	}
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

// writeJSON writes a raw JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(l.Addr().String())
	_ = l.Close()
	return port
}

// logLines returns the log lines containing substr.
func logLines(logs string, substr string) []string {
	var out []string
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

var errBoom = errors.New("boom")

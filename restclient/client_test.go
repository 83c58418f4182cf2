package restclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestClient_Call_Envelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		handler      http.HandlerFunc
		wantFailed   bool
		wantEnvelope Document
	}{
		{
			name: "given 200 with JSON body, then envelope carries body, result and present headers",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set(HeaderRateLimitLimit, "5")
				w.Header().Set(HeaderRateLimitRemaining, "4")
				writeJSON(w, http.StatusOK, `{"id":"42"}`)
			},
			wantFailed: false,
			wantEnvelope: Document{
				"id":     "42",
				"result": 200,
				"header": Document{
					HeaderRateLimitLimit:     "5",
					HeaderRateLimitRemaining: "4",
				},
			},
		},
		{
			name: "given all six rate limit headers, then all are copied verbatim",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set(HeaderRateLimitGlobal, "false")
				w.Header().Set(HeaderRateLimitLimit, "10")
				w.Header().Set(HeaderRateLimitRemaining, "0")
				w.Header().Set(HeaderRateLimitReset, "1470173023.123")
				w.Header().Set(HeaderRateLimitResetAfter, "64.57")
				w.Header().Set(HeaderRateLimitBucket, "abcd1234")
				w.Header().Set("X-Unrelated", "ignored")
				writeJSON(w, http.StatusOK, `{"id":"42"}`)
			},
			wantFailed: false,
			wantEnvelope: Document{
				"id":     "42",
				"result": 200,
				"header": Document{
					HeaderRateLimitGlobal:     "false",
					HeaderRateLimitLimit:      "10",
					HeaderRateLimitRemaining:  "0",
					HeaderRateLimitReset:      "1470173023.123",
					HeaderRateLimitResetAfter: "64.57",
					HeaderRateLimitBucket:     "abcd1234",
				},
			},
		},
		{
			name: "given 404 with JSON body, then OnRead reports failure with envelope",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusNotFound, `{"message":"Unknown User","code":10013}`)
			},
			wantFailed: true,
			wantEnvelope: Document{
				"message": "Unknown User",
				"code":    float64(10013),
				"result":  404,
				"header":  Document{},
			},
		},
		{
			name: "given non-JSON body, then envelope has only result and header",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("<html>502 Bad Gateway</html>"))
			},
			wantFailed: true,
			wantEnvelope: Document{
				"result": 502,
				"header": Document{},
			},
		},
		{
			name: "given empty body, then envelope has only result and header",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			wantFailed: true,
			wantEnvelope: Document{
				"result": 204,
				"header": Document{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeAPI(t, func(r chi.Router) {
				r.Get("/users/@me", tt.handler)
			})
			client := api.newClient(t)

			rec := newCallRecorder()
			client.Call(rec.call(VerbGet, "/users/@me", nil))
			rec.wait(t)

			assert.Equal(t, []string{"write", "read"}, rec.snapshot())
			assert.Equal(t, []bool{false}, rec.writes)
			assert.Equal(t, tt.wantFailed, rec.readFail)
			assert.Equal(t, tt.wantEnvelope, rec.resp)
			assert.Nil(t, rec.rateLimit)
		})
	}
}

func TestClient_Call_RequestShape(t *testing.T) {
	t.Parallel()

	type captured struct {
		method        string
		uri           string
		host          string
		auth          string
		userAgent     string
		contentType   string
		contentLength string
		body          string
	}

	tests := []struct {
		name string
		verb Verb
		path string
		body Document
		want captured
	}{
		{
			name: "given GET without body, then no payload is sent",
			verb: VerbGet,
			path: "/users/@me",
			want: captured{
				method:      http.MethodGet,
				uri:         "/api/v10/users/@me",
				contentType: "application/json",
			},
		},
		{
			name: "given POST without body, then an empty payload with length is sent",
			verb: VerbPost,
			path: "/channels/1/typing",
			want: captured{
				method:        http.MethodPost,
				uri:           "/api/v10/channels/1/typing",
				contentType:   "application/json",
				contentLength: "0",
			},
		},
		{
			name: "given POST with body, then JSON payload is sent",
			verb: VerbPost,
			path: "/channels/1/messages",
			body: Document{"content": "hi"},
			want: captured{
				method:        http.MethodPost,
				uri:           "/api/v10/channels/1/messages",
				contentType:   "application/json",
				contentLength: "16",
				body:          `{"content":"hi"}`,
			},
		},
		{
			name: "given DELETE with body, then payload is attached anyway",
			verb: VerbDelete,
			path: "/channels/1",
			body: Document{"reason": "x"},
			want: captured{
				method:        http.MethodDelete,
				uri:           "/api/v10/channels/1",
				contentType:   "application/json",
				contentLength: "14",
				body:          `{"reason":"x"}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu  sync.Mutex
				got captured
			)
			api := newFakeAPI(t, func(r chi.Router) {
				r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
					b, _ := io.ReadAll(r.Body)
					mu.Lock()
					got = captured{
						method:        r.Method,
						uri:           r.RequestURI,
						host:          r.Host,
						auth:          r.Header.Get("Authorization"),
						userAgent:     r.Header.Get("User-Agent"),
						contentType:   r.Header.Get("Content-Type"),
						contentLength: r.Header.Get("Content-Length"),
						body:          string(b),
					}
					mu.Unlock()
					writeJSON(w, http.StatusOK, `{}`)
				})
			})
			client := api.newClient(t, WithUserAgent("TestBot (https://example.com, 1.0)"))

			rec := newCallRecorder()
			client.Call(rec.call(tt.verb, tt.path, tt.body))
			rec.wait(t)

			mu.Lock()
			defer mu.Unlock()

			want := tt.want
			want.host = testHost
			want.auth = "Bot test-token"
			want.userAgent = "TestBot (https://example.com, 1.0)"
			assert.Equal(t, want, got)
		})
	}
}

func TestClient_Call_RateLimit(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Post("/channels/1/messages", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderRateLimitBucket, "abcd1234")
			writeJSON(w, http.StatusTooManyRequests,
				`{"message":"You are being rate limited.","retry_after":500,"global":false}`)
		})
		r.Post("/channels/2/messages", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusForbidden, `{"message":"Missing Access","code":50001}`)
		})
	})
	client := api.newClient(t)

	t.Run("given rate limit body, then OnRateLimit fires before OnRead with retry_after", func(t *testing.T) {
		rec := newCallRecorder()
		client.Call(rec.call(VerbPost, "/channels/1/messages", Document{"content": "hi"}))
		rec.wait(t)

		assert.Equal(t, []string{"write", "rate_limit", "read"}, rec.snapshot())
		require.NotNil(t, rec.rateLimit)
		assert.Equal(t, 500*time.Millisecond, rec.rateLimit.RetryAfter)
		assert.False(t, rec.rateLimit.Global)
		assert.Equal(t, "abcd1234", rec.rateLimit.Bucket)
		assert.True(t, rec.readFail)
		assert.Equal(t, 429, rec.resp.Result())
	})

	t.Run("given generic 4xx, then no rate limit signal is raised", func(t *testing.T) {
		rec := newCallRecorder()
		client.Call(rec.call(VerbPost, "/channels/2/messages", Document{"content": "hi"}))
		rec.wait(t)

		assert.Equal(t, []string{"write", "read"}, rec.snapshot())
		assert.Nil(t, rec.rateLimit)
		assert.True(t, rec.readFail)
		assert.Equal(t, 403, rec.resp.Result())
	})

	t.Run("given rate limit body via Do, then error is RateLimitError and result is kept", func(t *testing.T) {
		res, err := client.Do(context.Background(), VerbPost, "/channels/1/messages", nil)

		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 500*time.Millisecond, rl.RetryAfter)
		require.NotNil(t, res)
		assert.Equal(t, 429, res.Status)
		assert.True(t, res.Failed)
	})

	t.Run("given generic 4xx via Do, then no error and failed result", func(t *testing.T) {
		res, err := client.Do(context.Background(), VerbPost, "/channels/2/messages", nil)

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 403, res.Status)
		assert.True(t, res.Failed)
		assert.Equal(t, "Missing Access", res.Envelope["message"])
	})
}

func TestClient_Call_TransportFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(t *testing.T) []Option
		wantStage  Stage
		wantEvents []string
		wantWrites []bool
	}{
		{
			name: "given nothing listening, then connect fails and both callbacks report failure",
			setup: func(t *testing.T) []Option {
				return []Option{
					WithHost(testHost, closedPort(t)),
					WithResolver(&stubResolver{addrs: []string{"127.0.0.1"}}),
				}
			},
			wantStage:  StageConnect,
			wantEvents: []string{"write", "read"},
			wantWrites: []bool{true},
		},
		{
			name: "given untrusted certificate, then handshake fails and both callbacks report failure",
			setup: func(t *testing.T) []Option {
				api := newFakeAPI(t, func(r chi.Router) {})
				return []Option{
					WithHost(testHost, api.port()),
					WithResolver(api.resolver),
				}
			},
			wantStage:  StageHandshake,
			wantEvents: []string{"write", "read"},
			wantWrites: []bool{true},
		},
		{
			name: "given invalid server name, then handshake fails before any resolution",
			setup: func(_ *testing.T) []Option {
				return []Option{
					WithHost("bad host!", "443"),
					WithResolver(&stubResolver{fails: -1}),
				}
			},
			wantStage:  StageHandshake,
			wantEvents: []string{"write", "read"},
			wantWrites: []bool{true},
		},
		{
			name: "given server that never answers, then read times out and only OnRead reports failure",
			setup: func(t *testing.T) []Option {
				api := newFakeAPI(t, func(r chi.Router) {
					r.Get("/users/@me", func(_ http.ResponseWriter, r *http.Request) {
						<-r.Context().Done()
					})
				})
				return append(api.options(), WithStageTimeout(200*time.Millisecond))
			},
			wantStage:  StageRead,
			wantEvents: []string{"write", "read"},
			wantWrites: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logs := &syncBuffer{}
			opts := append(tt.setup(t), WithLogger(newTestLogger(logs)))
			client := New("Bot test-token", opts...)
			t.Cleanup(func() { _ = client.Close() })

			rec := newCallRecorder()
			client.Call(rec.call(VerbGet, "/users/@me", nil))
			rec.wait(t)

			assert.Equal(t, tt.wantEvents, rec.snapshot())
			assert.Equal(t, tt.wantWrites, rec.writes)
			assert.True(t, rec.readFail)
			assert.Nil(t, rec.resp)

			_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantStage, se.Stage)

			require.NoError(t, client.Close())
			assert.NotEmpty(t, logLines(logs.String(), `"stage":"`+tt.wantStage.String()+`"`))
		})
	}
}

func TestClient_Call_ReadTimeoutIsTimeout(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Get("/slow", func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
	})
	client := api.newClient(t, WithStageTimeout(100*time.Millisecond))

	_, err := client.Do(context.Background(), VerbGet, "/slow", nil)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageRead, se.Stage)
	assert.True(t, se.Timeout())
	assert.Equal(t, ErrorTypeTimeout, classifyError(err))
}

func TestClient_Bootstrap(t *testing.T) {
	t.Parallel()

	t.Run("given resolution failing during bootstrap, then it is retried and no callback fires early", func(t *testing.T) {
		t.Parallel()

		api := newFakeAPI(t, func(r chi.Router) {
			r.Get("/users/@me", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, `{"id":"42"}`)
			})
		})
		api.resolver.fails = 2
		client := api.newClient(t, WithBootstrapRetryInterval(20*time.Millisecond))

		rec := newCallRecorder()
		var callsAtWrite int
		call := rec.call(VerbGet, "/users/@me", nil)
		onWrite := call.OnWrite
		call.OnWrite = func(failed bool) {
			callsAtWrite = api.resolver.Calls()
			onWrite(failed)
		}

		client.Call(call)
		rec.wait(t)

		assert.Equal(t, 3, callsAtWrite)
		assert.Equal(t, []bool{false}, rec.writes)
		assert.False(t, rec.readFail)
		assert.Equal(t, "42", rec.resp["id"])
	})

	t.Run("given a connection succeeded once, then later resolution failures are terminal", func(t *testing.T) {
		t.Parallel()

		api := newFakeAPI(t, func(r chi.Router) {
			r.Get("/users/@me", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, `{"id":"42"}`)
			})
		})
		client := api.newClient(t, WithBootstrapRetryInterval(time.Hour))

		_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
		require.NoError(t, err)
		assert.False(t, client.bootstrap.inProgress())

		api.resolver.mu.Lock()
		api.resolver.fails = -1
		callsBefore := api.resolver.calls
		api.resolver.mu.Unlock()

		rec := newCallRecorder()
		client.Call(rec.call(VerbGet, "/users/@me", nil))
		rec.wait(t)

		assert.Equal(t, []string{"write", "read"}, rec.snapshot())
		assert.Equal(t, []bool{true}, rec.writes)
		assert.True(t, rec.readFail)
		assert.Equal(t, callsBefore+1, api.resolver.Calls())

		_, err = client.Do(context.Background(), VerbGet, "/users/@me", nil)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageResolve, se.Stage)
		var dnsErr *net.DNSError
		assert.ErrorAs(t, err, &dnsErr)
	})

	t.Run("given client closed while retrying, then the call fails with ErrClientClosed", func(t *testing.T) {
		t.Parallel()

		resolver := &stubResolver{fails: -1}
		client := New("Bot test-token",
			WithHost(testHost, "443"),
			WithResolver(resolver),
			WithBootstrapRetryInterval(time.Hour),
			WithLogger(newTestLogger(&syncBuffer{})),
		)

		rec := newCallRecorder()
		client.Call(rec.call(VerbGet, "/users/@me", nil))

		require.Eventually(t, func() bool { return resolver.Calls() >= 1 }, 5*time.Second, 5*time.Millisecond)
		assert.Empty(t, rec.snapshot())

		require.NoError(t, client.Close())
		rec.wait(t)
		assert.Equal(t, []bool{true}, rec.writes)
		assert.True(t, rec.readFail)

		_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func TestClient_Call_Concurrent(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Get("/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"id":"`+chi.URLParam(r, "id")+`"}`)
		})
	})
	client := api.newClient(t, WithMaxConcurrentCalls(3))

	const n = 12
	recs := make([]*callRecorder, n)
	for i := range recs {
		recs[i] = newCallRecorder()
		client.Call(recs[i].call(VerbGet, "/channels/"+string(rune('a'+i)), nil))
	}

	for i, rec := range recs {
		rec.wait(t)
		assert.Equal(t, []string{"write", "read"}, rec.snapshot())
		assert.Equal(t, string(rune('a'+i)), rec.resp["id"])
	}
}

func TestClient_Do_ContextCancelled(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Get("/slow", func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
	})
	client := api.newClient(t, WithStageTimeout(500*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := client.Do(ctx, VerbGet, "/slow", nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_LocalRateLimit(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Get("/users/@me", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"id":"42"}`)
		})
	})
	client := api.newClient(t, WithRateLimit(RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		WaitOnLimit:       false,
	}))

	_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
	require.NoError(t, err)

	rec := newCallRecorder()
	client.Call(rec.call(VerbGet, "/users/@me", nil))
	rec.wait(t)
	assert.Equal(t, []bool{true}, rec.writes)
	assert.True(t, rec.readFail)

	_, err = client.Do(context.Background(), VerbGet, "/users/@me", nil)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageThrottle, se.Stage)
	assert.ErrorIs(t, err, ErrLocalRateLimited)
}

func TestClient_Instrumentation(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, func(r chi.Router) {
		r.Get("/users/@me", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"id":"42"}`)
		})
	})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	client := api.newClient(t,
		WithMeterProvider(mp),
		WithTracerProvider(tp),
		WithServiceName("bot"),
	)

	_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "REST GET", span.Name())

	var events []string
	for _, ev := range span.Events() {
		events = append(events, ev.Name)
	}
	assert.Equal(t, []string{
		"resolve.done", "connect.done", "handshake.done",
		"write.done", "read.done", "shutdown.done",
	}, events)
	assert.Contains(t, span.Attributes(), attribute.String("url.path", "/api/v10/users/@me"))
	assert.Contains(t, span.Attributes(), attribute.String("restclient.name", "bot"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["restclient.call.duration"])
	assert.True(t, names["restclient.stage.duration"])
	assert.True(t, names["restclient.active_calls"])
	assert.True(t, names["restclient.response.body.size"])
	assert.False(t, names["restclient.call.errors"])
}

func TestClient_Close_Idempotent(t *testing.T) {
	t.Parallel()

	client := New("Bot test-token", WithLogger(newTestLogger(&syncBuffer{})))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Do(context.Background(), VerbGet, "/users/@me", nil)
	assert.True(t, errors.Is(err, ErrClientClosed))
}

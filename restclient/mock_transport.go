package restclient

import (
	"errors"
	"net/http"
	"regexp"
	"sync"
)

// MockTransport is a Transport for testing code that issues REST calls.
// It answers calls from stubs without touching the network and records
// every call it receives.
//
// Callbacks run on a separate goroutine, as they would with a Client; use
// Wait to block until every dispatched call has completed.
//
// Example:
//
//	mock := restclient.NewMockTransport().
//	    StubPath("/users/@me", http.StatusOK, restclient.Document{"id": "42"})
//	bot := mybot.New(mock)
//	bot.Start()
//	mock.Wait()
//	assert.Equal(t, 1, mock.CallCount())
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []mockStub
	defaultResp *mockResponse
	defaultErr  error
	calls       []*Call
	callHook    func(*Call)

	wg sync.WaitGroup
}

type mockResponse struct {
	status int
	body   Document
	header http.Header
}

type mockStub struct {
	matcher  func(*Call) bool
	response *mockResponse
	err      error
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse answers every unmatched call with the given response.
func (m *MockTransport) StubResponse(status int, body Document) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &mockResponse{status: status, body: body}
	return m
}

// StubError fails every unmatched call with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// StubPath answers calls to path with the given response.
func (m *MockTransport) StubPath(path string, status int, body Document) *MockTransport {
	return m.StubFunc(func(c *Call) bool {
		return c.Path == path
	}, status, body)
}

// StubPathRegex answers calls whose path matches pattern.
func (m *MockTransport) StubPathRegex(pattern string, status int, body Document) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(c *Call) bool {
		return re.MatchString(c.Path)
	}, status, body)
}

// StubMethod answers calls with the given verb.
func (m *MockTransport) StubMethod(verb Verb, status int, body Document) *MockTransport {
	return m.StubFunc(func(c *Call) bool {
		return c.Verb == verb
	}, status, body)
}

// StubRateLimit answers calls to path with the server's rate limit response.
func (m *MockTransport) StubRateLimit(path string, retryAfterMs float64, global bool) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	hdr := make(http.Header)
	if global {
		hdr.Set(HeaderRateLimitGlobal, "true")
	}
	m.stubs = append(m.stubs, mockStub{
		matcher: func(c *Call) bool { return c.Path == path },
		response: &mockResponse{
			status: http.StatusTooManyRequests,
			body: Document{
				"message":     RateLimitMessage,
				"retry_after": retryAfterMs,
				"global":      global,
			},
			header: hdr,
		},
	})
	return m
}

// StubFunc answers calls matching the predicate with the given response.
func (m *MockTransport) StubFunc(matcher func(*Call) bool, status int, body Document) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{
		matcher:  matcher,
		response: &mockResponse{status: status, body: body},
	})
	return m
}

// StubFuncError fails calls matching the predicate with err.
// Wrap err in a *StageError to control the reported stage. An interpret
// stage error delivers an envelope holding only result (200) and header.
func (m *MockTransport) StubFuncError(matcher func(*Call) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{
		matcher: matcher,
		err:     err,
	})
	return m
}

// OnCall sets a hook that is called for each submitted call.
func (m *MockTransport) OnCall(fn func(*Call)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callHook = fn
	return m
}

// Call implements Transport.
func (m *MockTransport) Call(c *Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	hook := m.callHook
	m.mu.Unlock()

	resp, err := m.match(c)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if hook != nil {
			hook(c)
		}
		if err != nil {
			// Failures before a response follow the client's fan-out.
			var se *StageError
			if !errors.As(err, &se) || se.Stage < StageRead || se.Stage > StageInterpret {
				c.notifyWrite(true)
			} else {
				c.notifyWrite(false)
			}
			var env Document
			if se != nil && se.Stage == StageInterpret {
				// A response arrived but its body was unusable.
				env = Document{resultKey: http.StatusOK, headerKey: rateLimitEnvelope(nil)}
			}
			c.notifyRead(true, env)
			return
		}

		c.notifyWrite(false)
		env := resp.body.Clone()
		if env == nil {
			env = Document{}
		}
		hdr := rateLimitEnvelope(resp.header)
		env[resultKey] = resp.status
		env[headerKey] = hdr
		if rl := rateLimitFromBody(env, hdr); rl != nil {
			c.notifyRateLimit(rl)
		}
		c.notifyRead(resp.status != http.StatusOK, env)
	}()
}

func (m *MockTransport) match(c *Call) (*mockResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// First match wins.
	for _, s := range m.stubs {
		if s.matcher(c) {
			return s.response, s.err
		}
	}

	if m.defaultErr != nil {
		return nil, m.defaultErr
	}
	if m.defaultResp != nil {
		return m.defaultResp, nil
	}

	return nil, &StageError{
		Stage: StageConnect,
		Err:   errors.New("no stub found for call: " + string(c.Verb) + " " + c.Path),
	}
}

// Wait blocks until every dispatched call has run its callbacks.
func (m *MockTransport) Wait() {
	m.wg.Wait()
}

// Calls returns all calls submitted to this transport.
func (m *MockTransport) Calls() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Call{}, m.calls...)
}

// CallCount returns the number of calls submitted.
func (m *MockTransport) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// LastCall returns the most recent call, or nil if none.
func (m *MockTransport) LastCall() *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Reset clears all recorded calls and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.stubs = nil
	m.defaultResp = nil
	m.defaultErr = nil
	m.callHook = nil
}

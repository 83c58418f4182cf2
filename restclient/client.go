package restclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Client issues REST calls, each over its own short-lived TLS connection.
//
// A Client is safe for concurrent use. Calls share nothing but the
// read-only configuration, the bootstrap retry state and the optional
// limiter, breaker and concurrency bound.
type Client struct {
	cfg *internalConfig

	// bootstrap outlives individual calls: it remembers whether any call
	// ever connected.
	bootstrap bootstrapState

	rootCtx context.Context
	cancel  context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	limiter *rate.Limiter
	breaker *guardedBreaker
	sem     *semaphore.Weighted
}

// New creates a Client that authenticates with token. The token is sent
// verbatim as the Authorization header, so bot tokens need their "Bot "
// prefix.
//
// Example:
//
//	client := restclient.New("Bot "+token,
//	    restclient.WithLogger(logger),
//	    restclient.WithRateLimit(restclient.DefaultRateLimitConfig()),
//	)
//	defer client.Close()
func New(token string, opts ...Option) *Client {
	cfg := newConfig(token, opts...)

	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Client{
		cfg:     cfg,
		rootCtx: ctx,
		cancel:  cancel,
		limiter: newLimiter(cfg.RateLimitConfig),
		breaker: newBreaker(cfg),
	}
	if cfg.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrentCalls)
	}
	return c
}

// Call submits a call and returns immediately. Its callbacks run on the
// call's own goroutine, never concurrently with each other.
func (c *Client) Call(call *Call) {
	c.submit(call, nil)
}

// Result is the outcome of a call that produced a response envelope.
type Result struct {
	// Envelope is the parsed body plus "result" and "header".
	Envelope Document

	// Status is the HTTP status code.
	Status int

	// Failed is true for any status other than 200 and for bodies that
	// could not be decoded.
	Failed bool
}

// RateLimit returns the typed rate limit headers of the response.
func (r *Result) RateLimit() RateLimitInfo {
	return ParseRateLimitInfo(r.Envelope)
}

// Do submits a call and waits for its response envelope.
//
// The error is a *StageError when the call failed before a response was
// read, a *RateLimitError (alongside the Result) when the server rate
// limited the call, or ctx.Err() if ctx ends first. In the last case the
// call keeps running until its own stages finish.
//
// Example:
//
//	res, err := client.Do(ctx, restclient.VerbGet, "/users/@me", nil)
//	var rl *restclient.RateLimitError
//	switch {
//	case errors.As(err, &rl):
//	    time.Sleep(rl.RetryAfter)
//	case err != nil:
//	    return err
//	}
//	fmt.Println(res.Envelope["id"])
func (c *Client) Do(ctx context.Context, verb Verb, path string, body Document) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	call := &Call{Verb: verb, Path: path, Body: body}
	c.submit(call, func(cs *callState) {
		o := outcome{err: cs.err}
		if cs.envelope != nil {
			o.res = &Result{
				Envelope: cs.envelope,
				Status:   cs.status,
				Failed:   cs.status != http.StatusOK || cs.err != nil,
			}
			if cs.rateLimit != nil {
				o.err = cs.rateLimit
			}
		}
		ch <- o
	})

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close aborts bootstrap waits and in-flight stages, then waits for every
// pipeline to finish. Calls submitted afterwards fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel(ErrClientClosed)
	c.wg.Wait()
	return nil
}

// submit starts the call's goroutine. settled, if set, runs right after
// OnRead on that goroutine.
func (c *Client) submit(call *Call, settled func(*callState)) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	go func() {
		if !closed {
			defer c.wg.Done()
		}
		c.run(c.newCallState(call, settled))
	}()
}

func (c *Client) newCallState(call *Call, settled func(*callState)) *callState {
	cs := &callState{
		id:      uuid.NewString(),
		call:    call,
		ctx:     c.rootCtx,
		started: time.Now(),
		state:   stateResolving,
		settled: settled,
	}
	cs.logger = c.cfg.Logger.With().
		Str("call_id", cs.id).
		Str("method", string(cs.method())).
		Str("path", call.Path).
		Logger()
	return cs
}

// run owns one call from submission to its terminal state.
func (c *Client) run(cs *callState) {
	attrs := c.cfg.baseAttributes()

	sess, serr := newSession(c.cfg, cs.call)
	cs.sess = sess
	if sess != nil {
		cs.logger = cs.logger.With().Str("target", sess.target).Logger()
	}

	cs.ctx, cs.span = c.startCallSpan(cs.ctx, cs)
	defer cs.span.End()

	c.cfg.Metrics.recordActiveCallStart(cs.ctx, attrs)
	defer func() {
		c.cfg.Metrics.recordActiveCallEnd(cs.ctx, attrs)
		c.cfg.Metrics.recordCallDuration(cs.ctx, time.Since(cs.started), attrs)
	}()

	if serr != nil {
		c.fail(cs, serr.Stage, serr.Err)
		return
	}

	if err := context.Cause(cs.ctx); err != nil {
		c.fail(cs, StageResolve, err)
		return
	}

	if c.sem != nil {
		if err := c.sem.Acquire(cs.ctx, 1); err != nil {
			c.fail(cs, StageThrottle, context.Cause(cs.ctx))
			return
		}
		defer c.sem.Release(1)
	}

	if err := c.throttle(cs.ctx); err != nil {
		c.fail(cs, StageThrottle, err)
		return
	}

	if c.breaker == nil {
		c.drive(cs)
		return
	}

	err := c.breaker.run(cs.ctx, func() breakerOutcome {
		c.drive(cs)
		return breakerOutcome{status: cs.status, err: cs.err}
	})
	if err != nil {
		c.fail(cs, StageBreaker, err)
	}
}

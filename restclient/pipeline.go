package restclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// state is a pipeline position. States are entered in declaration order;
// any of them may end in stateFailed.
type state int

const (
	stateResolving state = iota
	stateConnecting
	stateHandshaking
	stateWriting
	stateReading
	stateShuttingDown
	stateClosed
	stateFailed
)

var stateNames = [...]string{
	stateResolving:    "resolving",
	stateConnecting:   "connecting",
	stateHandshaking:  "handshaking",
	stateWriting:      "writing",
	stateReading:      "reading",
	stateShuttingDown: "shutting_down",
	stateClosed:       "closed",
	stateFailed:       "failed",
}

func (s state) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s state) terminal() bool {
	return s == stateClosed || s == stateFailed
}

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// callState is everything one pipeline run owns. It is only touched by the
// call's goroutine.
type callState struct {
	id     string
	call   *Call
	sess   *session
	logger zerolog.Logger
	span   trace.Span

	// ctx is the client's root context carrying the call span.
	ctx     context.Context
	started time.Time
	state   state

	wrote    bool
	readDone bool

	status    int
	envelope  Document
	rateLimit *RateLimitError

	// err is the failure that kept a normal envelope from being produced.
	err error

	// settled runs right after OnRead, on the call goroutine.
	settled func(cs *callState)
}

func (cs *callState) method() Verb {
	if cs.call.Verb == "" {
		return VerbGet
	}
	return cs.call.Verb
}

// deliverRead fires OnRead exactly once.
func (cs *callState) deliverRead(failed bool, env Document) {
	if cs.readDone {
		return
	}
	cs.readDone = true
	cs.call.notifyRead(failed, env)
	if cs.settled != nil {
		cs.settled(cs)
	}
}

// drive runs the state machine until it reaches a terminal state.
func (c *Client) drive(cs *callState) {
	for !cs.state.terminal() {
		from := cs.state
		cs.state = c.step(cs)
		if c.cfg.Debug {
			logTransition(cs.logger, from, cs.state, time.Since(cs.started))
		}
	}
}

// step performs the work of the current state and returns the next one.
func (c *Client) step(cs *callState) state {
	sess := cs.sess
	rc := c.cfg.restConfig

	switch cs.state {
	case stateResolving:
		start := time.Now()
		addrs, err := c.resolve(cs.ctx, cs)
		c.finishStage(cs, StageResolve, start, err)
		if err != nil {
			return c.fail(cs, StageResolve, err)
		}
		sess.endpoints = endpoints(addrs, rc.Port)
		return stateConnecting

	case stateConnecting:
		err := c.runStage(cs, StageConnect, func(ctx context.Context) error {
			conn, err := c.dialAny(ctx, sess.endpoints)
			if err != nil {
				return err
			}
			sess.conn = conn
			c.bootstrap.markConnected()
			return nil
		})
		if err != nil {
			return c.fail(cs, StageConnect, err)
		}
		return stateHandshaking

	case stateHandshaking:
		err := c.runStage(cs, StageHandshake, func(ctx context.Context) error {
			tlsConn := tls.Client(sess.conn, sess.tlsConfig)
			sess.tlsConn = tlsConn
			return tlsConn.HandshakeContext(ctx)
		})
		if err != nil {
			return c.fail(cs, StageHandshake, err)
		}
		sess.bw = bufio.NewWriterSize(sess.tlsConn, sessionBufferSize)
		sess.br = bufio.NewReaderSize(sess.tlsConn, sessionBufferSize)
		return stateWriting

	case stateWriting:
		if c.cfg.Debug {
			logRequest(cs.logger, sess.req, len(sess.payload))
		}
		err := c.runStage(cs, StageWrite, func(context.Context) error {
			if err := sess.req.Write(sess.bw); err != nil {
				return err
			}
			return sess.bw.Flush()
		})
		if err != nil {
			return c.fail(cs, StageWrite, err)
		}
		c.cfg.Metrics.recordRequestBodySize(cs.ctx, int64(len(sess.payload)), c.cfg.baseAttributes())
		cs.wrote = true
		cs.call.notifyWrite(false)
		return stateReading

	case stateReading:
		start := time.Now()
		err := c.runStage(cs, StageRead, func(context.Context) error {
			resp, err := http.ReadResponse(sess.br, sess.req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
			sess.resp = resp
			sess.body = body
			return nil
		})
		if err != nil {
			return c.fail(cs, StageRead, err)
		}
		if c.cfg.Debug {
			logResponse(cs.logger, sess.resp, len(sess.body), time.Since(start))
		}
		c.cfg.Metrics.recordResponseBodySize(cs.ctx, int64(len(sess.body)), c.cfg.baseAttributes())
		c.complete(cs)
		return stateShuttingDown

	case stateShuttingDown:
		err := c.runStage(cs, StageShutdown, func(context.Context) error {
			if err := sess.tlsConn.CloseWrite(); err != nil {
				return err
			}
			// Wait for the peer to close its side; EOF is a clean close.
			_, err := io.Copy(io.Discard, sess.tlsConn)
			return err
		})
		if err != nil {
			se := &StageError{Stage: StageShutdown, Err: err}
			c.report(cs, se)
			if !isStreamTruncated(err) {
				sess.close()
				return stateFailed
			}
		}
		sess.close()
		return stateClosed
	}

	return cs.state
}

// complete interprets the response and fires the completion callbacks.
func (c *Client) complete(cs *callState) {
	env, err := c.interpret(cs)
	cs.status = cs.sess.resp.StatusCode
	cs.envelope = env

	failed := cs.status != http.StatusOK
	if err != nil {
		se := &StageError{Stage: StageInterpret, Err: err}
		cs.err = se
		c.report(cs, se)
		failed = true
	}

	if cs.rateLimit != nil {
		cs.call.notifyRateLimit(cs.rateLimit)
	}
	cs.deliverRead(failed, env)
}

// runStage runs fn bounded by the stage timeout. Once the session has a
// connection, expiry also unblocks I/O by moving the connection deadline
// into the past.
func (c *Client) runStage(cs *callState, stage Stage, fn func(ctx context.Context) error) error {
	timeout := c.cfg.restConfig.StageTimeout
	ctx, cancel := context.WithTimeout(cs.ctx, timeout)
	defer cancel()

	var (
		stop    func() bool
		expired chan struct{}
	)
	conn := cs.sess.netConn()
	if conn != nil {
		expired = make(chan struct{})
		stop = context.AfterFunc(ctx, func() {
			defer close(expired)
			_ = conn.SetDeadline(aLongTimeAgo)
		})
	}

	start := time.Now()
	err := fn(ctx)
	if stop != nil && !stop() {
		<-expired
		if err == nil {
			// The stage finished as its deadline fired; later stages must
			// not inherit the past deadline.
			_ = conn.SetDeadline(time.Time{})
		}
	}
	if err != nil {
		switch {
		case cs.ctx.Err() != nil:
			err = context.Cause(cs.ctx)
		case ctx.Err() != nil && !isTimeout(err):
			err = fmt.Errorf("%s timed out after %s: %w: %w", stage, timeout, context.DeadlineExceeded, err)
		}
	}
	c.finishStage(cs, stage, start, err)
	return err
}

func (c *Client) finishStage(cs *callState, stage Stage, start time.Time, err error) {
	c.cfg.Metrics.recordStageDuration(cs.ctx, stage, time.Since(start), c.cfg.baseAttributes())
	if cs.span != nil {
		addStageEvent(cs.span, stage, start, err)
	}
}

// fail applies the failure fan-out for a stage error and ends the pipeline:
// OnWrite(true) if the write never succeeded, then OnRead(true, nil) if it has
// not fired yet, then the report.
func (c *Client) fail(cs *callState, stage Stage, err error) state {
	se := &StageError{Stage: stage, Err: err}
	if !cs.readDone {
		cs.err = se
		if !cs.wrote {
			cs.call.notifyWrite(true)
		}
		cs.deliverRead(true, nil)
	}
	c.report(cs, se)
	if cs.sess != nil {
		cs.sess.close()
	}
	return stateFailed
}

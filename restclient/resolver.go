package restclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Resolver turns a hostname into connectable addresses.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var _ Resolver = (*net.Resolver)(nil)

// bootstrapState tracks whether the Client ever completed a connection.
// Until it has, resolution failures are retried on a fixed delay instead of
// failing the call, which covers hosts whose network is not up yet at start.
type bootstrapState struct {
	mu        sync.Mutex
	connected bool

	// retry is the fixed-delay policy shared by every call waiting during
	// bootstrap. Created on the first failure, dropped on the first connect.
	retry *backoff.ConstantBackOff
}

func (b *bootstrapState) inProgress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.connected
}

func (b *bootstrapState) markConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.retry = nil
}

// nextDelay returns the wait before the next resolution attempt, creating
// the retry policy if this is the first failure. It returns backoff.Stop
// once bootstrap is over.
func (b *bootstrapState) nextDelay(interval time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return backoff.Stop
	}
	if b.retry == nil {
		b.retry = backoff.NewConstantBackOff(interval)
	}
	return b.retry.NextBackOff()
}

// bootstrapBackOff adapts bootstrapState to backoff.BackOff so the retry
// policy itself stays owned by the Client.
type bootstrapBackOff struct {
	state    *bootstrapState
	interval time.Duration
}

var _ backoff.BackOff = (*bootstrapBackOff)(nil)

func (b *bootstrapBackOff) NextBackOff() time.Duration { return b.state.nextDelay(b.interval) }

func (b *bootstrapBackOff) Reset() {}

// resolve looks up the configured host. During bootstrap it retries until
// an attempt succeeds or ctx ends; afterwards the first failure is returned.
func (c *Client) resolve(ctx context.Context, cs *callState) ([]string, error) {
	rc := c.cfg.restConfig

	attempt := func() ([]string, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, rc.StageTimeout)
		defer cancel()

		addrs, err := c.cfg.Resolver.LookupHost(lookupCtx, rc.Host)
		if err == nil && len(addrs) == 0 {
			err = &net.DNSError{Err: "no addresses found", Name: rc.Host, IsNotFound: true}
		}
		if err == nil {
			return addrs, nil
		}
		if !c.bootstrap.inProgress() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(&bootstrapBackOff{state: &c.bootstrap, interval: rc.BootstrapRetryInterval}),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.cfg.Metrics.recordBootstrapRetry(ctx, c.cfg.baseAttributes())
			cs.logger.Warn().
				Err(err).
				Str("host", rc.Host).
				Dur("retry_in", next).
				Msg("host resolution failed before first connection, retrying")
		}),
	)
}

// endpoints joins resolved addresses with the configured port.
func endpoints(addrs []string, port string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(a, port))
	}
	return out
}

// dialAny connects to the first endpoint that accepts, in resolution order.
func (c *Client) dialAny(ctx context.Context, eps []string) (net.Conn, error) {
	var lastErr error
	for _, ep := range eps {
		conn, err := c.cfg.Dialer.DialContext(ctx, "tcp", ep)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints to connect to")
	}
	return nil, lastErr
}

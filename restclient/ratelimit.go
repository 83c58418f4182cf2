package restclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Rate limit response headers copied into the envelope's "header" object.
const (
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitBucket     = "X-RateLimit-Bucket"
)

// RateLimitHeaders lists the recognized rate limit headers in a stable order.
var RateLimitHeaders = []string{
	HeaderRateLimitGlobal,
	HeaderRateLimitLimit,
	HeaderRateLimitRemaining,
	HeaderRateLimitReset,
	HeaderRateLimitResetAfter,
	HeaderRateLimitBucket,
}

// RateLimitMessage is the body message the server sends with a rate limit.
const RateLimitMessage = "You are being rate limited."

// Envelope keys added next to the parsed body.
const (
	resultKey = "result"
	headerKey = "header"
)

// rateLimitEnvelope copies the recognized headers present on h.
// Absent headers are omitted rather than stored empty.
func rateLimitEnvelope(h http.Header) Document {
	out := make(Document, len(RateLimitHeaders))
	for _, name := range RateLimitHeaders {
		if vals, ok := h[http.CanonicalHeaderKey(name)]; ok && len(vals) > 0 {
			out[name] = vals[0]
		}
	}
	return out
}

// =============================================================================
// Server-side rate limit signal
// =============================================================================

// RateLimitError is the structured signal for a call the server refused
// because of rate limiting. The caller should wait RetryAfter and resubmit.
//
// It is distinct from an ordinary non-200 completion:
//
//	var rl *restclient.RateLimitError
//	if errors.As(err, &rl) {
//	    time.Sleep(rl.RetryAfter)
//	}
type RateLimitError struct {
	// RetryAfter is the server's retry_after value.
	RetryAfter time.Duration

	// Global is true when the limit applies to the whole token.
	Global bool

	// Bucket is the rate limit bucket id, if the server sent one.
	Bucket string
}

func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s), retry after %s", scope, e.RetryAfter)
}

// rateLimitFromBody returns the rate limit signal carried by a parsed body,
// or nil. retry_after is interpreted as milliseconds.
func rateLimitFromBody(body Document, hdr Document) *RateLimitError {
	msg, _ := body["message"].(string)
	if msg != RateLimitMessage {
		return nil
	}

	rl := &RateLimitError{}
	if ms, ok := numberValue(body["retry_after"]); ok {
		rl.RetryAfter = time.Duration(math.Round(ms * float64(time.Millisecond)))
	}
	if g, ok := body["global"].(bool); ok {
		rl.Global = g
	}
	if v, ok := hdr[HeaderRateLimitGlobal].(string); ok && v == "true" {
		rl.Global = true
	}
	if v, ok := hdr[HeaderRateLimitBucket].(string); ok {
		rl.Bucket = v
	}
	return rl
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// =============================================================================
// Typed view over the envelope's rate limit headers
// =============================================================================

// RateLimitInfo is a typed view of the rate limit headers in an envelope.
// Fields are nil when the corresponding header was absent or unparsable.
type RateLimitInfo struct {
	Global     *bool
	Limit      *int
	Remaining  *int
	Reset      *time.Time
	ResetAfter *time.Duration
	Bucket     *string
}

// ParseRateLimitInfo extracts RateLimitInfo from a response envelope.
//
// Example:
//
//	info := restclient.ParseRateLimitInfo(resp)
//	if info.Remaining != nil && *info.Remaining == 0 {
//	    time.Sleep(*info.ResetAfter)
//	}
func ParseRateLimitInfo(envelope Document) RateLimitInfo {
	var info RateLimitInfo
	hdr, _ := envelope[headerKey].(Document)
	if hdr == nil {
		// Envelopes that went through JSON lose the named type.
		if m, ok := envelope[headerKey].(map[string]any); ok {
			hdr = Document(m)
		}
	}
	if hdr == nil {
		return info
	}

	str := func(name string) (string, bool) {
		s, ok := hdr[name].(string)
		return s, ok
	}

	if s, ok := str(HeaderRateLimitGlobal); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			info.Global = &b
		}
	}
	if s, ok := str(HeaderRateLimitLimit); ok {
		if n, err := strconv.Atoi(s); err == nil {
			info.Limit = &n
		}
	}
	if s, ok := str(HeaderRateLimitRemaining); ok {
		if n, err := strconv.Atoi(s); err == nil {
			info.Remaining = &n
		}
	}
	if s, ok := str(HeaderRateLimitReset); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			sec, frac := math.Modf(f)
			t := time.Unix(int64(sec), int64(frac*1e9))
			info.Reset = &t
		}
	}
	if s, ok := str(HeaderRateLimitResetAfter); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			d := time.Duration(f * float64(time.Second))
			info.ResetAfter = &d
		}
	}
	if s, ok := str(HeaderRateLimitBucket); ok {
		info.Bucket = &s
	}
	return info
}

// =============================================================================
// Client-side limiter
// =============================================================================

// RateLimitConfig configures the client-side token bucket applied before a
// call starts resolving.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained call rate.
	RequestsPerSecond float64

	// Burst is the maximum number of calls allowed in a burst.
	Burst int

	// WaitOnLimit makes calls wait for a token on their own goroutine.
	// If false, calls over the limit fail immediately with ErrLocalRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns the global limit the Discord API documents:
// 50 requests per second, waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             50,
		WaitOnLimit:       true,
	}
}

// newLimiter returns nil when limiting is disabled.
func newLimiter(cfg *RateLimitConfig) *rate.Limiter {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// throttle applies the client-side limiter, if configured.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if c.cfg.RateLimitConfig.WaitOnLimit {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Cause(ctx)
			}
			return ErrLocalRateLimited
		}
		return nil
	}
	if !c.limiter.Allow() {
		return ErrLocalRateLimited
	}
	return nil
}

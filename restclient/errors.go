package restclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Stage identifies one step of a call's pipeline.
type Stage int

const (
	StageResolve Stage = iota
	StageConnect
	StageHandshake
	StageWrite
	StageRead
	StageShutdown
	StageInterpret
	StageThrottle
	StageBreaker
)

var stageNames = [...]string{
	StageResolve:   "resolve",
	StageConnect:   "connect",
	StageHandshake: "handshake",
	StageWrite:     "write",
	StageRead:      "read",
	StageShutdown:  "shutdown",
	StageInterpret: "interpret",
	StageThrottle:  "throttle",
	StageBreaker:   "breaker",
}

// String returns the lowercase stage name used in logs and metric attributes.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Sentinel errors.
var (
	// ErrClientClosed is returned for calls aborted because the Client was closed.
	ErrClientClosed = errors.New("restclient: client closed")

	// ErrInvalidServerName is returned when the configured host cannot be used
	// as a TLS server name indication.
	ErrInvalidServerName = errors.New("restclient: invalid TLS server name")

	// ErrLocalRateLimited is returned when the client-side limiter rejects a call.
	ErrLocalRateLimited = errors.New("restclient: local rate limit exceeded")
)

// StageError is the error produced when a pipeline stage fails.
// It wraps the underlying transport error so errors.Is and errors.As
// keep working against it.
//
// Example:
//
//	var se *restclient.StageError
//	if errors.As(err, &se) && se.Stage == restclient.StageConnect {
//	    // the host was unreachable
//	}
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Stage.String() + " failed"
	}
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Timeout reports whether the stage failed because its deadline expired.
func (e *StageError) Timeout() bool {
	return isTimeout(e.Err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout            = "timeout"
	ErrorTypeConnectionRefused  = "connection_refused"
	ErrorTypeDNSError           = "dns_error"
	ErrorTypeTLSError           = "tls_error"
	ErrorTypeCancelled          = "cancelled"
	ErrorTypeConnectionReset    = "connection_reset"
	ErrorTypeEOF                = "eof"
	ErrorTypeRateLimited        = "rate_limited"
	ErrorTypeCircuitOpen        = "circuit_open"
	ErrorTypeBreakerUnavailable = "breaker_unavailable"
	ErrorTypeMalformedBody      = "malformed_body"
	ErrorTypeUnknown            = "unknown"
)

// classifyError returns an error.type classification for the given error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, errBreakerUnavailable) {
		return ErrorTypeBreakerUnavailable
	}
	if isTimeout(err) {
		return ErrorTypeTimeout
	}
	if errors.Is(err, ErrLocalRateLimited) {
		return ErrorTypeRateLimited
	}
	if errors.Is(err, errCircuitOpen) {
		return ErrorTypeCircuitOpen
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}

	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return ErrorTypeTLSError
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}
	if errors.Is(err, ErrInvalidServerName) {
		return ErrorTypeTLSError
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorTypeConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrorTypeConnectionReset
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorTypeEOF
	}

	// Fallback for wrapped errors that lost their type.
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(errStr, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(errStr, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(errStr, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") ||
		strings.Contains(errStr, "certificate"):
		return ErrorTypeTLSError
	case strings.Contains(errStr, "eof"):
		return ErrorTypeEOF
	}

	return ErrorTypeUnknown
}

// isStreamTruncated reports whether err means the peer tore the TLS stream
// down before our close_notify exchange finished.
func isStreamTruncated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "truncated") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset")
}

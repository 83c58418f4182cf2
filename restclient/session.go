package restclient

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
)

const (
	sessionBufferSize = 8 * 1024
	maxServerNameLen  = 255
)

// session is the connection state owned by exactly one call.
type session struct {
	req     *http.Request
	target  string
	payload []byte

	tlsConfig *tls.Config
	endpoints []string

	conn    net.Conn
	tlsConn *tls.Conn
	bw      *bufio.Writer
	br      *bufio.Reader

	resp *http.Response
	body []byte
}

// newSession builds the request and TLS settings for a call. It performs no
// network I/O; errors are reported against the stage that would have
// consumed the broken value.
func newSession(cfg *internalConfig, call *Call) (*session, *StageError) {
	req, payload, err := buildRequest(cfg, call)
	if err != nil {
		return nil, &StageError{Stage: StageWrite, Err: err}
	}

	tlsCfg, err := clientTLSConfig(cfg.TLSConfig, cfg.restConfig.Host)
	if err != nil {
		return &session{req: req, target: req.URL.RequestURI(), payload: payload},
			&StageError{Stage: StageHandshake, Err: err}
	}

	return &session{
		req:       req,
		target:    req.URL.RequestURI(),
		payload:   payload,
		tlsConfig: tlsCfg,
	}, nil
}

// buildRequest assembles the HTTP/1.1 request for a call.
//
// A payload is attached when the verb conventionally carries one (POST, PUT)
// or when a non-empty body was supplied, whatever the verb. Without a payload
// GET and DELETE go out with no Content-Length, while net/http still writes
// Content-Length: 0 for a bodiless PATCH.
func buildRequest(cfg *internalConfig, call *Call) (*http.Request, []byte, error) {
	rc := cfg.restConfig

	target := "/api/v" + strconv.Itoa(rc.APIVersion) + call.Path
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid call path %q: %w", call.Path, err)
	}
	u.Scheme = "https"
	u.Host = rc.Host

	verb := call.Verb
	if verb == "" {
		verb = VerbGet
	}

	req := &http.Request{
		Method:     string(verb),
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       rc.Host,
	}
	req.Header.Set("User-Agent", rc.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	if cfg.token != "" {
		req.Header.Set("Authorization", cfg.token)
	}

	var payload []byte
	if len(call.Body) > 0 {
		payload, err = json.Marshal(call.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode body: %w", err)
		}
	}

	if verb.carriesBody() || len(payload) > 0 {
		req.ContentLength = int64(len(payload))
		if len(payload) > 0 {
			req.Body = io.NopCloser(bytes.NewReader(payload))
		} else {
			// NoBody keeps the length known so Content-Length: 0 is sent
			// instead of a chunked empty body.
			req.Body = http.NoBody
		}
	}

	return req, payload, nil
}

// clientTLSConfig clones base and sets the server name indication to host.
func clientTLSConfig(base *tls.Config, host string) (*tls.Config, error) {
	if err := validServerName(host); err != nil {
		return nil, err
	}

	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = host
	// HTTP/1.1 only; never negotiate h2.
	cfg.NextProtos = []string{"http/1.1"}
	return cfg, nil
}

// validServerName checks that host can be sent as a TLS SNI value.
func validServerName(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidServerName)
	}
	if len(host) > maxServerNameLen {
		return fmt.Errorf("%w: host longer than %d bytes", ErrInvalidServerName, maxServerNameLen)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	for i := 0; i < len(host); i++ {
		ch := host[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '.' || ch == '_':
		default:
			return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidServerName, ch, host)
		}
	}
	return nil
}

// netConn returns the innermost open connection, if any.
func (s *session) netConn() net.Conn {
	if s.tlsConn != nil {
		return s.tlsConn
	}
	return s.conn
}

// close releases the connection. Safe to call more than once.
func (s *session) close() {
	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
	} else if s.conn != nil {
		_ = s.conn.Close()
	}
	s.tlsConn = nil
	s.conn = nil
}

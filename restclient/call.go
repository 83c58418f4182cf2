package restclient

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// Document is an opaque JSON object as exchanged with the REST API.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the compact JSON encoding of the document.
func (d Document) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "<unencodable document: " + err.Error() + ">"
	}
	return string(b)
}

// Pretty returns an indented JSON encoding of the document for diagnostics.
func (d Document) Pretty() string {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return d.String()
	}
	return string(b)
}

// Result returns the HTTP status stored in the envelope, or 0 if absent.
func (d Document) Result() int {
	switch v := d[resultKey].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Verb is an HTTP method accepted by the REST API.
type Verb string

// Supported verbs.
const (
	VerbGet    Verb = http.MethodGet
	VerbPost   Verb = http.MethodPost
	VerbPut    Verb = http.MethodPut
	VerbPatch  Verb = http.MethodPatch
	VerbDelete Verb = http.MethodDelete
)

// ParseVerb normalizes a method name. Unknown methods are accepted verbatim
// in upper case; the server decides whether it supports them.
func ParseVerb(s string) Verb {
	return Verb(strings.ToUpper(strings.TrimSpace(s)))
}

// carriesBody reports whether the verb conventionally has a request payload.
func (v Verb) carriesBody() bool {
	return v == VerbPost || v == VerbPut
}

// Call describes one request/response exchange.
//
// A Call must not be modified after it has been submitted. OnWrite fires at
// most once, strictly before OnRead; OnRead fires exactly once for every
// submitted call regardless of outcome.
//
// Example:
//
//	client.Call(&restclient.Call{
//	    Verb: restclient.VerbGet,
//	    Path: "/users/@me",
//	    OnRead: func(failed bool, resp restclient.Document) {
//	        if !failed {
//	            fmt.Println(resp["id"])
//	        }
//	    },
//	})
type Call struct {
	// Verb is the HTTP method.
	Verb Verb

	// Path is appended to "/api/v<version>".
	Path string

	// Body is the optional JSON payload.
	Body Document

	// OnWrite is invoked once the request is flushed (failed=false) or the
	// call failed before that could happen (failed=true).
	OnWrite func(failed bool)

	// OnRead is invoked with the response envelope. failed is true for any
	// non-200 status and for transport failures, in which case resp is nil.
	OnRead func(failed bool, resp Document)

	// OnRateLimit is invoked before OnRead when the server reports that the
	// call was rate limited.
	OnRateLimit func(err *RateLimitError)
}

// Transport is the narrow surface consumers depend on to issue REST calls.
// *Client and *MockTransport implement it.
type Transport interface {
	Call(c *Call)
}

var (
	_ Transport = (*Client)(nil)
	_ Transport = (*MockTransport)(nil)
)

func (c *Call) notifyWrite(failed bool) {
	if c.OnWrite != nil {
		c.OnWrite(failed)
	}
}

func (c *Call) notifyRead(failed bool, resp Document) {
	if c.OnRead != nil {
		c.OnRead(failed, resp)
	}
}

func (c *Call) notifyRateLimit(err *RateLimitError) {
	if c.OnRateLimit != nil {
		c.OnRateLimit(err)
	}
}

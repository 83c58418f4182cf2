// Package restclient provides an asynchronous HTTPS transport for the
// Discord REST API in which every call owns one fresh, short-lived TLS
// connection.
//
// # Features
//
//   - One goroutine per call driving resolve, connect, handshake, write,
//     read and shutdown in strict order
//   - 30s timeout on every network stage
//   - Resolution retried every 35s until the first connection ever succeeds
//   - Rate limit headers copied into a "header" envelope; rate limit bodies
//     surfaced as *RateLimitError
//   - OpenTelemetry tracing and metrics, zerolog diagnostics
//   - Optional client-side rate limiting, circuit breaking (local or Redis
//     backed) and a bound on concurrent calls
//
// There is no connection reuse, no HTTP/2 and no DNS or TLS session caching.
//
// # Quick Start
//
// Callback form:
//
//	client := restclient.New("Bot " + token)
//	defer client.Close()
//
//	client.Call(&restclient.Call{
//	    Verb: restclient.VerbGet,
//	    Path: "/users/@me",
//	    OnWrite: func(failed bool) {},
//	    OnRead: func(failed bool, resp restclient.Document) {
//	        if !failed {
//	            fmt.Println(resp["id"], resp["header"])
//	        }
//	    },
//	})
//
// Blocking form:
//
//	res, err := client.Do(ctx, restclient.VerbPost, "/channels/1/messages",
//	    restclient.Document{"content": "hello"})
//
// # Callback Guarantees
//
// OnWrite fires at most once and always before OnRead. OnRead fires exactly
// once per call. A failure before the request was flushed yields
// OnWrite(true) then OnRead(true, nil); a failure while reading yields only
// OnRead(true, nil). A read response yields OnRead(status != 200, envelope).
//
// # Response Envelope
//
// The envelope is the decoded JSON body plus:
//
//	"result": 200                      // HTTP status
//	"header": {"X-RateLimit-Remaining": "4", ...}  // present headers only
//
// Bodies that do not start with '{' are logged, not decoded.
//
// # Testing
//
// Code that depends on the Transport interface can be tested with
// MockTransport:
//
//	mock := restclient.NewMockTransport().
//	    StubPath("/users/@me", http.StatusOK, restclient.Document{"id": "42"})
package restclient

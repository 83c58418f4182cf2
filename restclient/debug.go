package restclient

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// redacted replaces credential header values in generated commands.
const redacted = "***"

// generateCurlCommand creates a cURL command equivalent for the given request.
// The Authorization header is redacted.
//
// Example output:
//
//	curl -X POST 'https://discord.com/api/v10/channels/1/messages' \
//	  -H 'Authorization: ***' \
//	  -H 'Content-Type: application/json' \
//	  -d '{"content":"hi"}'
func generateCurlCommand(req *http.Request, body []byte) string {
	var parts []string

	parts = append(parts, "curl")

	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}

	parts = append(parts, fmt.Sprintf("'%s'", req.URL.String()))

	// Sorted for stable output.
	headerKeys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)

	for _, k := range headerKeys {
		for _, v := range req.Header[k] {
			if strings.EqualFold(k, "Authorization") {
				v = redacted
			}
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		bodyStr := strings.ReplaceAll(string(body), "'", "'\\''")
		parts = append(parts, "-d", fmt.Sprintf("'%s'", bodyStr))
	}

	return strings.Join(parts, " ")
}

// logRequest logs the request about to be written.
func logRequest(logger zerolog.Logger, req *http.Request, payloadSize int) {
	logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("host", req.Host).
		Int("payload_size", payloadSize).
		Msg("REST request")
}

// logResponse logs the response once its body has been read.
func logResponse(logger zerolog.Logger, resp *http.Response, bodySize int, duration time.Duration) {
	logger.Debug().
		Int("status", resp.StatusCode).
		Str("status_text", resp.Status).
		Dur("duration_ms", duration).
		Int("body_size", bodySize).
		Msg("REST response")
}

// logTransition logs a pipeline state change.
func logTransition(logger zerolog.Logger, from, to state, elapsed time.Duration) {
	logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Dur("elapsed", elapsed).
		Msg("call state changed")
}

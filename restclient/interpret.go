package restclient

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// interpret builds the response envelope from the session's response.
//
// A non-empty body that does not open a JSON object is logged and left
// unparsed; the envelope then only carries result and header. A body that
// opens an object but fails to decode yields the same envelope plus an error.
func (c *Client) interpret(cs *callState) (Document, error) {
	resp := cs.sess.resp
	raw := cs.sess.body

	env := Document{}
	var decodeErr error

	if len(raw) > 0 {
		if raw[0] != '{' {
			cs.logger.Warn().
				Int("status", resp.StatusCode).
				Str("raw_body", string(raw)).
				Str("payload", cs.call.Body.Pretty()).
				Msg("API returned a non-JSON body")
		} else if err := json.Unmarshal(raw, &env); err != nil {
			decodeErr = fmt.Errorf("decode response body: %w", err)
			env = Document{}
		}
	}

	hdr := rateLimitEnvelope(resp.Header)
	env[resultKey] = resp.StatusCode
	env[headerKey] = hdr

	if decodeErr != nil {
		return env, decodeErr
	}

	if embeds, ok := env["embed"].([]any); ok {
		for _, e := range embeds {
			cs.logger.Warn().
				Str("complaint", describe(e)).
				Msg("API rejected embed")
		}
	}

	if rl := rateLimitFromBody(env, hdr); rl != nil {
		cs.rateLimit = rl
		c.cfg.Metrics.recordRateLimited(cs.ctx, rl.Global, c.cfg.baseAttributes())
		cs.logger.Warn().
			Dur("retry_after", rl.RetryAfter).
			Bool("global", rl.Global).
			Str("bucket", rl.Bucket).
			Msg("rate limited")
	} else if msg, _ := env["message"].(string); msg != "" {
		ev := cs.logger.Info().Str("message", msg)
		if code, ok := numberValue(env["code"]); ok {
			ev = ev.Int("code", int(code))
		}
		ev.Msg("API sent a message")
	}

	return env, nil
}

// describe renders an embed complaint for humans.
func describe(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

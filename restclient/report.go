package restclient

// report turns a stage failure into a diagnostic. The one benign case, a
// shutdown whose TLS stream the peer already truncated, is only counted.
func (c *Client) report(cs *callState, se *StageError) {
	attrs := c.cfg.baseAttributes()

	if se.Stage == StageShutdown && isStreamTruncated(se.Err) {
		c.cfg.Metrics.recordTruncatedShutdown(cs.ctx, attrs)
		if c.cfg.Debug {
			cs.logger.Debug().Err(se.Err).Msg("peer truncated TLS shutdown")
		}
		return
	}

	errType := classifyError(se.Err)
	if se.Stage == StageInterpret {
		errType = ErrorTypeMalformedBody
	}

	c.cfg.Metrics.recordError(cs.ctx, se.Stage, errType, attrs)
	if cs.span != nil {
		setSpanError(cs.span, se, errType)
	}

	ev := cs.logger.Error().
		Str("stage", se.Stage.String()).
		Str("error.type", errType).
		Err(se.Err)
	if len(cs.call.Body) > 0 {
		ev = ev.Str("body", cs.call.Body.Pretty())
	}
	if c.cfg.GenerateCurl && cs.sess != nil && cs.sess.req != nil {
		ev = ev.Str("curl", generateCurlCommand(cs.sess.req, cs.sess.payload))
	}
	ev.Msg("REST call failed")
}

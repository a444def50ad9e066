// Package proxy is the HTTP surface of the gateway: the catch-all
// interceptor that authorizes and forwards FHIR requests, and the discovery
// endpoints built around it.
package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/access"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
	"github.com/fhirgate/fhirgate/internal/upstream"
)

const fhirJSONContentType = "application/fhir+json"

// Interceptor authorizes incoming FHIR requests and relays them to the
// upstream store, rewriting the store's base URL in responses so clients
// only ever see the proxy's address.
type Interceptor struct {
	verifier     *auth.Verifier
	pipeline     *access.Pipeline
	client       *upstream.Client
	upstreamBase string
	publicBase   string
	logger       zerolog.Logger
}

// NewInterceptor wires the interceptor. upstreamBase and publicBase must be
// normalized without trailing slashes.
func NewInterceptor(verifier *auth.Verifier, pipeline *access.Pipeline, client *upstream.Client,
	upstreamBase, publicBase string, logger zerolog.Logger) *Interceptor {
	return &Interceptor{
		verifier:     verifier,
		pipeline:     pipeline,
		client:       client,
		upstreamBase: upstreamBase,
		publicBase:   publicBase,
		logger:       logger,
	}
}

// Handle serves one proxied FHIR request end to end.
func (i *Interceptor) Handle(c echo.Context) error {
	httpReq := c.Request()
	logger := i.requestLogger(c)

	token, err := i.verifier.VerifyBearer(httpReq.Header.Get("Authorization"))
	if err != nil {
		logger.Info().Err(err).Msg("token rejected")
		return c.NoContent(http.StatusUnauthorized)
	}

	req, err := fhir.NewRequest(httpReq)
	if err != nil {
		return i.invalidRequest(c, logger, err)
	}

	decision, err := i.pipeline.Decide(httpReq.Context(), token, req)
	if err != nil {
		var invalid *fhir.InvalidRequestError
		if errors.As(err, &invalid) {
			return i.invalidRequest(c, logger, invalid)
		}
		logger.Error().Err(err).Msg("access decision failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if !decision.Allowed {
		logger.Info().Str("method", httpReq.Method).Str("url", httpReq.URL.RequestURI()).
			Msg("request denied")
		return c.String(http.StatusForbidden,
			"User is not authorized to "+httpReq.Method+" "+httpReq.URL.RequestURI())
	}

	extra := http.Header{}
	if decision.HeaderMutation != nil {
		for name, values := range decision.HeaderMutation {
			extra[name] = values
		}
	}
	if rid, ok := c.Get("request_id").(string); ok && rid != "" {
		extra.Set(middleware.RequestIDHeader, rid)
	}

	resp, err := i.client.Forward(httpReq.Context(), req, decision.QueryMutation, extra)
	if err != nil {
		return i.upstreamError(logger, err)
	}
	defer resp.Body.Close()

	return i.relay(c, logger, req, decision, resp)
}

// relay streams the upstream response to the client, rewriting the store
// base URL, and fires the post-process hook once the client has the bytes.
func (i *Interceptor) relay(c echo.Context, logger zerolog.Logger,
	req *fhir.Request, decision *access.Decision, resp *http.Response) error {
	header := c.Response().Header()
	for _, name := range upstream.ResponseHeaders {
		if value := resp.Header.Get(name); value != "" {
			header.Set(name, i.rewriteString(value))
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The hook needs the raw body; tee it off before the rewrite only when
	// a hook is present.
	var raw bytes.Buffer
	var src io.Reader = resp.Body
	if decision.PostProcess != nil {
		src = io.TeeReader(resp.Body, &raw)
	}

	if _, err := upstream.CopyRewrite(c.Response(), src,
		[]byte(i.upstreamBase), []byte(i.publicBase)); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		logger.Warn().Err(err).Msg("response relay interrupted")
		return nil
	}

	if decision.PostProcess == nil {
		return nil
	}
	ctx := c.Request().Context()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || ctx.Err() != nil {
		return nil
	}
	if err := decision.PostProcess(ctx, &access.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw.Bytes(),
	}); err != nil {
		logger.Warn().Err(err).Msg("post-process hook failed")
	}
	return nil
}

func (i *Interceptor) rewriteString(s string) string {
	var buf bytes.Buffer
	upstream.CopyRewrite(&buf, bytes.NewReader([]byte(s)),
		[]byte(i.upstreamBase), []byte(i.publicBase))
	return buf.String()
}

func (i *Interceptor) invalidRequest(c echo.Context, logger zerolog.Logger, err error) error {
	var invalid *fhir.InvalidRequestError
	if !errors.As(err, &invalid) {
		invalid = &fhir.InvalidRequestError{Reason: err.Error()}
	}
	logger.Info().Str("reason", invalid.Reason).Msg("invalid request")
	return c.JSON(http.StatusBadRequest, invalid.Outcome())
}

func (i *Interceptor) upstreamError(logger zerolog.Logger, err error) error {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Timeout {
		logger.Warn().Err(err).Msg("upstream timeout")
		return echo.NewHTTPError(http.StatusGatewayTimeout, "upstream timeout")
	}
	logger.Warn().Err(err).Msg("upstream unreachable")
	return echo.NewHTTPError(http.StatusBadGateway, "upstream unreachable")
}

func (i *Interceptor) requestLogger(c echo.Context) zerolog.Logger {
	logger := i.logger
	if rid, ok := c.Get("request_id").(string); ok && rid != "" {
		logger = logger.With().Str("request_id", rid).Logger()
	}
	return logger
}

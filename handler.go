// Package bridge serves the MCP OAuth bridge over HTTP: discovery metadata,
// dynamic client registration, the authorize/callback/token flow and the
// bearer middleware that guards the MCP endpoint.
//
// Business logic lives in the server package; Handler only translates
// between HTTP and server calls.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
)

const (
	tokenTypeBearer = "Bearer"

	// healthCheckTimeout bounds the identity provider probe on /healthz
	healthCheckTimeout = 5 * time.Second

	// HealthPath reports bridge and identity provider health
	HealthPath = "/healthz"
)

// Handler is a thin HTTP adapter for the bridge Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server     *server.Server
	logger     *slog.Logger
	config     Config
	limiter    *security.RateLimiter
	ipResolver security.ClientIPResolver
	https      bool

	tracer       trace.Tracer
	metrics      *instrumentation.Metrics
	logClientIPs bool
}

// NewHandler creates a new HTTP handler. Call Close to stop the rate
// limiter's cleanup goroutine.
func NewHandler(srv *server.Server, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	h := &Handler{
		server: srv,
		logger: logger,
		config: config,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        config.TrustProxy,
			TrustedProxyCount: config.TrustedProxyCount,
		},
		https:  strings.HasPrefix(srv.Config.Issuer, "https://"),
		tracer: tracenoop.NewTracerProvider().Tracer(""),
	}

	if !config.RateLimit.Disabled {
		h.limiter = security.NewRateLimiter(security.RateLimitConfig{
			Rate:            config.RateLimit.Rate,
			Burst:           config.RateLimit.Burst,
			MaxEntries:      config.RateLimit.MaxEntries,
			CleanupInterval: config.RateLimit.CleanupInterval,
		}, logger)
	}

	return h
}

// SetInstrumentation enables HTTP metrics and tracing.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.metrics = inst.Metrics()
	h.tracer = inst.Tracer("http")
	h.logClientIPs = inst.ShouldLogClientIPs()
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Server returns the bridge server behind this handler.
func (h *Handler) Server() *server.Server {
	return h.server
}

// ClientIP returns the caller's address, honoring the proxy configuration.
func (h *Handler) ClientIP(r *http.Request) string {
	return h.ipResolver.ClientIP(r)
}

// RegisterRoutes registers the discovery and OAuth endpoints on mux. The MCP
// endpoint is registered by the transport behind RequireBearer.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(server.AuthorizationServerMetaURI, h.wrap("metadata", false, h.ServeAuthorizationServerMetadata))
	mux.Handle(server.ProtectedResourceMetaURI, h.wrap("resource_metadata", false, h.ServeProtectedResourceMetadata))
	mux.Handle(server.RegistrationPath, h.wrap("register", true, h.ServeClientRegistration))
	mux.Handle(server.AuthorizationPath, h.wrap("authorization", true, h.ServeAuthorization))
	mux.Handle(server.CallbackPath, h.wrap("callback", true, h.ServeCallback))
	mux.Handle(server.TokenPath, h.wrap("token", true, h.ServeToken))
	mux.Handle(HealthPath, h.wrap("health", false, h.ServeHealth))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrap adds tracing, HTTP metrics and, when limited is set, the per-IP rate
// limit to an endpoint.
func (h *Handler) wrap(endpoint string, limited bool, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "bridge.http."+endpoint)
		defer span.End()
		r = r.WithContext(ctx)
		if h.logClientIPs {
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP, h.ClientIP(r)))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
			h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, time.Since(startTime))
		}()

		if limited && h.checkIPRateLimit(rec, r, endpoint) {
			instrumentation.SetSpanError(span, "rate limited")
			return
		}

		next(rec, r)
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.limiter == nil {
		return false
	}
	clientIP := h.ClientIP(r)
	allowed, wait := h.limiter.Allow(clientIP)
	if allowed {
		return false
	}

	security.LoggerFor(r.Context(), h.logger).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", strconv.Itoa(security.RetryAfterSeconds(wait)))
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Protocol-Version")
}

// preflight answers CORS preflight requests. Returns true if handled.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	h.setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
	return true
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if h.preflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.GetMetadata())
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the MCP endpoint.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if h.preflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.GetProtectedResourceMetadata())
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if h.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w)
	logger := security.LoggerFor(r.Context(), h.logger)

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidClientMetadata("Invalid JSON"))
		return
	}
	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "none" {
		h.writeError(w, ErrInvalidClientMetadata("Only public clients (token_endpoint_auth_method=none) are supported"))
		return
	}

	client, err := h.server.Register(r.Context(), server.RegistrationRequest{
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}, h.ClientIP(r))
	if err != nil {
		if errors.Is(err, server.ErrInvalidRequest) {
			h.writeError(w, ErrInvalidClientMetadata(err.Error()))
			return
		}
		logger.Error("Client registration failed", "error", err)
		h.writeError(w, toOAuthError(err))
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.RegisteredAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{server.GrantTypeAuthorizationCode},
		ResponseTypes:           []string{server.ResponseTypeCode},
		ClientName:              client.ClientName,
	})
}

// ServeAuthorization starts an authorization, or re-attaches to a live one
// when called with only bridge_session_id, and redirects to the identity
// provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	logger := security.LoggerFor(ctx, h.logger)
	span := trace.SpanFromContext(ctx)
	query := r.URL.Query()
	clientID := query.Get("client_id")

	if bridgeSessionID := query.Get(providers.BridgeSessionParam); clientID == "" && bridgeSessionID != "" {
		start, err := h.server.ResumeAuthorization(ctx, bridgeSessionID)
		if errors.Is(err, server.ErrSessionNotFound) {
			h.renderMessagePage(w, http.StatusBadRequest, sessionExpiredPage)
			return
		}
		if err != nil {
			logger.Error("Failed to resume authorization", "error", err)
			instrumentation.RecordError(span, err)
			h.writeError(w, toOAuthError(err))
			return
		}
		security.SetSecurityHeaders(w, h.https)
		http.Redirect(w, r, start.AuthenticationURL, http.StatusFound)
		return
	}

	if clientID == "" {
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, query.Get("code_challenge_method")),
	)

	start, err := h.server.StartAuthorization(ctx, server.AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		State:               query.Get("state"),
		StatePresent:        query.Has("state"),
		ClientIP:            h.ClientIP(r),
	})
	if err != nil {
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			logger.Error("Failed to start authorization flow", "error", err)
		} else {
			logger.Info("Authorization request rejected", "client_id", clientID, "error", err)
		}
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.https)
	http.Redirect(w, r, start.AuthenticationURL, http.StatusFound)
}

// ServeToken handles the token endpoint. Only the authorization_code grant
// is supported.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if h.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.setCORSHeaders(w)
	ctx := r.Context()
	logger := security.LoggerFor(ctx, h.logger)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Invalid form body"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case server.GrantTypeAuthorizationCode:
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
		return
	default:
		h.writeError(w, ErrUnsupportedGrantType("Only authorization_code is supported"))
		return
	}

	req := server.TokenRequest{
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientIP:     h.ClientIP(r),
	}
	if req.ClientID == "" {
		if user, _, ok := r.BasicAuth(); ok {
			req.ClientID = user
		}
	}
	if req.Code == "" {
		h.writeError(w, ErrInvalidRequest("code is required"))
		return
	}
	if req.CodeVerifier == "" {
		h.writeError(w, ErrInvalidRequest("code_verifier is required"))
		return
	}

	resp, err := h.server.Redeem(ctx, req)
	if err != nil {
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			logger.Error("Token issuance failed", "error", err)
		}
		h.writeError(w, oauthErr)
		return
	}
	if resp.TokenType == "" {
		resp.TokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeHealth reports whether the identity provider is reachable.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.server.HealthCheck(ctx); err != nil {
		security.LoggerFor(ctx, h.logger).Warn("Identity provider health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unavailable",
			"provider": h.server.Provider().Name(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": h.server.Provider().Name(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.https)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// formatWWWAuthenticate builds an RFC 6750 challenge pointing at the
// protected resource metadata.
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{`resource_metadata="` + quoteEscape(h.server.ResourceMetadataURL()) + `"`}
	if errCode != "" {
		params = append(params, `error="`+quoteEscape(errCode)+`"`)
	}
	if errorDesc != "" {
		params = append(params, `error_description="`+quoteEscape(errorDesc)+`"`)
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes a value for an HTTP quoted-string. Backslashes go first.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

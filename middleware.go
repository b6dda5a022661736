package bridge

import (
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// RequireBearer is middleware that validates bridge access tokens and puts
// their claims in the request context. Rejected requests never reach next,
// so no session state is touched.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, ok := extractBearerToken(r)
		if !ok {
			h.writeError(w, ErrInvalidToken("Missing or malformed Authorization header"))
			return
		}

		claims, err := h.server.VerifyBearer(raw)
		if err != nil {
			desc := "Access token is invalid"
			reason := "invalid"
			if errors.Is(err, token.ErrExpiredToken) {
				desc = "Access token has expired"
				reason = "expired"
			}
			security.LoggerFor(ctx, h.logger).Debug("Bearer token rejected", "reason", reason, "error", err)
			h.server.Auditor.LogEvent(security.Event{
				Type:      security.EventBearerRejected,
				IPAddress: h.ClientIP(r),
				Details:   map[string]any{"reason": reason, "path": r.URL.Path},
			})
			h.writeError(w, ErrInvalidToken(desc))
			return
		}

		instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx),
			attribute.String(instrumentation.AttrClientID, claims.ClientID))

		next.ServeHTTP(w, r.WithContext(token.WithClaims(ctx, claims)))
	})
}

// extractBearerToken returns the token from an "Authorization: Bearer" header.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

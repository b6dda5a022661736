package bridge

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
)

// FragmentCheckedParam marks a callback that was re-submitted by the
// fragment page, so an evidence-less fragment is not bounced forever.
const FragmentCheckedParam = "fragment_checked"

// fragmentPageTemplate is served when the IdP put its response in the URL
// fragment, which never reaches the server. The inline script carries a
// per-response nonce; SetPageCSP allows nothing else.
const fragmentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="referrer" content="no-referrer">
<title>Completing sign-in</title>
<style nonce="{{.Nonce}}">
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
[hidden] { display: none; }
</style>
</head>
<body>
<p id="working">Completing sign-in&hellip;</p>
<div id="retry" hidden>
<h1>Sign-in incomplete</h1>
<p>The identity provider did not return a result. Please return to your application and try again.</p>
</div>
<noscript><p>JavaScript is required to finish signing in.</p></noscript>
<script nonce="{{.Nonce}}">
(function () {
  var fragment = window.location.hash.replace(/^#/, "");
  if (!fragment) {
    document.getElementById("working").hidden = true;
    document.getElementById("retry").hidden = false;
    return;
  }
  var query = new URLSearchParams(window.location.search);
  new URLSearchParams(fragment).forEach(function (value, key) { query.set(key, value); });
  query.set({{.MarkerParam}}, "1");
  window.location.replace(window.location.pathname + "?" + query.toString());
})();
</script>
</body>
</html>
`

const messagePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="referrer" content="no-referrer">
<title>{{.Title}}</title>
<style nonce="{{.Nonce}}">
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
a { color: #0b5cad; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .RetryURL}}<p><a href="{{.RetryURL}}">Try signing in again</a></p>{{end}}
</body>
</html>
`

var (
	fragmentPage = template.Must(template.New("fragment").Parse(fragmentPageTemplate))
	messagePage  = template.Must(template.New("message").Parse(messagePageTemplate))
)

type pageContent struct {
	Title   string
	Message string
}

var (
	sessionExpiredPage = pageContent{
		Title:   "Sign-in link expired",
		Message: "This sign-in attempt has expired or was already completed. Return to your application and connect again.",
	}
	verificationFailedPage = pageContent{
		Title:   "Sign-in failed",
		Message: "We could not verify your identity with the identity provider.",
	}
	incompletePage = pageContent{
		Title:   "Sign-in incomplete",
		Message: "The identity provider did not return a result.",
	}
	accessDeniedPage = pageContent{
		Title:   "Access denied",
		Message: "Your identity was verified, but no account is associated with it.",
	}
	serverErrorPage = pageContent{
		Title:   "Something went wrong",
		Message: "The sign-in could not be completed. Please try again later.",
	}
)

type pageData struct {
	Nonce       string
	Title       string
	Message     string
	RetryURL    string
	MarkerParam string
}

// ServeCallback receives the identity provider's redirect. The bridge session
// is read from bridge_session_id, or from state for providers that round-trip
// it there. Evidence in the URL fragment is recovered by a small page that
// re-submits it as a query string.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	logger := security.LoggerFor(ctx, h.logger)
	query := r.URL.Query()

	bridgeSessionID := query.Get(providers.BridgeSessionParam)
	if bridgeSessionID == "" {
		bridgeSessionID = query.Get("state")
	}

	evidence := providers.EvidenceFromValues(query)
	if evidence.Empty() {
		if query.Get(FragmentCheckedParam) != "" || bridgeSessionID == "" {
			h.renderMessagePage(w, http.StatusBadRequest, incompletePage, h.retryURL(bridgeSessionID))
			return
		}
		h.renderFragmentPage(w)
		return
	}
	if bridgeSessionID == "" {
		h.renderMessagePage(w, http.StatusBadRequest, sessionExpiredPage)
		return
	}

	result, err := h.server.CompleteAuthorization(ctx, bridgeSessionID, evidence)
	if err != nil {
		instrumentation.RecordError(trace.SpanFromContext(ctx), err)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			h.renderMessagePage(w, http.StatusBadRequest, sessionExpiredPage)
		case errors.Is(err, server.ErrIdentityVerification):
			page := verificationFailedPage
			if evidence.ErrorDescription != "" {
				page.Message += " " + util.SafeTruncate(evidence.ErrorDescription, 200)
			}
			h.renderMessagePage(w, http.StatusBadRequest, page, h.retryURL(bridgeSessionID))
		case errors.Is(err, server.ErrPrincipalNotFound):
			h.renderMessagePage(w, http.StatusForbidden, accessDeniedPage)
		default:
			logger.Error("Failed to complete authorization", "error", err)
			h.renderMessagePage(w, http.StatusInternalServerError, serverErrorPage)
		}
		return
	}

	security.SetSecurityHeaders(w, h.https)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// retryURL re-attaches to the bridge session through the authorize endpoint.
func (h *Handler) retryURL(bridgeSessionID string) string {
	if bridgeSessionID == "" {
		return ""
	}
	return server.AuthorizationPath + "?" + url.Values{providers.BridgeSessionParam: {bridgeSessionID}}.Encode()
}

func (h *Handler) renderFragmentPage(w http.ResponseWriter) {
	nonce := oauth2.GenerateVerifier()
	security.SetSecurityHeaders(w, h.https)
	security.SetPageCSP(w, nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := fragmentPage.Execute(w, pageData{Nonce: nonce, MarkerParam: FragmentCheckedParam}); err != nil {
		h.logger.Error("Failed to render fragment page", "error", err)
	}
}

// renderMessagePage writes an HTML page; retryURL is optional.
func (h *Handler) renderMessagePage(w http.ResponseWriter, status int, page pageContent, retryURL ...string) {
	data := pageData{
		Nonce:   oauth2.GenerateVerifier(),
		Title:   page.Title,
		Message: page.Message,
	}
	if len(retryURL) > 0 {
		data.RetryURL = retryURL[0]
	}

	security.SetSecurityHeaders(w, h.https)
	security.SetPageCSP(w, data.Nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := messagePage.Execute(w, data); err != nil {
		h.logger.Error("Failed to render page", "error", err)
	}
}

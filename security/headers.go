package security

import "net/http"

const (
	apiCSP = "default-src 'none'; frame-ancestors 'none'"

	hstsValue = "max-age=31536000; includeSubDomains"
)

// SetSecurityHeaders sets response headers shared by every bridge endpoint.
// HSTS is only sent when the bridge is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, https bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", apiCSP)
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	if https {
		h.Set("Strict-Transport-Security", hstsValue)
	}
}

// SetPageCSP replaces the API policy with one that lets a single inline
// script carrying nonce run. Used by the callback's fragment page.
func SetPageCSP(w http.ResponseWriter, nonce string) {
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; script-src 'nonce-"+nonce+"'; style-src 'nonce-"+nonce+"'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
}

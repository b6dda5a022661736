package transport

import "net/http"

const (
	// DefaultPath is where the MCP endpoint is usually mounted
	DefaultPath = "/mcp"

	// StatusPath reports transport liveness without authentication
	StatusPath = "/status"
)

// Status is the /status response body.
type Status struct {
	Status         string `json:"status"`
	Transport      string `json:"transport"`
	ActiveSessions int    `json:"active_sessions"`
	Version        string `json:"version"`
}

// ServeStatus reports liveness and the local session count.
func (t *Transport) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	_ = writeJSON(w, http.StatusOK, Status{
		Status:         "online",
		Transport:      "streamable-http",
		ActiveSessions: t.ActiveSessions(),
		Version:        t.config.Version,
	})
}

package providers

import (
	"fmt"
	"net/url"
)

// BridgeSessionParam is the query parameter that threads the bridge session
// id through every redirect.
const BridgeSessionParam = "bridge_session_id"

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("URL must be absolute: %q", raw)
	}
	return u, nil
}

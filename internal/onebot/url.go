package onebot

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL normalizes a base address to a ws:// or wss:// URL and appends
// the access token as a query parameter. Addresses without a scheme are
// treated as ws://; http and https map to ws and wss.
func BuildURL(base, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("empty server address")
	}

	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server address: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("server address %q has no host", base)
	}

	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

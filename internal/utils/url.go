package utils

import (
	"net/url"
	"strings"
)

// RelayWSURL converts a relay base URL (http, https, ws or wss) into the
// websocket endpoint for a named broadcast channel.
func RelayWSURL(base, channel string) string {
	wsURL := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	case strings.HasPrefix(wsURL, "ws://"), strings.HasPrefix(wsURL, "wss://"):
	default:
		wsURL = "ws://" + wsURL
	}
	return wsURL + "/ws/" + url.PathEscape(channel)
}

// PairingURL is the address the mobile device opens to join sessionID.
func PairingURL(base, sessionID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?session=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExtractSessionID returns the session query parameter of a pairing URL, or
// the input itself when it is not a URL.
func ExtractSessionID(pairing string) string {
	u, err := url.Parse(pairing)
	if err != nil || u.Scheme == "" {
		return pairing
	}
	return u.Query().Get("session")
}

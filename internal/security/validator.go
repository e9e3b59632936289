package security

import (
	"net/http"
	"regexp"
	"strings"

	"cardboardhrv/internal/constants"
)

var (
	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	channelRegex   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// ValidateSessionID checks that id is a usable pairing scope: 1-64 characters
// of letters, digits, '-' or '_'. The same id ends up in storage keys, file
// names and URLs.
func ValidateSessionID(id string) bool {
	if id == "" || len(id) > constants.MaxSessionIDLength {
		return false
	}
	return sessionIDRegex.MatchString(id)
}

// ValidateChannelName checks a relay channel name taken from the URL path.
func ValidateChannelName(name string) bool {
	return channelRegex.MatchString(name)
}

// ValidateOrigin checks if request origin is allowed
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // same origin or a non-browser client
	}
	if len(allowedOrigins) == 0 {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// SanitizeText strips null bytes and control characters except newline and
// tab from user supplied message text.
func SanitizeText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package validate

import (
	"net/url"
	"strings"
)

// DefaultAllowedProtocols excludes file, javascript, data and ftp.
var DefaultAllowedProtocols = []string{"http", "https"}

// ValidateURL parses raw and rejects it when it carries userinfo or its scheme
// is not in allowedProtocols. A nil allowedProtocols uses
// DefaultAllowedProtocols. The normalized URL string is returned.
func ValidateURL(raw string, allowedProtocols []string) (string, error) {
	if allowedProtocols == nil {
		allowedProtocols = DefaultAllowedProtocols
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", newError(CodeInvalidURL, "", "url is empty")
	}
	if strings.ContainsAny(s, "\x00\r\n") {
		return "", newError(CodeInvalidURL, "", "url contains control characters")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", newError(CodeInvalidURL, "", "%v", err)
	}
	if u.Scheme == "" {
		return "", newError(CodeInvalidURL, "", "url %q has no scheme", s)
	}
	if u.User != nil {
		return "", newError(CodeCredentialsNotAllowed, "", "url must not embed a username or password")
	}

	allowed := false
	for _, p := range allowedProtocols {
		if u.Scheme == p {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", newError(CodeProtocolNotAllowed, "", "protocol %q is not in %v", u.Scheme, allowedProtocols)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Hostname() == "" {
		return "", newError(CodeInvalidURL, "", "url %q has no host", s)
	}
	return u.String(), nil
}

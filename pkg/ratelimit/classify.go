package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPStatusError carries the status of a failed HTTP call.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *HTTPStatusError) StatusCode() int { return e.Code }

var rateLimitPhrases = []string{"rate limit", "too many requests", "quota exceeded"}

// IsRateLimitError reports whether err signals throttling: any error in the
// chain with a StatusCode() of 429, or a message containing one of the usual
// phrases.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

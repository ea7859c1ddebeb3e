package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// APIError is returned for non-2xx provider responses. It keeps the HTTP
// status and response headers so retry predicates and wait strategies can
// inspect throttling hints.
type APIError struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

var retryDelayRe = regexp.MustCompile(`retryDelay['":\s]+(\d+)s`)

// RetryHint extracts a server-suggested wait from the error, looking at
// the Retry-After header, provider rate-limit reset headers, and for
// Google errors the retryDelay field embedded in the message body.
func (e *APIError) RetryHint() (time.Duration, bool) {
	if e.Header != nil {
		if v := e.Header.Get("Retry-After"); v != "" {
			if d, ok := parseRetryAfter(v); ok {
				return d, true
			}
		}
		for _, h := range []string{"X-Ratelimit-Reset-Requests", "X-Ratelimit-Reset-Tokens"} {
			if v := e.Header.Get(h); v != "" {
				if d, ok := parseResetValue(v); ok {
					return d, true
				}
			}
		}
	}
	if m := retryDelayRe.FindStringSubmatch(e.Message); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// parseRetryAfter handles numeric seconds and HTTP-date forms.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		if delta := time.Until(t); delta > 0 {
			return delta, true
		}
	}
	return 0, false
}

// parseResetValue accepts plain seconds or a future epoch timestamp.
func parseResetValue(v string) (time.Duration, bool) {
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || num <= 0 {
		return 0, false
	}
	// Large values look like epoch seconds; convert to a delta.
	if num > 10_000_000 {
		now := float64(time.Now().Unix())
		if num <= now {
			return 0, false
		}
		num -= now
	}
	return time.Duration(num * float64(time.Second)), true
}

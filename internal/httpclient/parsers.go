package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitInfo holds rate limit state extracted from response headers
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64 // Unix seconds
	RequestsRemaining int
	TokensRemaining   int
}

// ParseRetryAfter extracts a Retry-After hint from response headers.
// Supports both delta-seconds and HTTP-date forms; returns 0 when absent
// or unparseable.
func ParseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ParseRateLimitHeaders extracts generic rate limit information
func ParseRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: ParseRetryAfter(headers)}

	if resetStr := headers.Get("x-ratelimit-reset-requests"); resetStr != "" {
		fmt.Sscanf(resetStr, "%d", &info.ResetTime)
	}
	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		fmt.Sscanf(remaining, "%d", &info.TokensRemaining)
	}

	return info
}

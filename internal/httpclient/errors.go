package httpclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// RetryableError represents an error that can be retried with a specific delay
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // How long to wait before retrying
	Err        error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *RetryableError) IsRetryable() bool {
	return true
}

// IsRetryableStatus reports whether an HTTP status code warrants a retry.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, // 408
		http.StatusTooManyRequests,    // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}

// IsRetryableTransportError reports whether a transport-level error (no HTTP
// response) warrants a retry. Timeouts and connection resets are retryable;
// DNS and TLS failures are not.
func IsRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") {
		return false
	}
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out")
}

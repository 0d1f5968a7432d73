package httpclient

import (
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "5")
	assert.Equal(t, 5*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	got := ParseRetryAfter(h)
	assert.Greater(t, got, 25*time.Second)
	assert.LessOrEqual(t, got, 30*time.Second)

	// A date in the past yields zero, not a negative wait.
	h.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))
}

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	h.Set("x-ratelimit-remaining-requests", "7")
	h.Set("x-ratelimit-remaining-tokens", "4000")

	info := ParseRateLimitHeaders(h)
	assert.Equal(t, 2*time.Second, info.RetryAfter)
	assert.Equal(t, 7, info.RequestsRemaining)
	assert.Equal(t, 4000, info.TokensRemaining)
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		assert.False(t, IsRetryableStatus(code), "status %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableTransportError(t *testing.T) {
	assert.False(t, IsRetryableTransportError(nil))

	assert.False(t, IsRetryableTransportError(&net.DNSError{Err: "no such host", Name: "x"}))
	assert.False(t, IsRetryableTransportError(errors.New("tls: handshake failure")))
	assert.False(t, IsRetryableTransportError(errors.New("x509: certificate has expired")))

	var te net.Error = timeoutErr{}
	assert.True(t, IsRetryableTransportError(te))
	assert.True(t, IsRetryableTransportError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsRetryableTransportError(errors.New("dial tcp: connection refused")))

	assert.False(t, IsRetryableTransportError(errors.New("something else entirely")))
}

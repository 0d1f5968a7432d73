// Package httpclient provides shared HTTP client construction and retry
// classification used by both the tool executor and the model-invocation
// pipeline.
package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// New returns a pooled HTTP client with the given request timeout.
// One client is shared across all sessions; per-session auth state lives
// beside it, never inside it.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewNoUnsafeRedirects is New with redirect following disabled for non-safe
// methods. GET and HEAD follow up to ten redirects; everything else returns
// the redirect response to the caller.
func NewNoUnsafeRedirects(timeout time.Duration) *http.Client {
	c := New(timeout)
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		switch via[0].Method {
		case http.MethodGet, http.MethodHead:
			return nil
		}
		return http.ErrUseLastResponse
	}
	return c
}

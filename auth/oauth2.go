package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// OAUTH2 CLIENT CREDENTIALS
// ============================================================================

// tokenResponse is the relevant subset of RFC 6749 §5.1.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// expiryFraction of expires_in after which a cached token is considered
// stale, leaving headroom for clock skew and in-flight requests.
const expiryFraction = 0.9

// ensureToken returns a valid access token for the stored OAuth2 credential,
// fetching one when the cache is empty or past its deadline. Acquisition is
// serialized so concurrent tool calls share a single fetch.
func (s *Store) ensureToken(creds Credentials, hint *Hint) (string, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.mu.Lock()
	if s.cachedToken != "" && s.now().Before(s.tokenExpiry) {
		token := s.cachedToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	tokenURL := creds.TokenURL
	if tokenURL == "" && hint != nil {
		tokenURL = hint.TokenURL
	}
	if tokenURL == "" {
		return "", newAuthError("token", "no token_url configured", ErrBadCredentials)
	}
	scope := creds.Scope
	if scope == "" && hint != nil {
		scope = hint.Scope
	}

	token, expiresIn, err := s.fetchToken(tokenURL, creds.ClientID, creds.ClientSecret, scope)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(float64(expiresIn)*expiryFraction) * time.Second
	if s.cacheTTL > 0 && s.cacheTTL < ttl {
		ttl = s.cacheTTL
	}

	s.mu.Lock()
	s.cachedToken = token
	s.tokenExpiry = s.now().Add(ttl)
	s.mu.Unlock()
	return token, nil
}

// fetchToken posts a client_credentials grant to tokenURL with HTTP basic
// auth over the client id and secret.
func (s *Store) fetchToken(tokenURL, clientID, clientSecret, scope string) (string, int, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequest(http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, newAuthError("token", "building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, newAuthError("token", "token endpoint unreachable", fmt.Errorf("%w: %v", ErrAcquisitionFailed, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, newAuthError("token", "reading token response", fmt.Errorf("%w: %v", ErrAcquisitionFailed, err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, newAuthError("token",
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncateBody(body)),
			ErrAcquisitionFailed)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, newAuthError("token", "decoding token response", fmt.Errorf("%w: %v", ErrAcquisitionFailed, err))
	}
	if tok.AccessToken == "" {
		return "", 0, newAuthError("token", "token response missing access_token", ErrAcquisitionFailed)
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// Package auth holds per-session credentials and mints authentication
// headers for outbound tool calls.
//
// A Store owns exactly one credential slot. Credentials are a tagged variant
// over the supported auth types; OAuth2 client-credentials additionally cache
// an access token with its expiry deadline. Token state is opaque to callers.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// CONSTANTS
// ============================================================================

// Type identifies a credential variant.
type Type string

const (
	TypeNone   Type = "none"
	TypeBearer Type = "bearer_token"
	TypeBasic  Type = "basic_auth"
	TypeAPIKey Type = "api_key"
	TypeOAuth2 Type = "oauth2_client_credentials"
	TypeCustom Type = "custom"
)

// DefaultAPIKeyHeader is used when neither the credential nor the tool auth
// hint names a header.
const DefaultAPIKeyHeader = "X-API-Key"

// Sentinel errors for credential handling.
var (
	ErrBadCredentials    = errors.New("bad credentials")
	ErrAcquisitionFailed = errors.New("token acquisition failed")
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// AuthError represents an error in credential handling
type AuthError struct {
	Operation string
	Message   string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Operation, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(operation, message string, err error) *AuthError {
	return &AuthError{Operation: operation, Message: message, Err: err}
}

// ============================================================================
// CREDENTIAL TYPES
// ============================================================================

// Credentials is the tagged variant stored per session. Only the fields
// required by Type are populated; Validate enforces that.
type Credentials struct {
	Type Type `mapstructure:"auth_type" json:"auth_type"`

	// bearer_token
	Token string `mapstructure:"token" json:"token,omitempty"`

	// basic_auth
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`

	// api_key
	APIKey       string `mapstructure:"api_key" json:"api_key,omitempty"`
	APIKeyHeader string `mapstructure:"api_key_header" json:"api_key_header,omitempty"`

	// oauth2_client_credentials
	ClientID     string `mapstructure:"client_id" json:"client_id,omitempty"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret,omitempty"`
	TokenURL     string `mapstructure:"token_url" json:"token_url,omitempty"`
	Scope        string `mapstructure:"scope" json:"scope,omitempty"`

	// custom
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// Validate checks that the fields required by the variant are present.
func (c *Credentials) Validate() error {
	switch c.Type {
	case TypeNone:
		return nil
	case TypeBearer:
		if c.Token == "" {
			return fmt.Errorf("%w: bearer_token requires token", ErrBadCredentials)
		}
	case TypeBasic:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("%w: basic_auth requires username and password", ErrBadCredentials)
		}
	case TypeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("%w: api_key requires api_key", ErrBadCredentials)
		}
	case TypeOAuth2:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("%w: oauth2_client_credentials requires client_id and client_secret", ErrBadCredentials)
		}
	case TypeCustom:
		if len(c.Headers) == 0 {
			return fmt.Errorf("%w: custom requires at least one header", ErrBadCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown auth_type %q", ErrBadCredentials, c.Type)
	}
	return nil
}

// Hint carries per-tool authentication overrides compiled from the OpenAPI
// document's x-auth-* extensions.
type Hint struct {
	AuthType      Type
	BearerHeader  string
	APIKeyHeader  string
	TokenURL      string
	Scope         string
	CustomHeaders map[string]string
}

// ============================================================================
// STORE
// ============================================================================

// Store is the per-session credential slot and auth applier.
type Store struct {
	mu    sync.Mutex
	creds Credentials

	allowed map[Type]bool
	client  *http.Client

	// OAuth2 token cache. fetchMu serializes token acquisition so at most
	// one fetch is in flight per slot. cacheTTL overrides the
	// 0.9 * expires_in rule when non-zero.
	fetchMu     sync.Mutex
	cachedToken string
	tokenExpiry time.Time
	cacheTTL    time.Duration
	now         func() time.Time
}

// NewStore creates a credential store backed by the shared HTTP client.
// supported lists the allowed auth type strings; empty means all.
func NewStore(client *http.Client, supported []string, cacheTTL time.Duration) *Store {
	allowed := make(map[Type]bool, len(supported))
	for _, s := range supported {
		allowed[Type(s)] = true
	}
	return &Store{
		creds:   Credentials{Type: TypeNone},
		allowed: allowed,
		client:  client,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Set validates and stores new credentials, clearing any cached token.
func (s *Store) Set(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return newAuthError("set", "validation failed", err)
	}
	if creds.Type != TypeNone && len(s.allowed) > 0 && !s.allowed[creds.Type] {
		return newAuthError("set", fmt.Sprintf("auth_type %q is not enabled", creds.Type), ErrBadCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.cachedToken = ""
	s.tokenExpiry = time.Time{}
	return nil
}

// Clear zeroes the credential slot and the token cache.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{Type: TypeNone}
	s.cachedToken = ""
	s.tokenExpiry = time.Time{}
}

// Type returns the current credential variant.
func (s *Store) Type() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Type
}

// Invalidate drops the cached OAuth2 token so the next Apply fetches a fresh
// one. Used by the tool executor after a 401.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedToken = ""
	s.tokenExpiry = time.Time{}
}

// Apply adds the authentication header(s) for the stored credential to
// headers. Bearer and basic overwrite Authorization; api_key writes its
// configured header; custom adds headers without replacing entries the
// caller already set. hint may be nil.
func (s *Store) Apply(headers http.Header, hint *Hint) error {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	switch creds.Type {
	case TypeNone:
		return nil

	case TypeBearer:
		headers.Set(bearerHeaderName(hint), "Bearer "+creds.Token)

	case TypeBasic:
		encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		headers.Set("Authorization", "Basic "+encoded)

	case TypeAPIKey:
		headers.Set(apiKeyHeaderName(creds, hint), creds.APIKey)

	case TypeOAuth2:
		token, err := s.ensureToken(creds, hint)
		if err != nil {
			return err
		}
		headers.Set(bearerHeaderName(hint), "Bearer "+token)

	case TypeCustom:
		for name, value := range creds.Headers {
			if headers.Get(name) == "" {
				headers.Set(name, value)
			}
		}
		if hint != nil {
			for name, value := range hint.CustomHeaders {
				if headers.Get(name) == "" {
					headers.Set(name, value)
				}
			}
		}
	}
	return nil
}

// bearerHeaderName resolves the header bearer tokens are written to; some
// APIs expect a non-standard header declared via the tool auth hint.
func bearerHeaderName(hint *Hint) string {
	if hint != nil && hint.BearerHeader != "" {
		return hint.BearerHeader
	}
	return "Authorization"
}

// apiKeyHeaderName resolves the header to write: the credential's own name
// wins over the hint, and both fall back to the default.
func apiKeyHeaderName(creds Credentials, hint *Hint) string {
	if creds.APIKeyHeader != "" {
		return creds.APIKeyHeader
	}
	if hint != nil && hint.APIKeyHeader != "" {
		return hint.APIKeyHeader
	}
	return DefaultAPIKeyHeader
}

package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(http.DefaultClient, nil, 0)
}

func TestSet_Validation(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"bearer ok", Credentials{Type: TypeBearer, Token: "T"}, false},
		{"bearer missing token", Credentials{Type: TypeBearer}, true},
		{"basic ok", Credentials{Type: TypeBasic, Username: "u", Password: "p"}, false},
		{"basic missing password", Credentials{Type: TypeBasic, Username: "u"}, true},
		{"api key ok", Credentials{Type: TypeAPIKey, APIKey: "k"}, false},
		{"api key missing", Credentials{Type: TypeAPIKey}, true},
		{"oauth2 ok", Credentials{Type: TypeOAuth2, ClientID: "id", ClientSecret: "sec", TokenURL: "http://x"}, false},
		{"oauth2 missing secret", Credentials{Type: TypeOAuth2, ClientID: "id"}, true},
		{"custom ok", Credentials{Type: TypeCustom, Headers: map[string]string{"X-Tenant": "a"}}, false},
		{"custom empty", Credentials{Type: TypeCustom}, true},
		{"unknown type", Credentials{Type: Type("magic")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestStore().Set(tt.creds)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSet_AllowList(t *testing.T) {
	store := NewStore(http.DefaultClient, []string{"bearer_token"}, 0)

	require.NoError(t, store.Set(Credentials{Type: TypeBearer, Token: "T"}))

	err := store.Set(Credentials{Type: TypeAPIKey, APIKey: "k"})
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestApply_Bearer(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Set(Credentials{Type: TypeBearer, Token: "T"}))

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, nil))
	assert.Equal(t, "Bearer T", headers.Get("Authorization"))
}

func TestApply_BearerOverwritesExisting(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Set(Credentials{Type: TypeBearer, Token: "new"}))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer stale")
	require.NoError(t, store.Apply(headers, nil))
	assert.Equal(t, "Bearer new", headers.Get("Authorization"))
}

func TestApply_BasicEncoding(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Set(Credentials{Type: TypeBasic, Username: "user", Password: "pass"}))

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, nil))
	assert.Equal(t, "Basic dXNlcjpwYXNz", headers.Get("Authorization"))
}

func TestApply_APIKeyHeaderPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		credHeader string
		hint       *Hint
		wantHeader string
	}{
		{"default", "", nil, "X-API-Key"},
		{"credential wins", "X-My-Key", &Hint{APIKeyHeader: "X-Hint-Key"}, "X-My-Key"},
		{"hint fallback", "", &Hint{APIKeyHeader: "X-Hint-Key"}, "X-Hint-Key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			require.NoError(t, store.Set(Credentials{
				Type: TypeAPIKey, APIKey: "secret", APIKeyHeader: tt.credHeader,
			}))

			headers := http.Header{}
			require.NoError(t, store.Apply(headers, tt.hint))
			assert.Equal(t, "secret", headers.Get(tt.wantHeader))
		})
	}
}

func TestApply_CustomDoesNotOverwrite(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Set(Credentials{
		Type: TypeCustom,
		Headers: map[string]string{
			"X-Tenant":     "acme",
			"Content-Type": "text/plain",
		},
	}))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	require.NoError(t, store.Apply(headers, &Hint{
		CustomHeaders: map[string]string{"X-Tenant": "other", "X-Extra": "1"},
	}))

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "acme", headers.Get("X-Tenant"))
	assert.Equal(t, "1", headers.Get("X-Extra"))
}

func TestApply_None(t *testing.T) {
	store := newTestStore()

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, nil))
	assert.Empty(t, headers)
}

func TestClear_RemovesCredentialsAndCache(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Set(Credentials{Type: TypeBearer, Token: "T"}))

	store.Clear()
	assert.Equal(t, TypeNone, store.Type())

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, nil))
	assert.Empty(t, headers.Get("Authorization"))
}

func TestSet_ClearsCachedToken(t *testing.T) {
	store := newTestStore()
	store.cachedToken = "stale"
	store.tokenExpiry = time.Now().Add(time.Hour)

	require.NoError(t, store.Set(Credentials{Type: TypeBearer, Token: "T"}))
	assert.Empty(t, store.cachedToken)
}

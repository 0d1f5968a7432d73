package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer is an httptest OAuth2 token endpoint counting fetches.
func tokenServer(t *testing.T, expiresIn int, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)

		require.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)

		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-abc",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func oauth2Creds(tokenURL string) Credentials {
	return Credentials{
		Type:         TypeOAuth2,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     tokenURL,
	}
}

func TestOAuth2_FetchAndMintHeader(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, nil))
	assert.Equal(t, "Bearer tok-abc", headers.Get("Authorization"))
	assert.Equal(t, int64(1), fetches.Load())
}

func TestOAuth2_TokenCachedAcrossApplies(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Apply(http.Header{}, nil))
	}
	assert.Equal(t, int64(1), fetches.Load(), "cached token should be reused")
}

func TestOAuth2_ExpiryUsesNinetyPercent(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 1000, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	base := time.Now()
	store.now = func() time.Time { return base }
	require.NoError(t, store.Apply(http.Header{}, nil))
	require.Equal(t, int64(1), fetches.Load())

	// 899s in: still inside 0.9 * 1000s.
	store.now = func() time.Time { return base.Add(899 * time.Second) }
	require.NoError(t, store.Apply(http.Header{}, nil))
	assert.Equal(t, int64(1), fetches.Load())

	// Past the 900s deadline: refetch.
	store.now = func() time.Time { return base.Add(901 * time.Second) }
	require.NoError(t, store.Apply(http.Header{}, nil))
	assert.Equal(t, int64(2), fetches.Load())
}

func TestOAuth2_CacheTTLOverridesShorter(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 30*time.Second)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	base := time.Now()
	store.now = func() time.Time { return base }
	require.NoError(t, store.Apply(http.Header{}, nil))

	store.now = func() time.Time { return base.Add(31 * time.Second) }
	require.NoError(t, store.Apply(http.Header{}, nil))
	assert.Equal(t, int64(2), fetches.Load())
}

func TestOAuth2_ConcurrentAppliesSingleFetch(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			headers := http.Header{}
			assert.NoError(t, store.Apply(headers, nil))
			assert.Equal(t, "Bearer tok-abc", headers.Get("Authorization"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load(), "concurrent applies must share one fetch")
}

func TestOAuth2_InvalidateForcesRefetch(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	require.NoError(t, store.Apply(http.Header{}, nil))
	store.Invalidate()
	require.NoError(t, store.Apply(http.Header{}, nil))
	assert.Equal(t, int64(2), fetches.Load())
}

func TestOAuth2_TokenURLFromHint(t *testing.T) {
	var fetches atomic.Int64
	ts := tokenServer(t, 3600, &fetches)
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	creds := oauth2Creds("")
	require.NoError(t, store.Set(creds))

	headers := http.Header{}
	require.NoError(t, store.Apply(headers, &Hint{TokenURL: ts.URL}))
	assert.Equal(t, "Bearer tok-abc", headers.Get("Authorization"))
}

func TestOAuth2_NoTokenURLFails(t *testing.T) {
	store := NewStore(http.DefaultClient, nil, 0)
	require.NoError(t, store.Set(oauth2Creds("")))

	err := store.Apply(http.Header{}, nil)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestOAuth2_TokenEndpointErrorSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := NewStore(ts.Client(), nil, 0)
	require.NoError(t, store.Set(oauth2Creds(ts.URL)))

	err := store.Apply(http.Header{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "token", authErr.Operation)
}

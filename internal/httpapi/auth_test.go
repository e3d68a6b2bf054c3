package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokenFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestTokenAuthenticatorLoadsValidLines(t *testing.T) {
	path := writeTokenFile(t, "alice abc123 primary\nbob xyz-789\n")
	auth, err := NewTokenAuthenticator(path, nil)
	require.NoError(t, err)

	name, ok := auth.Authenticate("abc123")
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	name, ok = auth.Authenticate("xyz-789")
	assert.True(t, ok)
	assert.Equal(t, "bob", name)
}

func TestTokenAuthenticatorIgnoresCommentsBlankAndMalformedLines(t *testing.T) {
	path := writeTokenFile(t, "# comment\n\nonlyonefield\ncarol tok1 ok\n")
	auth, err := NewTokenAuthenticator(path, nil)
	require.NoError(t, err)

	_, ok := auth.Authenticate("onlyonefield")
	assert.False(t, ok)
	name, ok := auth.Authenticate("tok1")
	assert.True(t, ok)
	assert.Equal(t, "carol", name)
}

func TestTokenAuthenticatorRejectsTokenOutsideAlphabet(t *testing.T) {
	path := writeTokenFile(t, "dave not/valid comment\n")
	auth, err := NewTokenAuthenticator(path, nil)
	require.NoError(t, err)

	_, ok := auth.Authenticate("not/valid")
	assert.False(t, ok)
}

func TestTokenAuthenticatorReloadPicksUpChanges(t *testing.T) {
	path := writeTokenFile(t, "alice abc123\n")
	auth, err := NewTokenAuthenticator(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("alice new-token\n"), 0o600))
	require.NoError(t, auth.Reload())

	_, ok := auth.Authenticate("abc123")
	assert.False(t, ok)
	_, ok = auth.Authenticate("new-token")
	assert.True(t, ok)
}

func TestNewTokenAuthenticatorMissingFileErrors(t *testing.T) {
	_, err := NewTokenAuthenticator(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestRequireTokenRejectsMissingOrUnknownToken(t *testing.T) {
	path := writeTokenFile(t, "alice abc123\n")
	auth, err := NewTokenAuthenticator(path, nil)
	require.NoError(t, err)

	handler := requireToken(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/target/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/target/x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/target/x", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

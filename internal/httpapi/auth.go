package httpapi

import (
	"bufio"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/flowkeep/engine/internal/apierrors"
	"github.com/flowkeep/engine/internal/logging"
)

// tokenAlphabet is spec §6's token character set.
var tokenAlphabet = regexp.MustCompile(`^[A-Za-z0-9_=-]+$`)

// TokenAuthenticator matches bearer tokens against a newline-delimited file
// of "<name> <token> <optional comment>" lines, adapted from
// internal/app/httpapi/auth.go's wrapWithAuth/extractToken/normaliseTokens
// (single token-file lookup, no JWT validator — see DESIGN.md).
type TokenAuthenticator struct {
	path string
	log  *logging.Logger

	mu     sync.RWMutex
	tokens map[string]string // token -> name
}

// NewTokenAuthenticator loads path immediately; a load failure at startup
// surfaces as the DBError-equivalent unrecoverable-startup condition spec
// §6 assigns exit code 3 to, so callers should treat a non-nil error here
// as fatal.
func NewTokenAuthenticator(path string, log *logging.Logger) (*TokenAuthenticator, error) {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	a := &TokenAuthenticator{path: path, log: log, tokens: make(map[string]string)}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the token file, replacing the in-memory set atomically.
// cmd/flowkeepd calls this on SIGHUP so operators can rotate tokens without
// a restart.
func (a *TokenAuthenticator) Reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	tokens := make(map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			a.log.WithField("line", line).Warn("token file: expected at least two fields, ignoring line")
			continue
		}
		name, token := fields[0], fields[1]
		if !tokenAlphabet.MatchString(token) {
			a.log.WithField("line", line).Warn("token file: token contains characters outside [A-Za-z0-9_=-], ignoring line")
			continue
		}
		tokens[token] = name
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.tokens = tokens
	a.mu.Unlock()
	return nil
}

// Authenticate reports the bearer token's owning name, or ok=false.
func (a *TokenAuthenticator) Authenticate(token string) (name string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok = a.tokens[token]
	return name, ok
}

func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// requireToken wraps next so every request must carry a token Authenticate
// accepts.
func requireToken(auth *TokenAuthenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, apierrors.Unauthorized("missing bearer token"))
			return
		}
		if _, ok := auth.Authenticate(token); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, apierrors.InvalidToken())
			return
		}
		next.ServeHTTP(w, r)
	})
}

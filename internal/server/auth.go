package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/pulldb/internal/config"
)

const (
	// userHeader names the caller in development mode, when no JWT secret
	// is configured.
	userHeader    = "X-PullDB-User"
	trustedHeader = "X-PullDB-Trusted"
)

// authPrincipal is the resolved caller. Trusted callers may run catalog
// maintenance.
type authPrincipal struct {
	User    string
	Trusted bool
}

type ctxKey string

const (
	ctxPrincipalKey ctxKey = "auth_principal"
)

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	Trusted bool `json:"trusted,omitempty"`
	jwt.RegisteredClaims
}

type authenticator struct {
	secret     []byte
	issuer     string
	devTrusted bool
	now        func() time.Time
}

func newAuthenticator(cfg config.Auth) *authenticator {
	a := &authenticator{issuer: strings.TrimSpace(cfg.Issuer), devTrusted: cfg.DevTrusted, now: time.Now}
	if s := strings.TrimSpace(cfg.JWTSecret); s != "" {
		a.secret = []byte(s)
	}
	return a
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, status, code, msg := s.auth.resolvePrincipal(r)
		if status != 0 {
			writeError(w, status, msg, code)
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireTrusted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFromContext(r.Context()).Trusted {
			writeError(w, http.StatusUnauthorized, "trusted caller required", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromContext(ctx context.Context) authPrincipal {
	if ctx == nil {
		return authPrincipal{}
	}
	if v, ok := ctx.Value(ctxPrincipalKey).(authPrincipal); ok {
		return v
	}
	return authPrincipal{}
}

func (a *authenticator) resolvePrincipal(r *http.Request) (authPrincipal, int, string, string) {
	if a.secret == nil {
		var trusted bool
		if a.devTrusted {
			trusted, _ = strconv.ParseBool(strings.TrimSpace(r.Header.Get(trustedHeader)))
		}
		return authPrincipal{User: strings.TrimSpace(r.Header.Get(userHeader)), Trusted: trusted}, 0, "", ""
	}

	raw, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return authPrincipal{}, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token"
	}
	c, err := a.verify(raw)
	if err != nil {
		return authPrincipal{}, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token"
	}
	return authPrincipal{User: c.Subject, Trusted: c.Trusted}, 0, "", ""
}

func (a *authenticator) verify(token string) (*Claims, error) {
	var c Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(2 * time.Minute),
		jwt.WithTimeFunc(func() time.Time { return a.now().UTC() }),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return &c, nil
}

// IssueToken signs an HS256 bearer token for user. A zero ttl issues a
// token without expiry.
func IssueToken(cfg config.Auth, user string, trusted bool, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("no jwt secret configured")
	}
	if strings.TrimSpace(user) == "" {
		return "", errors.New("user is required")
	}
	c := Claims{
		Trusted: trusted,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user,
			Issuer:   strings.TrimSpace(cfg.Issuer),
			IssuedAt: jwt.NewNumericDate(now.UTC()),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.UTC().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(strings.TrimSpace(cfg.JWTSecret)))
}

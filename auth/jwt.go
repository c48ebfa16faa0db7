package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"curling-server/config"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Admin authenticates operators. It accepts a bearer JWT, validated against a
// JWKS endpoint or a shared HS256 secret, or HTTP basic credentials checked
// against a bcrypt hash. With nothing configured every request is allowed.
type Admin struct {
	user         string
	passwordHash string
	keyfunc      jwt.Keyfunc
	methods      []string
}

// NewAdmin builds the admin authenticator from cfg. When a JWKS URL is set the
// key set is refreshed in the background until ctx is cancelled.
func NewAdmin(ctx context.Context, cfg config.AuthConfig) (*Admin, error) {
	a := &Admin{user: cfg.AdminUser, passwordHash: cfg.AdminPasswordHash}
	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
		a.keyfunc = jwks.Keyfunc
		a.methods = []string{"EdDSA", "RS256", "ES256"}
	case cfg.AdminJWTSecret != "":
		a.keyfunc = hmacKey(cfg.AdminJWTSecret)
		a.methods = []string{jwt.SigningMethodHS256.Alg()}
	}
	return a, nil
}

// Open reports whether no admin credentials are configured.
func (a *Admin) Open() bool {
	return a.keyfunc == nil && a.passwordHash == ""
}

// Authenticate checks the credentials carried by r.
func (a *Admin) Authenticate(r *http.Request) error {
	if a.Open() {
		return nil
	}
	if token, ok := bearerToken(r); ok {
		if a.keyfunc == nil {
			return ErrUnauthorized
		}
		if _, err := ValidateToken(token, a.keyfunc, a.methods); err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil
	}
	if user, pass, ok := r.BasicAuth(); ok && a.passwordHash != "" {
		if user == a.user && CheckPassword(a.passwordHash, pass) {
			return nil
		}
	}
	return ErrUnauthorized
}

// ValidateToken parses and validates a JWT and returns its claims.
func ValidateToken(tokenString string, kf jwt.Keyfunc, methods []string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, kf, jwt.WithValidMethods(methods), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:]), true
	}
	return "", false
}

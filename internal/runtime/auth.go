package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/researcher/config"
)

// LoadJWTSecret resolves the shared API secret from server.jwt_secret.
// An empty secret leaves the API unauthenticated.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	secret := strings.TrimSpace(cfg.Server.JWTSecret)
	if secret == "" {
		return nil, nil
	}
	return []byte(secret), nil
}

// SignJWT issues a signed token with the provided subject and TTL.
func SignJWT(subject string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret not configured (server.jwt_secret)")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates HS256 tokens from the Authorization header or the auth cookie.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			sub, err := parsed.Claims.GetSubject()
			if err != nil || sub == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.Set("subject", sub)
			c.SetRequest(c.Request().WithContext(ContextWithSubject(c.Request().Context(), sub)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if tok, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "); ok && tok != "" {
		return strings.TrimSpace(tok)
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type subjectKey struct{}

// ContextWithSubject stores the caller identity on ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the JWT subject stored by the middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok
}

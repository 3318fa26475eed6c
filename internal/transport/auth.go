package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/config"
	"github.com/trialgrid/crfengine/model"
)

// clockSkewLeeway tolerates small clock drift between token issuer and
// this service when validating exp/nbf/iat.
const clockSkewLeeway = 30 * time.Second

// Authenticator validates bearer tokens on incoming requests. Tokens are
// HMAC-signed JWTs sharing a secret with the identity provider.
type Authenticator struct {
	cfg    config.IdentityConfig
	secret []byte
	log    *zap.Logger
}

// NewAuthenticator builds an Authenticator from identity configuration and
// the shared signing secret.
func NewAuthenticator(cfg config.IdentityConfig, secret []byte, log *zap.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, secret: secret, log: log}
}

// Middleware returns the HTTP middleware that enforces authentication.
// When identity is disabled requests pass through without claims.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			WriteError(w, r, model.NewUnauthorizedError("missing bearer token"))
			return
		}

		claims, err := a.validate(token)
		if err != nil {
			a.log.Warn("token rejected",
				zap.String("reason", err.Error()),
				zap.String("path", r.URL.Path))
			WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Authenticator) validate(tokenString string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any(claims), nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("no authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.New("malformed authorization header")
	}
	return token, nil
}

// classifyJWTError maps parse errors to stable client-facing messages
// without leaking validation internals.
func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	default:
		return "invalid token"
	}
}

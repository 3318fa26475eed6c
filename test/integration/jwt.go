package integration

import (
	"crypto/rand"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	StudyID   string
	Email     string
	Roles     []string
	Expiry    time.Duration
	Extra     map[string]any
}

// tokenIssuer signs HS256 JWTs with a per-harness random secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	secret := make([]byte, 32)
	rand.Read(secret)
	return &tokenIssuer{
		secret:   secret,
		issuer:   "https://auth.test.crfengine.dev",
		audience: "crfengine-test",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(t *testing.T, claims TestClaims) string {
	t.Helper()

	now := time.Now()
	expiry := claims.Expiry
	if expiry == 0 {
		expiry = time.Hour
	}

	mapClaims := jwt.MapClaims{
		"iss":      ti.issuer,
		"aud":      ti.audience,
		"iat":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(expiry)),
		"sub":      claims.SubjectID,
		"email":    claims.Email,
		"study_id": claims.StudyID,
		"roles":    claims.Roles,
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew is subtracted from a token's exp claim so tokens are
// refreshed shortly before upstream rejects them.
const expirySkew = 60 * time.Second

// TokenExpired inspects a bearer token's exp claim without verifying
// the signature. Opaque (non-JWT) tokens and JWTs without exp are
// treated as valid; upstream is the authority either way.
func TokenExpired(token string, now time.Time) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.After(exp.Time.Add(-expirySkew))
}

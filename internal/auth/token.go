package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chrisflatley/keycloak/internal/realm"
)

// Cookie names. The identity cookie carries the SSO session token; the
// remember-me cookie only pre-fills the username on the next login.
const (
	IdentityCookieName   = "KEYCLOAK_IDENTITY"
	RememberMeCookieName = "KEYCLOAK_REMEMBER_ME"
)

const identityTokenLifetime = 10 * time.Hour

// IdentityClaims is the payload of the identity cookie: which SSO
// session the browser belongs to.
type IdentityClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// EncodeIdentityToken signs an identity token with the realm's key.
func EncodeIdentityToken(rlm *realm.Realm, issuer, userID, sessionID string) (string, error) {
	keys, err := rlm.Keys()
	if err != nil {
		return "", fmt.Errorf("realm keys: %w", err)
	}

	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(identityTokenLifetime)),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keys.KeyID()
	return token.SignedString(keys.PrivateKey())
}

// DecodeIdentityToken verifies an identity token against the realm's
// key and returns its claims.
func DecodeIdentityToken(rlm *realm.Realm, issuer, tokenString string) (*IdentityClaims, error) {
	keys, err := rlm.Keys()
	if err != nil {
		return nil, fmt.Errorf("realm keys: %w", err)
	}

	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return keys.PublicKey(), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

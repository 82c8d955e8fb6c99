package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ironvault/securitycore/internal/apperr"
)

// Claims is the access credential payload. Unlike the RS256 design this
// replaces, the signing key here is symmetric and distinct from the
// field-encryption master key, per the wire-format requirement.
type Claims struct {
	UserID         uuid.UUID `json:"sub"`
	TenantID       uuid.UUID `json:"tid"`
	Roles          []string  `json:"roles,omitempty"`
	Permissions    []string  `json:"permissions,omitempty"`
	ImpersonatorID uuid.UUID `json:"impersonator_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenProvider signs and validates access credentials. The second-factor
// challenge step no longer goes through this interface: it is a
// single-use internal/tokenvault token (purpose second_factor_challenge),
// not a self-signed JWT, so it can be revoked and audited the same way
// every other verification token is.
type TokenProvider interface {
	GenerateAccessToken(userID, tenantID uuid.UUID, roles, permissions []string, impersonatorID uuid.UUID) (string, string, error) // returns (token, jti)
	ValidateToken(tokenString string) (*Claims, error)
}

// HMACProvider implements TokenProvider using HS256 over a 256-bit
// shared secret.
type HMACProvider struct {
	secret        []byte
	tokenDuration time.Duration
	issuer        string
}

func NewHMACProvider(secret string, tokenDuration time.Duration, issuer string) (*HMACProvider, error) {
	if len(secret) < 32 {
		return nil, apperr.New(apperr.ReasonCryptoFailure, "jwt secret must be at least 256 bits")
	}
	return &HMACProvider{secret: []byte(secret), tokenDuration: tokenDuration, issuer: issuer}, nil
}

func (p *HMACProvider) GenerateAccessToken(userID, tenantID uuid.UUID, roles, permissions []string, impersonatorID uuid.UUID) (string, string, error) {
	jti := uuid.New()
	claims := Claims{
		UserID:         userID,
		TenantID:       tenantID,
		Roles:          roles,
		Permissions:    permissions,
		ImpersonatorID: impersonatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(p.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    p.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", "", apperr.Wrap(apperr.ReasonCryptoFailure, "failed to sign access token", err)
	}
	return signed, jti.String(), nil
}

func (p *HMACProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.TokenExpired
		}
		return nil, apperr.TokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.TokenInvalid
	}
	return claims, nil
}

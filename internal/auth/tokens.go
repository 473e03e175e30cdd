// Package auth verifies caller identity from signed bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stwalsh4118/parcelledger/internal/models"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakSecret is returned when the signing secret is too short.
	ErrWeakSecret = fmt.Errorf("secret must be at least %d characters", MinSecretLength)
)

// Claims are the registered JWT claims; the subject is the principal.
type Claims struct {
	jwt.RegisteredClaims
}

// Authority issues and verifies HS256 tokens.
type Authority struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthority creates an Authority. An empty issuer disables issuer checks.
func NewAuthority(secret, issuer string) (*Authority, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Authority{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// Issue signs a token for subject that expires after ttl.
func (a *Authority) Issue(subject models.Principal, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}

	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(subject),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, expiry and issuer and returns its subject.
func (a *Authority) Verify(tokenString string) (models.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return models.Principal(claims.Subject), nil
}

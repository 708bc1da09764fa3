package utils // package utils provides helpers for minting and parsing service tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// Service roles carried in the "role" claim.
const (
	RoleBooking   = "BOOKING"   // booking front end: reserve, release, payment completion
	RoleAdmin     = "ADMIN"     // operators: overrides and audit trail
	RoleScheduler = "SCHEDULER" // cron / job runner: scheduler trigger
)

// ErrInvalidToken is returned for tokens that fail signature, algorithm or
// claim checks.
var ErrInvalidToken = errors.New("invalid token")

// AccessToken represents a signed JWT along with its expiry.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// ServiceClaims are the claims of a service token.  Subject identifies the
// caller: the operator id for ADMIN tokens, the job name otherwise.
type ServiceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewServiceToken builds and signs an HS256 JWT for subject with role,
// valid for ttl.
func NewServiceToken(secret, subject, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" || subject == "" || role == "" {
		return AccessToken{}, errors.New("secret, subject and role are required")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := ServiceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseServiceToken verifies raw and returns its claims.  Only HMAC
// signatures are accepted and exp is required.
func ParseServiceToken(secret, raw string) (*ServiceClaims, error) {
	var claims ServiceClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		// Type assert the signing method to HMAC; reject others.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, fmt.Errorf("%w: subject and role are required", ErrInvalidToken)
	}
	return &claims, nil
}

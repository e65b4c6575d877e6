package auth

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken wraps every verification failure. Callers must not branch
// on the wrapped cause when answering clients.
var ErrInvalidToken = stderrors.New("invalid token")

const minSecretBytes = 32

var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// TokenService signs and verifies HMAC JWTs carrying only the subject and
// validity window.
type TokenService struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	issuer string
}

// NewTokenService validates the key material once at startup.
func NewTokenService(secret []byte, algorithm string, ttl time.Duration, issuer string) (*TokenService, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	method, ok := signingMethods[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenService{
		secret: append([]byte(nil), secret...),
		method: method,
		ttl:    ttl,
		issuer: issuer,
	}, nil
}

// TTL is the fixed token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for an authenticated identity. The role is not embedded.
// now is truncated to whole seconds, the resolution of the exp claim.
func (s *TokenService) Issue(identity Identity, now time.Time) (string, time.Time, error) {
	if identity.Username == "" {
		return "", time.Time{}, fmt.Errorf("cannot issue a token without a subject")
	}
	now = now.Truncate(time.Second)
	expiresAt := now.Add(s.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   identity.Username,
		Issuer:    s.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, algorithm, issuer and validity window at now
// and returns the subject. A token is expired when now >= exp.
func (s *TokenService) Verify(token string, now time.Time) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: token not valid", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

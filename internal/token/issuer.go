package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures and wrong
	// signing methods. Callers fold revoked/not-found into the same
	// outcome so the client cannot tell which case applied.
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the signed payload carried by both token kinds. Refresh tokens
// additionally carry their session id in the jti claim.
type Claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies signed access/refresh tokens. Access tokens are
// validated purely by signature and expiry; refresh validity additionally
// requires an active persisted record, which is not this package's concern.
type Issuer struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewIssuer(secret, algorithm, issuer string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unknown signing algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q: only HMAC variants are configured", algorithm)
	}
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}

	return &Issuer{
		secret:     []byte(secret),
		method:     method,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// IssueAccess mints a stateless access token for the subject.
func (i *Issuer) IssueAccess(subject string) (string, error) {
	return i.sign(Claims{
		Type: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(i.accessTTL)),
		},
	})
}

// IssueRefresh mints a refresh token whose jti claim is the persisted
// session id.
func (i *Issuer) IssueRefresh(subject, sessionID string) (string, error) {
	return i.sign(Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(i.refreshTTL)),
		},
	})
}

func (i *Issuer) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies signature and expiry. Expired tokens surface as
// ErrTokenExpired; every other failure is ErrTokenInvalid.
func (i *Issuer) Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != i.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim carried by operator tokens.
const RoleAdmin = "admin"

var (
	// ErrInvalidToken is returned for any token that fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden is returned when a valid token lacks the required role.
	ErrForbidden = errors.New("insufficient role")
)

// Claims identifies the bearer of a verified token.
type Claims struct {
	Subject string
	Role    string
}

// Issuer signs and verifies EdDSA tokens.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// ttl of issued tokens; zero means no exp claim
	ttl time.Duration
	now func() time.Time
}

// NewIssuer derives the key pair from a hex encoded 32 byte seed. An empty
// seed generates a fresh key, so tokens do not survive a restart.
func NewIssuer(seedHex string, ttl time.Duration) (*Issuer, error) {
	var priv ed25519.PrivateKey
	if seedHex == "" {
		_, p, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
		}
		priv = p
	} else {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("decode admin key seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("admin key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	}
	return &Issuer{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// CreateJWT creates a signed token with "sub" = subject and "role" = role.
func (i *Issuer) CreateJWT(subject, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  i.now().Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = i.now().Add(i.ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(i.privateKey)
}

// AuthenticateJWT verifies a token and returns its claims.
func (i *Issuer) AuthenticateJWT(tokenString string) (Claims, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.publicKey, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return Claims{}, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: invalid jwt claims", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: missing sub in jwt", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Claims{Subject: sub, Role: role}, nil
}

// RequireRole verifies tokenString and checks its role.
func (i *Issuer) RequireRole(tokenString, role string) (Claims, error) {
	c, err := i.AuthenticateJWT(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if c.Role != role {
		return Claims{}, ErrForbidden
	}
	return c, nil
}

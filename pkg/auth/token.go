// Package auth authenticates ledger accounts with RS256 JWTs. The subject of a
// token is the account it speaks for.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the registered JWT claims; Subject carries the account ID.
type Claims struct {
	jwt.RegisteredClaims
}

// AccountID returns the account the token speaks for
func (c *Claims) AccountID() string {
	return c.Subject
}

// Signer handles token generation and validation.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewSigner creates a Signer from PEM-encoded keys (for processes that sign tokens).
func NewSigner(privateKeyPEM, publicKeyPEM []byte, issuer string) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to parse private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	return &Signer{
		privateKey: priv,
		publicKey:  pub,
		issuer:     issuer,
	}, nil
}

// NewSignerFromPublicKey creates a Signer that can only validate tokens.
func NewSignerFromPublicKey(publicKeyPEM []byte, issuer string) (*Signer, error) {
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Signer{publicKey: pub, issuer: issuer}, nil
}

func parsePublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to parse public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// CanSign reports whether the signer holds a private key
func (s *Signer) CanSign() bool {
	return s.privateKey != nil
}

// IssueToken signs a token for account valid for ttl.
func (s *Signer) IssueToken(account string, ttl time.Duration) (string, time.Time, error) {
	if s.privateKey == nil {
		return "", time.Time{}, errors.New("signer has no private key")
	}

	now := time.Now()
	expiry := now.Add(ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry, nil
}

// ValidateToken parses and verifies the JWT signature, issuer and expiry.
func (s *Signer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.publicKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// TokenSource issues tokens for one account and reuses each until it nears expiry.
type TokenSource struct {
	signer  *Signer
	account string
	ttl     time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource creates a TokenSource for account
func NewTokenSource(signer *Signer, account string, ttl time.Duration) *TokenSource {
	return &TokenSource{signer: signer, account: account, ttl: ttl}
}

// Token returns a token valid for at least a quarter of the ttl
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiry) > s.ttl/4 {
		return s.token, nil
	}
	token, expiry, err := s.signer.IssueToken(s.account, s.ttl)
	if err != nil {
		return "", err
	}
	s.token, s.expiry = token, expiry
	return token, nil
}

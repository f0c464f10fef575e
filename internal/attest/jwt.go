package attest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a JWT attestation. CleartextHash is the
// base64url SHA-256 of the cleartext bytes.
type Claims struct {
	RequestID     string `json:"rid"`
	CleartextHash string `json:"cth"`
	jwt.RegisteredClaims
}

func cleartextHash(cleartext []byte) string {
	sum := sha256.Sum256(cleartext)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type JWTVerifier struct {
	key    ed25519.PublicKey
	issuer string
}

func NewJWTVerifier(key ed25519.PublicKey, issuer string) (*JWTVerifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attest: ed25519 public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &JWTVerifier{key: key, issuer: issuer}, nil
}

// ParsePublicKey decodes a standard base64 ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("attest: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attest: ed25519 public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func (v *JWTVerifier) Verify(requestID string, cleartext, proof []byte) error {
	if len(proof) == 0 {
		return ErrProofFormat
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	t, err := jwt.ParseWithClaims(string(proof), &Claims{}, func(token *jwt.Token) (interface{}, error) { return v.key, nil }, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFormat, err)
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return ErrProofFormat
	}
	if c.RequestID != requestID || c.CleartextHash != cleartextHash(cleartext) {
		return ErrProofMismatch
	}
	return nil
}

type JWTSigner struct {
	key    ed25519.PrivateKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTSigner(key ed25519.PrivateKey, issuer string, ttl time.Duration) (*JWTSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("attest: invalid ed25519 private key")
	}
	return &JWTSigner{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (s *JWTSigner) Sign(requestID string, cleartext []byte) ([]byte, error) {
	now := s.now()
	claims := Claims{
		RequestID:     requestID,
		CleartextHash: cleartextHash(cleartext),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return nil, err
	}
	return []byte(tok), nil
}

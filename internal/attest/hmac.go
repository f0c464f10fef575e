// Package attest implements the proof schemes oracle callbacks are checked
// against. Every verifier is a pure function of (request id, cleartext,
// proof) and fails closed.
package attest

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	SchemeHMACSHA3 = "hmac-sha3"
	SchemeJWTEdDSA = "jwt-eddsa"

	domainTag = "renova/attest/v1"
)

var (
	ErrEmptySecret   = errors.New("attest: secret is empty")
	ErrProofMismatch = errors.New("attest: proof does not match cleartext")
	ErrProofFormat   = errors.New("attest: malformed proof")
)

// message binds the cleartext to the request id it answers.
func message(requestID string, cleartext []byte) []byte {
	out := make([]byte, 0, len(domainTag)+8+len(requestID)+len(cleartext))
	out = append(out, domainTag...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(requestID)))
	out = append(out, requestID...)
	out = append(out, cleartext...)
	return out
}

type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

func (v *HMACVerifier) Verify(requestID string, cleartext, proof []byte) error {
	if len(proof) != sha3.New256().Size() {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrProofFormat, sha3.New256().Size(), len(proof))
	}
	if !hmac.Equal(sumHMAC(v.secret, requestID, cleartext), proof) {
		return ErrProofMismatch
	}
	return nil
}

// HMACSigner produces proofs an HMACVerifier with the same secret accepts.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

func (s *HMACSigner) Sign(requestID string, cleartext []byte) ([]byte, error) {
	return sumHMAC(s.secret, requestID, cleartext), nil
}

func sumHMAC(secret []byte, requestID string, cleartext []byte) []byte {
	mac := hmac.New(sha3.New256, secret)
	_, _ = mac.Write(message(requestID, cleartext))
	return mac.Sum(nil)
}

package attest

import "fmt"

type Verifier interface {
	Verify(requestID string, cleartext, proof []byte) error
}

type Signer interface {
	Sign(requestID string, cleartext []byte) ([]byte, error)
}

var (
	_ Verifier = (*HMACVerifier)(nil)
	_ Verifier = (*JWTVerifier)(nil)
	_ Signer   = (*HMACSigner)(nil)
	_ Signer   = (*JWTSigner)(nil)
)

// NewVerifier builds the verifier for scheme. hmacSecret is used by
// hmac-sha3, publicKey (base64 ed25519) and issuer by jwt-eddsa.
func NewVerifier(scheme, hmacSecret, publicKey, issuer string) (Verifier, error) {
	switch scheme {
	case SchemeHMACSHA3:
		v, err := NewHMACVerifier(hmacSecret)
		if err != nil {
			return nil, err
		}
		return v, nil
	case SchemeJWTEdDSA:
		key, err := ParsePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		v, err := NewJWTVerifier(key, issuer)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("attest: unknown scheme %q", scheme)
	}
}

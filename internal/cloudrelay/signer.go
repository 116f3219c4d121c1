package cloudrelay

import (
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer produces the signature segment of an assertion.
type Signer interface {
	Sign(signingInput, privateKeyPEM string) (string, error)
}

// RS256Signer signs with RSASSA-PKCS1-v1_5 over SHA-256.
type RS256Signer struct{}

// Sign returns the raw URL-safe base64 signature of signingInput. The key must
// be PEM armored (PKCS#1 or PKCS#8).
func (RS256Signer) Sign(signingInput, privateKeyPEM string) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	sig, err := jwt.SigningMethodRS256.Sign(signingInput, key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

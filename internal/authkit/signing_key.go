package authkit

import (
	"errors"
	"fmt"
	"strings"
)

const minimumSigningKeyLength = 32

var (
	errEmptySigningSecret = errors.New("signing_key.empty_secret")
	errShortSigningSecret = errors.New("signing_key.short_secret")
)

// SigningKey is the process-wide HS256 key derived once from the configured secret.
type SigningKey struct {
	material []byte
}

// NewSigningKey derives the signing key from the configured secret.
func NewSigningKey(secret string) (SigningKey, error) {
	if strings.TrimSpace(secret) == "" {
		return SigningKey{}, fmt.Errorf("signing_key.new: %w", errEmptySigningSecret)
	}
	if len(secret) < minimumSigningKeyLength {
		return SigningKey{}, fmt.Errorf("signing_key.new: %w: need at least %d bytes", errShortSigningSecret, minimumSigningKeyLength)
	}
	material := make([]byte, len(secret))
	copy(material, secret)
	return SigningKey{material: material}, nil
}

// Bytes returns a copy of the key material.
func (key SigningKey) Bytes() []byte {
	clone := make([]byte, len(key.material))
	copy(clone, key.material)
	return clone
}

func (key SigningKey) isZero() bool {
	return len(key.material) == 0
}

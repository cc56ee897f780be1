package authkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherAlgorithm selects the AEAD used by SecretCipher.
type CipherAlgorithm string

const (
	// CipherAESGCM is AES-256-GCM.
	CipherAESGCM CipherAlgorithm = "aes-256-gcm"
	// CipherChaCha20 is ChaCha20-Poly1305.
	CipherChaCha20 CipherAlgorithm = "chacha20-poly1305"

	cipherKeyLength = 32
)

// SecretCipher encrypts values before they leave process memory.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type aeadCipher struct {
	aead      cipher.AEAD
	algorithm CipherAlgorithm
}

// ParseCipherAlgorithm resolves a configured algorithm name; empty selects AES-256-GCM.
func ParseCipherAlgorithm(name string) (CipherAlgorithm, error) {
	switch CipherAlgorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", CipherAESGCM:
		return CipherAESGCM, nil
	case CipherChaCha20:
		return CipherChaCha20, nil
	default:
		return "", fmt.Errorf("cipher.algorithm.%s: %w", name, ErrCipherFailure)
	}
}

// NewSecretCipher derives the key once from the secret, zero-padded or truncated to 32 bytes.
func NewSecretCipher(secret string, algorithm CipherAlgorithm) (SecretCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("cipher.new: empty secret: %w", ErrCipherFailure)
	}
	key := deriveCipherKey(secret)

	var (
		aead cipher.AEAD
		err  error
	)
	switch algorithm {
	case CipherChaCha20:
		aead, err = chacha20poly1305.New(key)
	case "", CipherAESGCM:
		algorithm = CipherAESGCM
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, fmt.Errorf("cipher.new.%s: unsupported algorithm: %w", algorithm, ErrCipherFailure)
	}
	if err != nil {
		return nil, fmt.Errorf("cipher.new.%s: %v: %w", algorithm, err, ErrCipherFailure)
	}
	return &aeadCipher{aead: aead, algorithm: algorithm}, nil
}

func deriveCipherKey(secret string) []byte {
	key := make([]byte, cipherKeyLength)
	copy(key, secret)
	return key
}

// Encrypt returns base64(nonce || sealed).
func (box *aeadCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, box.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cipher.encrypt.%s: nonce: %v: %w", box.algorithm, err, ErrCipherFailure)
	}
	sealed := box.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (box *aeadCipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("cipher.decrypt.%s: decode: %v: %w", box.algorithm, err, ErrCipherFailure)
	}
	nonceSize := box.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("cipher.decrypt.%s: ciphertext too short: %w", box.algorithm, ErrCipherFailure)
	}
	plaintext, err := box.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("cipher.decrypt.%s: %v: %w", box.algorithm, err, ErrCipherFailure)
	}
	return string(plaintext), nil
}

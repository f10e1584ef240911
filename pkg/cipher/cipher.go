// Package cipher encrypts stored credentials (connection passwords, AI
// provider API keys) with AES-256-GCM under a PBKDF2-derived key.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when none is configured.
	DefaultIterations = 100000

	keyLength = 32
	ivLength  = 16
	tagLength = 16

	devSecret = "sqlwarden-development-secret"
	devSalt   = "sqlwarden-development-salt"
)

var (
	// ErrMalformedCiphertext is returned when the stored value is not iv:tag:ciphertext.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrMissingKeyMaterial is returned in production when secret or salt is unset.
	ErrMissingKeyMaterial = errors.New("encryption secret and salt must be configured in production")
)

// Cipher encrypts and decrypts short secrets.
type Cipher struct {
	aead stdcipher.AEAD
}

// Config holds the key material for a Cipher.
type Config struct {
	Secret     string
	Salt       string
	Iterations int
	Production bool
}

// New derives the key from secret and salt and returns a ready Cipher.
func New(secret, salt string, iterations int) (*Cipher, error) {
	if secret == "" || salt == "" {
		return nil, ErrMissingKeyMaterial
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}

	aead, err := stdcipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// FromConfig builds a Cipher from configuration. Outside production a missing
// secret or salt falls back to fixed development values; usedFallback reports
// whether that happened so the caller can warn.
func FromConfig(cfg Config) (c *Cipher, usedFallback bool, err error) {
	secret, salt := cfg.Secret, cfg.Salt
	if secret == "" || salt == "" {
		if cfg.Production {
			return nil, false, ErrMissingKeyMaterial
		}
		if secret == "" {
			secret = devSecret
		}
		if salt == "" {
			salt = devSalt
		}
		usedFallback = true
	}

	c, err = New(secret, salt, cfg.Iterations)
	return c, usedFallback, err
}

// Encrypt returns hex(iv):hex(tag):hex(ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. It never returns plaintext for a value that
// fails authentication.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedCiphertext, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrMalformedCiphertext, err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: auth tag: %v", ErrMalformedCiphertext, err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedCiphertext, err)
	}

	if len(iv) != ivLength {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrMalformedCiphertext, ivLength, len(iv))
	}
	if len(tag) != tagLength {
		return "", fmt.Errorf("%w: auth tag must be %d bytes, got %d", ErrMalformedCiphertext, tagLength, len(tag))
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

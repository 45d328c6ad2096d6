// Package secrets seals warehouse connection URIs at rest. Connection
// records store only ciphertext; the scanner decrypts lazily when it
// instantiates a connector.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey indicates the encryption key is missing or not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than a nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrDecryptFailed indicates authentication of the ciphertext failed.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Sealer encrypts and decrypts short strings with XChaCha20-Poly1305.
// The nonce is generated per message and prepended to the ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer creates a Sealer from a 32-byte key encoded as hex or base64.
func NewSealer(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}

	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), chacha20poly1305.KeySize)
	}

	return &Sealer{key: key}, nil
}

// GenerateKey returns a fresh random key, hex encoded, suitable for
// AEGIS_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	return hex.EncodeToString(key), nil
}

// Encrypt seals a plaintext string and returns base64 ciphertext.
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptFailed)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plain), nil
}

func decodeKey(encoded string) ([]byte, error) {
	if key, err := hex.DecodeString(encoded); err == nil {
		return key, nil
	}

	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("%w: not valid hex or base64", ErrInvalidKey)
}

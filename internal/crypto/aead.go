package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/atrest/internal/misc"
)

// ErrAuthentication is returned by Open when the authentication tag does not verify.
// Every other Open failure is an argument or construction error.
var ErrAuthentication = errors.New("message authentication failed")

// Suite identifies an AEAD construction with a 256-bit key and 96-bit nonce
type Suite string

const (
	AES256GCM        Suite = "aes-256-gcm"
	ChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// NewAEAD creates the AEAD for suite from a misc.KeyLen byte key
func NewAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", misc.KeyLen, len(key))
	}

	switch suite {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("unsupported cipher suite: %q", suite)
	}
}

// Seal encrypts and authenticates plaintext under (key, iv). Output is ciphertext || tag.
func Seal(suite Suite, key, iv, plaintext []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open verifies and decrypts ciphertext produced by Seal
func Open(suite Suite, key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrAuthentication)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// RandomBytes reads n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

package atrest

import (
	"southwinds.dev/atrest/internal/crypto"
)

// CipherSuite names an AEAD with a 256-bit key and 96-bit nonce
type CipherSuite = crypto.Suite

const (
	AES256GCM        = crypto.AES256GCM
	ChaCha20Poly1305 = crypto.ChaCha20Poly1305
)

// ErrAuthentication is returned by Open when the tag does not verify
var ErrAuthentication = crypto.ErrAuthentication

// Seal encrypts and authenticates plaintext under key and iv.
// The result is ciphertext followed by the 16-byte tag.
func Seal(suite CipherSuite, key *SymmetricKey, iv, plaintext []byte) ([]byte, error) {
	var out []byte
	err := key.withKey(func(raw []byte) error {
		var err error
		out, err = crypto.Seal(suite, raw, iv, plaintext)
		return err
	})
	return out, err
}

// Open verifies and decrypts a Seal output. A tag mismatch yields ErrAuthentication;
// any other error means the arguments were unusable.
func Open(suite CipherSuite, key *SymmetricKey, iv, ciphertext []byte) ([]byte, error) {
	var out []byte
	err := key.withKey(func(raw []byte) error {
		var err error
		out, err = crypto.Open(suite, raw, iv, ciphertext)
		return err
	})
	return out, err
}

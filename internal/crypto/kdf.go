package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/atrest/internal/misc"
)

// KDF identifies a password-based key derivation function
type KDF string

const (
	PBKDF2SHA256 KDF = "pbkdf2-sha256"
	Argon2id     KDF = "argon2id"
)

// Argon2Params are the Argon2id cost parameters
type Argon2Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

// KDFParams selects a KDF and its work factor. Derivation is a pure function of
// (passphrase, salt, KDFParams).
type KDFParams struct {
	Algorithm  KDF          `json:"algorithm"`
	Iterations int          `json:"iterations,omitempty"`
	Argon2     Argon2Params `json:"argon2,omitempty"`
}

// DefaultKDFParams returns PBKDF2-HMAC-SHA256 at 600,000 iterations
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  PBKDF2SHA256,
		Iterations: misc.PBKDF2Iterations,
		Argon2: Argon2Params{
			Time:    misc.ArgonTime,
			Memory:  misc.ArgonMemory,
			Threads: misc.ArgonThreads,
		},
	}
}

// Validate checks that the selected algorithm has a usable work factor
func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case PBKDF2SHA256:
		if p.Iterations < 1 {
			return fmt.Errorf("pbkdf2 iterations must be positive, got %d", p.Iterations)
		}
	case Argon2id:
		if p.Argon2.Time < 1 || p.Argon2.Memory < 8*uint32(p.Argon2.Threads) || p.Argon2.Threads < 1 {
			return fmt.Errorf("invalid argon2id parameters: time=%d memory=%d threads=%d",
				p.Argon2.Time, p.Argon2.Memory, p.Argon2.Threads)
		}
	default:
		return fmt.Errorf("unsupported kdf: %q", p.Algorithm)
	}
	return nil
}

// DeriveKey runs the selected KDF and returns a misc.KeyLen byte key.
// The caller owns the returned slice and must wipe it.
func DeriveKey(passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", misc.SaltSize, len(salt))
	}
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	switch params.Algorithm {
	case Argon2id:
		return argon2.IDKey(passphrase, salt, params.Argon2.Time, params.Argon2.Memory, params.Argon2.Threads, misc.KeyLen), nil
	default:
		return pbkdf2.Key(passphrase, salt, params.Iterations, misc.KeyLen, sha256.New), nil
	}
}

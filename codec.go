package atrest

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"southwinds.dev/atrest/internal/crypto"
	"southwinds.dev/atrest/internal/misc"
)

// Codec encrypts strings into Envelopes and back. It is safe for concurrent use;
// every call derives its own key from a fresh or stored salt.
type Codec struct {
	deriver KeyDeriver
	params  DerivationParams
	suite   CipherSuite
	logger  zerolog.Logger
}

// NewCodec validates opts and checks that the runtime can produce random bytes and
// run the configured AEAD. Failure of that check is reported as UnsupportedEnvironment.
func NewCodec(opts Options) (*Codec, error) {
	if err := opts.Validate(); err != nil {
		return nil, newError(Other, "new codec", "invalid options", err)
	}
	opts = opts.withDefaults()

	if err := selfTest(opts.Cipher); err != nil {
		return nil, newError(UnsupportedEnvironment, "new codec", "", err)
	}

	return &Codec{
		deriver: opts.Deriver,
		params:  opts.derivationParams(),
		suite:   opts.Cipher,
		logger:  *opts.Logger,
	}, nil
}

// selfTest seals and opens a random message under a random key
func selfTest(suite CipherSuite) error {
	key, err := crypto.RandomBytes(misc.KeyLen)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)
	iv, err := crypto.RandomBytes(misc.IVSize)
	if err != nil {
		return err
	}
	msg, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return err
	}

	sealed, err := crypto.Seal(suite, key, iv, msg)
	if err != nil {
		return fmt.Errorf("cipher self-test: %w", err)
	}
	opened, err := crypto.Open(suite, key, iv, sealed)
	if err != nil {
		return fmt.Errorf("cipher self-test: %w", err)
	}
	if subtle.ConstantTimeCompare(opened, msg) != 1 {
		return fmt.Errorf("cipher self-test: round trip mismatch")
	}
	return nil
}

// Encrypt seals data under a key derived from passphrase and a fresh random salt,
// and seals the verification constant under the same key and IV.
//
// A passphrase shorter than eight characters fails with WeakPassphrase before any
// key derivation takes place.
func (c *Codec) Encrypt(ctx context.Context, data, passphrase string) (*Envelope, error) {
	const op = "encrypt"
	if err := checkPassphrase(op, passphrase); err != nil {
		return nil, err
	}

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, newError(UnsupportedEnvironment, op, "", err)
	}
	iv, err := crypto.RandomBytes(misc.IVSize)
	if err != nil {
		return nil, newError(UnsupportedEnvironment, op, "", err)
	}

	key, err := c.deriver.DeriveKey(ctx, passphrase, salt, c.params)
	if err != nil {
		return nil, withOp(op, err)
	}
	defer key.Destroy()

	ciphertext, err := Seal(c.suite, key, iv, []byte(data))
	if err != nil {
		return nil, newError(Other, op, "", err)
	}
	verification, err := Seal(c.suite, key, iv, []byte(misc.VerificationString))
	if err != nil {
		return nil, newError(Other, op, "", err)
	}

	c.logger.Debug().Str("kdf", string(c.params.Algorithm)).Str("cipher", string(c.suite)).
		Int("size", len(data)).Msg("value encrypted")

	return &Envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		IV:           base64.StdEncoding.EncodeToString(iv),
		Salt:         base64.StdEncoding.EncodeToString(salt),
		Verification: base64.StdEncoding.EncodeToString(verification),
		Scheme:       schemeFor(c.params.Algorithm, c.suite),
	}, nil
}

// Decrypt re-derives the key from the envelope salt and returns the plaintext.
//
// The verification block is opened first:
//   - it fails to authenticate: WrongPassphrase
//   - it opens to anything but the constant: DataCorruption
//
// Only then is the payload opened, and a failure there is DecryptionFailed. A
// malformed envelope is DataCorruption and never reaches key derivation.
func (c *Codec) Decrypt(ctx context.Context, env *Envelope, passphrase string) (string, error) {
	const op = "decrypt"
	if err := checkPassphrase(op, passphrase); err != nil {
		return "", err
	}

	d, err := env.decode()
	if err != nil {
		return "", newError(DataCorruption, op, "malformed envelope", err)
	}

	params := c.params
	params.Algorithm = d.kdf
	key, err := c.deriver.DeriveKey(ctx, passphrase, d.salt, params)
	if err != nil {
		return "", withOp(op, err)
	}
	defer key.Destroy()

	verification, err := Open(d.suite, key, d.iv, d.verification)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return "", newError(WrongPassphrase, op, "", nil)
		}
		return "", newError(DataCorruption, op, "unreadable verification block", err)
	}
	if subtle.ConstantTimeCompare(verification, []byte(misc.VerificationString)) != 1 {
		return "", newError(DataCorruption, op, "verification mismatch", nil)
	}

	plaintext, err := Open(d.suite, key, d.iv, d.ciphertext)
	if err != nil {
		return "", newError(DecryptionFailed, op, "", err)
	}
	return string(plaintext), nil
}

// withOp attaches op to err, keeping the kind of an existing *Error
func withOp(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Op == op {
			return e
		}
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	return newError(Other, op, "", err)
}

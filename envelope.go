package atrest

import (
	"encoding/base64"
	"fmt"
	"strings"

	"southwinds.dev/atrest/internal/crypto"
	"southwinds.dev/atrest/internal/misc"
)

// Envelope is the at-rest form of one encrypted value. Every field except Scheme is
// standard padded base64.
//
// Verification is the constant VALID_PASSPHRASE_V1 sealed under the same key and
// IV as the payload. It tells a wrong passphrase (verification fails to
// authenticate) from damaged data (verification opens but the payload does not).
type Envelope struct {
	Ciphertext   string `json:"ciphertext"`
	IV           string `json:"iv"`
	Salt         string `json:"salt"`
	Verification string `json:"verification"`
	// Scheme names the KDF and cipher as "<kdf>+<cipher>". Empty means the default
	// pbkdf2-sha256+aes-256-gcm, which keeps default envelopes in the four-field format.
	Scheme string `json:"scheme,omitempty"`
}

const defaultScheme = string(crypto.PBKDF2SHA256) + "+" + string(crypto.AES256GCM)

// decodedEnvelope holds the raw bytes of a validated envelope
type decodedEnvelope struct {
	ciphertext   []byte
	iv           []byte
	salt         []byte
	verification []byte
	kdf          crypto.KDF
	suite        crypto.Suite
}

func schemeFor(kdf crypto.KDF, suite crypto.Suite) string {
	s := string(kdf) + "+" + string(suite)
	if s == defaultScheme {
		return ""
	}
	return s
}

func parseScheme(scheme string) (crypto.KDF, crypto.Suite, error) {
	if scheme == "" {
		return crypto.PBKDF2SHA256, crypto.AES256GCM, nil
	}
	kdfName, suiteName, ok := strings.Cut(scheme, "+")
	if !ok {
		return "", "", fmt.Errorf("malformed scheme %q", scheme)
	}
	kdf := crypto.KDF(kdfName)
	switch kdf {
	case crypto.PBKDF2SHA256, crypto.Argon2id:
	default:
		return "", "", fmt.Errorf("unknown kdf %q", kdfName)
	}
	suite := crypto.Suite(suiteName)
	switch suite {
	case crypto.AES256GCM, crypto.ChaCha20Poly1305:
	default:
		return "", "", fmt.Errorf("unknown cipher %q", suiteName)
	}
	return kdf, suite, nil
}

// decode validates the envelope shape before any key derivation happens
func (e *Envelope) decode() (*decodedEnvelope, error) {
	if e == nil {
		return nil, fmt.Errorf("envelope is missing")
	}
	kdf, suite, err := parseScheme(e.Scheme)
	if err != nil {
		return nil, err
	}

	d := &decodedEnvelope{kdf: kdf, suite: suite}
	fields := []struct {
		name string
		in   string
		out  *[]byte
		size int // exact length, or 0
		min  int
	}{
		{"ciphertext", e.Ciphertext, &d.ciphertext, 0, misc.TagSize},
		{"iv", e.IV, &d.iv, misc.IVSize, 0},
		{"salt", e.Salt, &d.salt, misc.SaltSize, 0},
		{"verification", e.Verification, &d.verification, 0, misc.TagSize},
	}
	for _, f := range fields {
		if f.in == "" {
			return nil, fmt.Errorf("%s is empty", f.name)
		}
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid base64", f.name)
		}
		if f.size > 0 && len(b) != f.size {
			return nil, fmt.Errorf("%s must be %d bytes, got %d", f.name, f.size, len(b))
		}
		if len(b) < f.min {
			return nil, fmt.Errorf("%s is shorter than the authentication tag", f.name)
		}
		*f.out = b
	}
	return d, nil
}

// toMap renders the envelope the way it is embedded in a wrapped record
func (e *Envelope) toMap() map[string]any {
	m := map[string]any{
		"ciphertext":   e.Ciphertext,
		"iv":           e.IV,
		"salt":         e.Salt,
		"verification": e.Verification,
	}
	if e.Scheme != "" {
		m["scheme"] = e.Scheme
	}
	return m
}

// envelopeFromMap reads an envelope embedded in a table document. Table backends
// return nested objects as map[string]any.
func envelopeFromMap(v any) (*Envelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("encrypted data is %T, not an object", v)
	}
	field := func(name string) (string, error) {
		raw, present := m[name]
		if !present {
			return "", nil
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%s is %T, not a string", name, raw)
		}
		return s, nil
	}

	var env Envelope
	var err error
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"ciphertext", &env.Ciphertext},
		{"iv", &env.IV},
		{"salt", &env.Salt},
		{"verification", &env.Verification},
		{"scheme", &env.Scheme},
	} {
		if *f.dst, err = field(f.name); err != nil {
			return nil, err
		}
	}
	return &env, nil
}

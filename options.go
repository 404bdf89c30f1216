package atrest

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"southwinds.dev/atrest/audit"
	"southwinds.dev/atrest/internal/misc"
)

// Options configures a Codec and the Vault built around it.
//
// The zero value is usable: PBKDF2-HMAC-SHA256 at 600,000 iterations, AES-256-GCM,
// derivation offloaded to isolated workers with in-process fallback, all record
// fields copied in the clear next to the envelope, and no logging or auditing.
//
// The work factor is not stored in envelopes. Values encrypted under one
// Iterations or Argon2 setting can only be decrypted by a codec configured the same way.
type Options struct {
	// KDF selects the key derivation function for new envelopes. Existing envelopes
	// name their own KDF and are decrypted with it.
	KDF KDFAlgorithm `json:"kdf,omitempty" yaml:"kdf,omitempty"`

	// Iterations is the PBKDF2 work factor.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Argon2 holds the Argon2id cost parameters. Zero fields take the defaults.
	Argon2 Argon2Params `json:"argon2,omitempty" yaml:"argon2,omitempty"`

	// Cipher selects the AEAD for new envelopes.
	Cipher CipherSuite `json:"cipher,omitempty" yaml:"cipher,omitempty"`

	// DisableOffload derives keys on the calling goroutine.
	DisableOffload bool `json:"disable_offload,omitempty" yaml:"disable_offload,omitempty"`

	// MaxWorkers bounds concurrent offloaded derivations. Defaults to GOMAXPROCS.
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`

	// ClearFields lists the record fields copied unencrypted next to the envelope.
	// nil copies every field; an empty slice copies none. The key field is always kept.
	ClearFields []string `json:"clear_fields,omitempty" yaml:"clear_fields,omitempty"`

	// EnableMemoryLock asks the OS to keep the process out of swap.
	EnableMemoryLock bool `json:"enable_memory_lock,omitempty" yaml:"enable_memory_lock,omitempty"`

	// Deriver replaces the derivation strategy selected by DisableOffload.
	Deriver KeyDeriver `json:"-" yaml:"-"`

	// Audit receives one event per vault operation. Defaults to a no-op logger.
	Audit audit.Logger `json:"-" yaml:"-"`

	// Logger receives operational logs. Defaults to zerolog.Nop().
	Logger *zerolog.Logger `json:"-" yaml:"-"`
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	switch o.KDF {
	case "", PBKDF2SHA256, Argon2id:
	default:
		return fmt.Errorf("unsupported kdf: %q", o.KDF)
	}
	switch o.Cipher {
	case "", AES256GCM, ChaCha20Poly1305:
	default:
		return fmt.Errorf("unsupported cipher: %q", o.Cipher)
	}
	if o.Iterations < 0 {
		return fmt.Errorf("iterations cannot be negative")
	}
	if o.MaxWorkers < 0 {
		return fmt.Errorf("max workers cannot be negative")
	}
	return nil
}

// withDefaults returns a copy with every unset field defaulted
func (o Options) withDefaults() Options {
	if o.KDF == "" {
		o.KDF = PBKDF2SHA256
	}
	if o.Iterations == 0 {
		o.Iterations = misc.PBKDF2Iterations
	}
	if o.Argon2.Time == 0 {
		o.Argon2.Time = misc.ArgonTime
	}
	if o.Argon2.Memory == 0 {
		o.Argon2.Memory = misc.ArgonMemory
	}
	if o.Argon2.Threads == 0 {
		o.Argon2.Threads = misc.ArgonThreads
	}
	if o.Cipher == "" {
		o.Cipher = AES256GCM
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if o.Audit == nil {
		o.Audit = audit.NewNoOpLogger()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Deriver == nil {
		if o.DisableOffload {
			o.Deriver = InProcessDeriver{}
		} else {
			o.Deriver = &FallbackDeriver{
				Primary:   NewIsolatedDeriver(o.MaxWorkers),
				Secondary: InProcessDeriver{},
				Logger:    *o.Logger,
			}
		}
	}
	return o
}

func (o Options) derivationParams() DerivationParams {
	return DerivationParams{
		Algorithm:  o.KDF,
		Iterations: o.Iterations,
		Argon2:     o.Argon2,
	}
}

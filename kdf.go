package atrest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"southwinds.dev/atrest/internal/crypto"
)

// KDFAlgorithm names a password-based key derivation function
type KDFAlgorithm = crypto.KDF

const (
	PBKDF2SHA256 = crypto.PBKDF2SHA256
	Argon2id     = crypto.Argon2id
)

// DerivationParams selects the KDF and its work factor
type DerivationParams = crypto.KDFParams

// Argon2Params are the Argon2id cost parameters
type Argon2Params = crypto.Argon2Params

var (
	// ErrWorkerUnavailable is returned by IsolatedDeriver when every worker slot is busy
	ErrWorkerUnavailable = errors.New("key derivation worker unavailable")
	// ErrWorkerCrashed is returned by IsolatedDeriver when the worker panicked
	ErrWorkerCrashed = errors.New("key derivation worker crashed")
)

// SymmetricKey is a derived 256-bit key held in a memguard enclave. The raw bytes
// are never exposed; the key is only usable through Seal and Open.
type SymmetricKey struct {
	enclave *memguard.Enclave
}

// newSymmetricKey moves raw into an enclave and wipes raw
func newSymmetricKey(raw []byte) *SymmetricKey {
	return &SymmetricKey{enclave: memguard.NewEnclave(raw)}
}

// withKey opens the enclave for the duration of fn
func (k *SymmetricKey) withKey(fn func(key []byte) error) error {
	if k == nil || k.enclave == nil {
		return fmt.Errorf("key has been destroyed")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Equal compares two keys in constant time
func (k *SymmetricKey) Equal(other *SymmetricKey) bool {
	equal := false
	_ = k.withKey(func(a []byte) error {
		return other.withKey(func(b []byte) error {
			equal = subtle.ConstantTimeCompare(a, b) == 1
			return nil
		})
	})
	return equal
}

// Destroy drops the reference to the enclave
func (k *SymmetricKey) Destroy() {
	if k != nil {
		k.enclave = nil
	}
}

// KeyDeriver turns a passphrase and salt into a SymmetricKey. Implementations are
// deterministic for identical inputs and keep no state between calls.
type KeyDeriver interface {
	DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error)
}

type deriveFunc func(passphrase, salt []byte, params crypto.KDFParams) ([]byte, error)

// InProcessDeriver derives on the calling goroutine
type InProcessDeriver struct{}

func (InProcessDeriver) DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, derivationTimeout(err)
	}
	pass := []byte(passphrase)
	defer memguard.WipeBytes(pass)

	raw, err := crypto.DeriveKey(pass, salt, params)
	if err != nil {
		return nil, kdfFailure(err)
	}
	return newSymmetricKey(raw), nil
}

// IsolatedDeriver runs every derivation on a fresh worker goroutine locked to its own
// OS thread, which is discarded when the worker exits. The result comes back as a
// single reply message. At most maxWorkers derivations run at once; a call that
// finds no free slot fails with ErrWorkerUnavailable instead of queueing.
type IsolatedDeriver struct {
	slots  *semaphore.Weighted
	derive deriveFunc
}

// NewIsolatedDeriver creates a deriver with maxWorkers slots (at least one)
func NewIsolatedDeriver(maxWorkers int) *IsolatedDeriver {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &IsolatedDeriver{
		slots:  semaphore.NewWeighted(int64(maxWorkers)),
		derive: crypto.DeriveKey,
	}
}

type deriveReply struct {
	key []byte
	err error
}

// DeriveKey dispatches to a worker and waits for its reply or ctx expiry. On expiry
// the call fails with DerivationTimeout; the worker still runs to completion, then
// wipes its output and exits.
func (d *IsolatedDeriver) DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, derivationTimeout(err)
	}
	if !d.slots.TryAcquire(1) {
		return nil, ErrWorkerUnavailable
	}

	// the worker owns these copies and wipes them
	pass := []byte(passphrase)
	saltCopy := append([]byte(nil), salt...)

	reply := make(chan deriveReply)
	abandoned := make(chan struct{})
	go d.work(pass, saltCopy, params, reply, abandoned)

	select {
	case r := <-reply:
		if r.err != nil {
			if errors.Is(r.err, ErrWorkerCrashed) {
				return nil, r.err
			}
			return nil, kdfFailure(r.err)
		}
		return newSymmetricKey(r.key), nil
	case <-ctx.Done():
		close(abandoned)
		return nil, derivationTimeout(ctx.Err())
	}
}

func (d *IsolatedDeriver) work(pass, salt []byte, params DerivationParams, reply chan<- deriveReply, abandoned <-chan struct{}) {
	// never unlocked: the thread is terminated together with this goroutine
	runtime.LockOSThread()
	defer d.slots.Release(1)

	var r deriveReply
	func() {
		defer func() {
			if p := recover(); p != nil {
				memguard.WipeBytes(r.key)
				r = deriveReply{err: fmt.Errorf("%w: %v", ErrWorkerCrashed, p)}
			}
		}()
		r.key, r.err = d.derive(pass, salt, params)
	}()
	memguard.WipeBytes(pass)
	memguard.WipeBytes(salt)

	select {
	case reply <- r:
	case <-abandoned:
		memguard.WipeBytes(r.key)
	}
}

// FallbackDeriver tries Primary and, when its worker mechanism fails
// (ErrWorkerUnavailable or ErrWorkerCrashed), logs a warning and derives with
// Secondary. Any other error is returned unchanged: the KDF is deterministic, so a
// second run would fail the same way.
type FallbackDeriver struct {
	Primary   KeyDeriver
	Secondary KeyDeriver
	Logger    zerolog.Logger
}

func (f *FallbackDeriver) DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error) {
	key, err := f.Primary.DeriveKey(ctx, passphrase, salt, params)
	if err == nil {
		return key, nil
	}
	if !workerFailure(err) || ctx.Err() != nil {
		return nil, err
	}

	f.Logger.Warn().Err(err).Msg("key derivation worker failed, falling back to in-process derivation")
	return f.Secondary.DeriveKey(ctx, passphrase, salt, params)
}

func workerFailure(err error) bool {
	return errors.Is(err, ErrWorkerUnavailable) || errors.Is(err, ErrWorkerCrashed)
}

// kdfFailure reports a rejected derivation the same way for every deriver
func kdfFailure(err error) error {
	return newError(Other, "derive key", "", err)
}

func derivationTimeout(err error) error {
	return newError(DerivationTimeout, "derive key", "", err)
}

package atrest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/atrest/audit"
	"southwinds.dev/atrest/internal/mem"
	"southwinds.dev/atrest/persist"
)

var _ VaultService = (*Vault)(nil)

// Vault an implementation of VaultService built from a Codec, a Session and an Adapter
type Vault struct {
	codec   *Codec
	session *Session
	adapter *Adapter

	// Memory protection
	memoryProtectionLevel mem.ProtectionLevel

	audit  audit.Logger
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Vault. It fails with UnsupportedEnvironment when the runtime cannot
// produce random bytes or run the configured cipher.
//
// When opts.EnableMemoryLock is set the process memory is locked against swapping.
// This is best effort: a failure is logged and the vault keeps working, with
// memguard still protecting the passphrase and derived keys.
func New(opts Options) (*Vault, error) {
	codec, err := NewCodec(opts)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	session := NewSession()
	v := &Vault{
		codec:                 codec,
		session:               session,
		adapter:               NewAdapter(codec, session, opts),
		memoryProtectionLevel: mem.ProtectionNone,
		audit:                 opts.Audit,
		logger:                *opts.Logger,
	}

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			v.logger.Warn().Err(err).Msg("cannot fully protect memory, memguard still protects keys and passphrases")
		}
		v.memoryProtectionLevel = level
	}

	v.logger.Debug().
		Str("kdf", string(opts.KDF)).
		Str("cipher", string(opts.Cipher)).
		Bool("offload", !opts.DisableOffload).
		Str("memory_protection", v.memoryProtectionLevel.String()).
		Msg("vault ready")
	return v, nil
}

// Adapter returns the adapter used by the vault, for the typed Store, Retrieve and
// RetrieveAll helpers. Its operations are not audited.
func (v *Vault) Adapter() *Adapter {
	return v.adapter
}

// MemoryProtection describes how well the process memory is protected
func (v *Vault) MemoryProtection() string {
	switch v.memoryProtectionLevel {
	case mem.ProtectionNone:
		return "None - sensitive data may be swapped to disk"
	case mem.ProtectionPartial:
		return "Partial - basic memory protection applied"
	case mem.ProtectionFull:
		return "Full - memory locked and protected from swapping"
	default:
		return "Unknown"
	}
}

func (v *Vault) SetPassphrase(passphrase string) {
	v.session.Set(passphrase)
}

func (v *Vault) GetPassphrase() (string, bool) {
	return v.session.Get()
}

func (v *Vault) ClearPassphrase() {
	v.session.Clear()
}

func (v *Vault) HasPassphrase() bool {
	return v.session.Has()
}

func (v *Vault) ValidatePassphrase(passphrase string) Validation {
	return ValidatePassphrase(passphrase)
}

func (v *Vault) StoreEncrypted(ctx context.Context, table persist.Table, record any) (string, error) {
	start := time.Now()
	if err := v.checkOpen("store record"); err != nil {
		return "", err
	}
	key, err := v.adapter.StoreEncrypted(ctx, table, record)
	v.logAudit(audit.ActionStoreRecord, start, err, map[string]interface{}{
		audit.MetaTable:     table.Name(),
		audit.MetaRecordKey: key,
	})
	return key, err
}

func (v *Vault) RetrieveEncrypted(ctx context.Context, table persist.Table, key string) (persist.Document, bool, error) {
	start := time.Now()
	if err := v.checkOpen("retrieve record"); err != nil {
		return nil, false, err
	}
	doc, found, err := v.adapter.RetrieveEncrypted(ctx, table, key)
	v.logAudit(audit.ActionRetrieveRecord, start, err, map[string]interface{}{
		audit.MetaTable:     table.Name(),
		audit.MetaRecordKey: key,
		"found":             found,
	})
	return doc, found, err
}

func (v *Vault) RetrieveAllEncrypted(ctx context.Context, table persist.Table) ([]persist.Document, error) {
	start := time.Now()
	if err := v.checkOpen("retrieve all records"); err != nil {
		return nil, err
	}
	docs, err := v.adapter.RetrieveAllEncrypted(ctx, table)
	v.logAudit(audit.ActionRetrieveAllRecords, start, err, map[string]interface{}{
		audit.MetaTable: table.Name(),
		"count":         len(docs),
	})
	return docs, err
}

func (v *Vault) Encrypt(ctx context.Context, data, passphrase string) (*Envelope, error) {
	start := time.Now()
	if err := v.checkOpen("encrypt"); err != nil {
		return nil, err
	}
	env, err := v.codec.Encrypt(ctx, data, passphrase)
	v.logAudit(audit.ActionEncrypt, start, err, map[string]interface{}{
		"size": len(data),
	})
	return env, err
}

func (v *Vault) Decrypt(ctx context.Context, env *Envelope, passphrase string) (string, error) {
	start := time.Now()
	if err := v.checkOpen("decrypt"); err != nil {
		return "", err
	}
	data, err := v.codec.Decrypt(ctx, env, passphrase)
	v.logAudit(audit.ActionDecrypt, start, err, map[string]interface{}{
		"size": len(data),
	})
	return data, err
}

// Mode returns ModeSetup when table has no records
func (v *Vault) Mode(ctx context.Context, table persist.Table) (Mode, error) {
	n, err := table.Count(ctx)
	if err != nil {
		return "", newError(Other, "mode", fmt.Sprintf("table %s", table.Name()), err)
	}
	if n == 0 {
		return ModeSetup, nil
	}
	return ModeUnlock, nil
}

// Setup starts a session with a newly chosen passphrase. A short passphrase or a
// confirmation that does not match fails with WeakPassphrase and leaves the session
// untouched.
func (v *Vault) Setup(passphrase, confirmation string) error {
	const op = "setup"
	start := time.Now()
	if err := v.checkOpen(op); err != nil {
		return err
	}

	var err error
	if r := ValidateNewPassphrase(passphrase, confirmation); !r.Valid {
		err = newError(WeakPassphrase, op, r.Reason, nil)
	} else {
		v.session.Set(passphrase)
	}
	v.logAudit(audit.ActionSetup, start, err, nil)
	return err
}

// Unlock sets passphrase as the session passphrase and decrypts every record of
// table with it. Any failure clears the session and is returned with its kind. An
// empty table has nothing to check the passphrase against and fails with
// NotAuthenticated; use Setup instead.
func (v *Vault) Unlock(ctx context.Context, table persist.Table, passphrase string) error {
	const op = "unlock"
	start := time.Now()
	if err := v.checkOpen(op); err != nil {
		return err
	}

	err := checkPassphrase(op, passphrase)
	if err == nil {
		err = v.requireRecords(ctx, op, table)
	}
	if err == nil {
		v.session.Set(passphrase)
		if _, err = v.adapter.RetrieveAllEncrypted(ctx, table); err != nil {
			v.session.Clear()
			err = withOp(op, err)
		}
	}
	v.logAudit(audit.ActionUnlock, start, err, map[string]interface{}{
		audit.MetaTable: table.Name(),
	})
	return err
}

func (v *Vault) requireRecords(ctx context.Context, op string, table persist.Table) error {
	mode, err := v.Mode(ctx, table)
	if err != nil {
		return withOp(op, err)
	}
	if mode == ModeSetup {
		v.session.Clear()
		return newError(NotAuthenticated, op, fmt.Sprintf("table %s has no records, set up a passphrase first", table.Name()), nil)
	}
	return nil
}

func (v *Vault) Lock() {
	start := time.Now()
	v.session.Clear()
	v.logAudit(audit.ActionLock, start, nil, nil)
}

// Close ends the session, releases the memory lock taken by New and closes the
// audit logger. Calling it more than once is a no-op.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.session.Clear()

	var errs []error
	if v.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
		v.memoryProtectionLevel = mem.ProtectionNone
	}
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	return errors.Join(errs...)
}

func (v *Vault) checkOpen(op string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return newError(Other, op, "vault is closed", nil)
	}
	return nil
}

// logAudit records one event. Only the error kind is recorded, never its message.
func (v *Vault) logAudit(action string, start time.Time, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[audit.MetaDuration] = time.Since(start).Milliseconds()
	if err != nil {
		metadata[audit.MetaErrorKind] = KindOf(err).String()
	}

	if auditErr := v.audit.Log(action, err == nil, metadata); auditErr != nil {
		v.logger.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		v.logger.Debug().Str("action", action).Str("kind", KindOf(err).String()).Msg("operation failed")
	}
}

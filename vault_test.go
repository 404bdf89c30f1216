package atrest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/atrest/audit"
	"southwinds.dev/atrest/persist"
)

type recordedEvent struct {
	action   string
	success  bool
	metadata map[string]interface{}
}

// recordingAudit keeps every logged event in memory
type recordingAudit struct {
	mu     sync.Mutex
	events []recordedEvent
	closed bool
}

func (r *recordingAudit) Log(action string, success bool, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{action: action, success: success, metadata: metadata})
	return nil
}

func (r *recordingAudit) Query(options audit.QueryOptions) (audit.QueryResult, error) {
	return audit.QueryResult{}, nil
}

func (r *recordingAudit) Close() error {
	r.closed = true
	return nil
}

func (r *recordingAudit) last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestVault(t *testing.T) (*Vault, *recordingAudit, persist.Table) {
	t.Helper()
	rec := &recordingAudit{}
	opts := testOptions()
	opts.Audit = rec
	v, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	table, err := persist.NewMemoryTable("portfolios")
	require.NoError(t, err)
	return v, rec, table
}

func TestVaultSetupAndUnlock(t *testing.T) {
	v, _, table := newTestVault(t)
	ctx := context.Background()

	mode, err := v.Mode(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, ModeSetup, mode)

	err = v.Setup("password123", "password124")
	assert.ErrorIs(t, err, ErrWeakPassphrase)
	assert.False(t, v.HasPassphrase())

	require.NoError(t, v.Setup("password123", "password123"))
	assert.True(t, v.HasPassphrase())

	_, err = v.StoreEncrypted(ctx, table, portfolio{ID: "p-1", Name: "Retirement"})
	require.NoError(t, err)

	mode, err = v.Mode(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, ModeUnlock, mode)

	v.Lock()
	assert.False(t, v.HasPassphrase())
	_, err = v.RetrieveAllEncrypted(ctx, table)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	err = v.Unlock(ctx, table, "wrongpassword")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.True(t, KindOf(err).Recoverable())
	assert.False(t, v.HasPassphrase(), "a failed unlock leaves no session")

	err = v.Unlock(ctx, table, "short")
	assert.ErrorIs(t, err, ErrWeakPassphrase)
	assert.False(t, v.HasPassphrase())

	require.NoError(t, v.Unlock(ctx, table, "password123"))
	p, ok := v.GetPassphrase()
	assert.True(t, ok)
	assert.Equal(t, "password123", p)

	docs, err := v.RetrieveAllEncrypted(ctx, table)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Retirement", docs[0]["name"])

	typed, found, err := Retrieve[portfolio](ctx, v.Adapter(), table, "p-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Retirement", typed.Name)
}

func TestVaultUnlockEmptyTable(t *testing.T) {
	v, rec, table := newTestVault(t)
	ctx := context.Background()

	err := v.Unlock(ctx, table, "password123")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Contains(t, err.Error(), "set up a passphrase first")
	assert.False(t, v.HasPassphrase())
	assert.Equal(t, audit.ActionUnlock, rec.last().action)
	assert.False(t, rec.last().success)

	// a session from Setup does not survive a refused unlock
	require.NoError(t, v.Setup("password123", "password123"))
	require.Error(t, v.Unlock(ctx, table, "password123"))
	assert.False(t, v.HasPassphrase())

	mode, err := v.Mode(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, ModeSetup, mode)
}

func TestVaultNonObjectRecordKeepsTableUnlockable(t *testing.T) {
	v, _, table := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Setup(testPassphrase, testPassphrase))
	_, err := v.StoreEncrypted(ctx, table, portfolio{ID: "p-1", Name: "Retirement"})
	require.NoError(t, err)

	_, err = v.StoreEncrypted(ctx, table, "note")
	assert.ErrorIs(t, err, ErrRecordNotObject)
	assert.NotErrorIs(t, err, ErrDataCorruption)

	v.Lock()
	require.NoError(t, v.Unlock(ctx, table, testPassphrase))
	assert.True(t, v.HasPassphrase())

	docs, err := v.RetrieveAllEncrypted(ctx, table)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestVaultPassphraseAccessors(t *testing.T) {
	v, _, _ := newTestVault(t)

	assert.False(t, v.HasPassphrase())
	v.SetPassphrase(testPassphrase)
	assert.True(t, v.HasPassphrase())
	v.ClearPassphrase()
	assert.False(t, v.HasPassphrase())

	assert.False(t, v.ValidatePassphrase("short").Valid)
	assert.True(t, v.ValidatePassphrase("12345678").Valid)
}

func TestVaultAuditEvents(t *testing.T) {
	v, rec, table := newTestVault(t)
	ctx := context.Background()

	env, err := v.Encrypt(ctx, "Test portfolio data", testPassphrase)
	require.NoError(t, err)
	e := rec.last()
	assert.Equal(t, audit.ActionEncrypt, e.action)
	assert.True(t, e.success)
	assert.Equal(t, len("Test portfolio data"), e.metadata["size"])
	assert.Contains(t, e.metadata, audit.MetaDuration)

	_, err = v.Decrypt(ctx, env, otherPassphrase)
	require.Error(t, err)
	e = rec.last()
	assert.Equal(t, audit.ActionDecrypt, e.action)
	assert.False(t, e.success)
	assert.Equal(t, "wrong passphrase", e.metadata[audit.MetaErrorKind])

	v.SetPassphrase(testPassphrase)
	key, err := v.StoreEncrypted(ctx, table, map[string]any{"name": "Retirement"})
	require.NoError(t, err)
	e = rec.last()
	assert.Equal(t, audit.ActionStoreRecord, e.action)
	assert.Equal(t, "portfolios", e.metadata[audit.MetaTable])
	assert.Equal(t, key, e.metadata[audit.MetaRecordKey])

	_, _, err = v.RetrieveEncrypted(ctx, table, key)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionRetrieveRecord, rec.last().action)

	_, err = v.RetrieveAllEncrypted(ctx, table)
	require.NoError(t, err)
	e = rec.last()
	assert.Equal(t, audit.ActionRetrieveAllRecords, e.action)
	assert.Equal(t, 1, e.metadata["count"])

	v.Lock()
	assert.Equal(t, audit.ActionLock, rec.last().action)

	for _, ev := range rec.events {
		for k, val := range ev.metadata {
			assert.NotEqual(t, testPassphrase, val, k)
			assert.NotEqual(t, "Test portfolio data", val, k)
		}
	}
}

func TestVaultFileAuditHasNoSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Source:  "test",
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)

	var logs bytes.Buffer
	zl := zerolog.New(&logs).Level(zerolog.DebugLevel)
	opts := testOptions()
	opts.Audit = logger
	opts.Logger = &zl
	v, err := New(opts)
	require.NoError(t, err)

	table, err := persist.NewMemoryTable("portfolios")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Setup(testPassphrase, testPassphrase))
	_, err = v.StoreEncrypted(ctx, table, map[string]any{"secret": "Test portfolio data"})
	require.NoError(t, err)
	require.Error(t, v.Unlock(ctx, table, otherPassphrase))
	require.NoError(t, v.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, out := range []string{string(data), logs.String()} {
		assert.NotContains(t, out, testPassphrase)
		assert.NotContains(t, out, otherPassphrase)
		assert.NotContains(t, out, "Test portfolio data")
	}
	assert.Contains(t, string(data), `"action":"unlock"`)
	assert.Contains(t, string(data), `"error":"wrong passphrase"`)
}

func TestVaultClose(t *testing.T) {
	v, rec, table := newTestVault(t)
	v.SetPassphrase(testPassphrase)

	require.NoError(t, v.Close())
	assert.True(t, rec.closed)
	assert.False(t, v.HasPassphrase())
	require.NoError(t, v.Close())

	_, err := v.StoreEncrypted(context.Background(), table, map[string]any{"id": "x"})
	assert.Error(t, err)
	_, err = v.Encrypt(context.Background(), "data", testPassphrase)
	assert.Error(t, err)
}

func TestVaultMemoryProtection(t *testing.T) {
	opts := testOptions()
	opts.EnableMemoryLock = true
	v, err := New(opts)
	require.NoError(t, err)
	defer v.Close()

	// best effort: any level is acceptable, but it must be described
	assert.NotEqual(t, "Unknown", v.MemoryProtection())
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{Cipher: "rot13"})
	assert.Error(t, err)
}

// Package atrest encrypts records at rest under a key derived from a user passphrase.
//
// A Vault owns one Codec, one Session and one Adapter. The passphrase lives only in
// the session; every stored record carries its own salt and IV, and a verification
// block sealed next to the payload tells a wrong passphrase from damaged data.
//
// Basic Usage:
//
//	vault, err := atrest.New(atrest.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	table, _ := persist.NewMemoryTable("portfolio")
//	if err = vault.Setup(passphrase, confirmation); err != nil {
//	    fmt.Println(atrest.KindOf(err).UserMessage())
//	    return
//	}
//	key, err := vault.StoreEncrypted(ctx, table, record)
package atrest

import (
	"context"

	"southwinds.dev/atrest/persist"
)

// Mode tells a front end which passphrase dialog to show
type Mode string

const (
	// ModeSetup means the table is empty and a new passphrase must be chosen.
	ModeSetup Mode = "setup"
	// ModeUnlock means the table holds records and the existing passphrase is required.
	ModeUnlock Mode = "unlock"
)

// VaultService defines the interface for passphrase-gated record encryption.
//
// Every operation that touches a table requires a session passphrase and fails
// with NotAuthenticated without one. Errors are *Error values; use KindOf to
// decide between asking the user again and reporting damaged data.
type VaultService interface {
	// SetPassphrase replaces the session passphrase. An empty value leaves the
	// session empty.
	SetPassphrase(passphrase string)
	// GetPassphrase returns the session passphrase and whether one is set.
	GetPassphrase() (string, bool)
	// ClearPassphrase empties the session.
	ClearPassphrase()
	// HasPassphrase reports whether a session passphrase is set.
	HasPassphrase() bool

	// StoreEncrypted encrypts record and adds it to table, returning its key.
	StoreEncrypted(ctx context.Context, table persist.Table, record any) (string, error)
	// RetrieveEncrypted returns the decrypted record stored under key.
	RetrieveEncrypted(ctx context.Context, table persist.Table, key string) (persist.Document, bool, error)
	// RetrieveAllEncrypted returns every record of table, decrypted, in table order.
	RetrieveAllEncrypted(ctx context.Context, table persist.Table) ([]persist.Document, error)

	// Encrypt seals data under passphrase.
	Encrypt(ctx context.Context, data, passphrase string) (*Envelope, error)
	// Decrypt opens env with passphrase.
	Decrypt(ctx context.Context, env *Envelope, passphrase string) (string, error)
	// ValidatePassphrase applies the passphrase length policy.
	ValidatePassphrase(passphrase string) Validation

	// Mode returns ModeSetup for an empty table and ModeUnlock otherwise.
	Mode(ctx context.Context, table persist.Table) (Mode, error)
	// Setup validates a new passphrase and its confirmation, then starts a session.
	Setup(passphrase, confirmation string) error
	// Unlock starts a session and proves the passphrase against every record of
	// table. On failure the session is left empty.
	Unlock(ctx context.Context, table persist.Table, passphrase string) error
	// Lock ends the session.
	Lock()

	// Close ends the session and releases the audit logger.
	Close() error
}

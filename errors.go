package atrest

import (
	"errors"
	"strings"
)

// Kind classifies an error. Kinds are semantically meaningful and drive what the
// caller shows the user: a prompt to try again or a report of damaged data.
type Kind int

const (
	// Other indicates an unclassified error, typically from the table backend.
	Other Kind = iota
	// WeakPassphrase indicates the passphrase failed the length policy.
	WeakPassphrase
	// NotAuthenticated indicates no session passphrase is set.
	NotAuthenticated
	// WrongPassphrase indicates the verification block failed authentication.
	WrongPassphrase
	// DataCorruption indicates the envelope is malformed or the verification
	// block decrypted to an unexpected value.
	DataCorruption
	// DecryptionFailed indicates the passphrase verified but the payload did not.
	DecryptionFailed
	// UnsupportedEnvironment indicates the runtime lacks a working CSPRNG or AEAD.
	UnsupportedEnvironment
	// DerivationTimeout indicates the caller's context expired during key derivation.
	DerivationTimeout

	maxKind
)

var kinds = map[Kind]string{
	Other:                  "unknown error",
	WeakPassphrase:         "weak passphrase",
	NotAuthenticated:       "not authenticated",
	WrongPassphrase:        "wrong passphrase",
	DataCorruption:         "data corruption",
	DecryptionFailed:       "decryption failed",
	UnsupportedEnvironment: "unsupported environment",
	DerivationTimeout:      "key derivation timed out",
}

var userMessages = map[Kind]string{
	Other:                  "Something went wrong. Please try again.",
	WeakPassphrase:         "Passphrase must be at least 8 characters long.",
	NotAuthenticated:       "Encryption passphrase not set. Please authenticate first.",
	WrongPassphrase:        "Invalid passphrase. Please try again.",
	DataCorruption:         "Your data appears to be damaged and cannot be read.",
	DecryptionFailed:       "Your data appears to be damaged and cannot be read.",
	UnsupportedEnvironment: "Encryption is not available in this environment.",
	DerivationTimeout:      "Unlocking took too long. Please try again.",
}

// String returns a short description of the kind, suitable for logs and audit events.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return kinds[Other]
}

// UserMessage returns the message to show an end user for this kind.
func (k Kind) UserMessage() string {
	if s, ok := userMessages[k]; ok {
		return s
	}
	return userMessages[Other]
}

// Recoverable tells whether the user can fix the failure by entering a passphrase
// again. Corruption and decryption failures are not recoverable this way.
func (k Kind) Recoverable() bool {
	switch k {
	case WeakPassphrase, NotAuthenticated, WrongPassphrase, DerivationTimeout:
		return true
	}
	return false
}

// Error is the error type returned by this package. Messages never contain
// passphrases, key material or plaintext.
type Error struct {
	// Kind is the error's class.
	Kind Kind
	// Op is the operation that failed, e.g. "decrypt".
	Op string
	// Message is an optional detail.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrWeakPassphrase         = &Error{Kind: WeakPassphrase}
	ErrNotAuthenticated       = &Error{Kind: NotAuthenticated}
	ErrWrongPassphrase        = &Error{Kind: WrongPassphrase}
	ErrDataCorruption         = &Error{Kind: DataCorruption}
	ErrDecryptionFailed       = &Error{Kind: DecryptionFailed}
	ErrUnsupportedEnvironment = &Error{Kind: UnsupportedEnvironment}
	ErrDerivationTimeout      = &Error{Kind: DerivationTimeout}
)

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	var inner *Error
	nested := errors.As(e.Err, &inner) && inner.Kind == e.Kind
	if !nested && (e.Kind != Other || len(parts) == 0 && e.Err == nil) {
		parts = append(parts, e.Kind.String())
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches targets of type *Error by kind, and by operation when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// KindOf returns the kind of the first *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

package atrest

import (
	"fmt"
	"unicode/utf8"

	"southwinds.dev/atrest/internal/misc"
)

// Validation is the outcome of a passphrase policy check
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidatePassphrase applies the only passphrase policy: at least eight characters,
// counted as Unicode code points. There is no upper bound and no character class rule.
func ValidatePassphrase(candidate string) Validation {
	if utf8.RuneCountInString(candidate) < misc.MinPassphraseLength {
		return Validation{
			Valid:  false,
			Reason: fmt.Sprintf("Passphrase must be at least %d characters long", misc.MinPassphraseLength),
		}
	}
	return Validation{Valid: true}
}

// ValidateNewPassphrase validates a passphrase being chosen for the first time,
// which must also match its confirmation
func ValidateNewPassphrase(candidate, confirmation string) Validation {
	if v := ValidatePassphrase(candidate); !v.Valid {
		return v
	}
	if candidate != confirmation {
		return Validation{Valid: false, Reason: "Passphrases do not match"}
	}
	return Validation{Valid: true}
}

// checkPassphrase turns a failed validation into a WeakPassphrase error for op
func checkPassphrase(op, candidate string) error {
	if v := ValidatePassphrase(candidate); !v.Valid {
		return newError(WeakPassphrase, op, v.Reason, nil)
	}
	return nil
}

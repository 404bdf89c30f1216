package atrest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePassphrase(t *testing.T) {
	cases := []struct {
		candidate string
		valid     bool
	}{
		{"", false},
		{"short", false},
		{"1234567", false},
		{"12345678", true},
		{"a much longer passphrase", true},
		{"пароль12", true}, // eight code points, more bytes
		{"密码密码密码密", false},
		// characters outside the BMP count once each, not per UTF-16 unit
		{strings.Repeat("\U0001F511", 4), false},
		{strings.Repeat("\U0001F511", 7), false},
		{strings.Repeat("\U0001F511", 8), true},
		{"abcd\U0001F511\U0001F511", false},
		{"abcdef\U0001F511\U0001F511", true},
	}
	for _, tc := range cases {
		v := ValidatePassphrase(tc.candidate)
		assert.Equal(t, tc.valid, v.Valid, tc.candidate)
		if !tc.valid {
			assert.Equal(t, "Passphrase must be at least 8 characters long", v.Reason)
		}
	}
}

func TestValidateNewPassphrase(t *testing.T) {
	assert.True(t, ValidateNewPassphrase("12345678", "12345678").Valid)

	v := ValidateNewPassphrase("12345678", "12345679")
	assert.False(t, v.Valid)
	assert.Equal(t, "Passphrases do not match", v.Reason)

	// the length rule is reported first
	v = ValidateNewPassphrase("short", "other")
	assert.Equal(t, "Passphrase must be at least 8 characters long", v.Reason)
}

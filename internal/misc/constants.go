package misc

const (
	// PBKDF2Iterations is the default work factor for PBKDF2-HMAC-SHA256
	PBKDF2Iterations = 600000

	// Argon2id defaults, used when the Argon2id KDF is selected
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4

	KeyLen   = 32 // 256-bit symmetric key
	SaltSize = 16 // 128-bit KDF salt
	IVSize   = 12 // 96-bit AEAD nonce
	TagSize  = 16 // 128-bit AEAD tag

	// VerificationString is sealed next to every payload to tell a wrong passphrase from corruption
	VerificationString = "VALID_PASSPHRASE_V1"

	// MinPassphraseLength is the only passphrase policy: a length floor
	MinPassphraseLength = 8

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

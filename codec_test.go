package atrest

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/atrest/internal/misc"
)

const (
	testPassphrase  = "correct horse battery"
	otherPassphrase = "tr0ub4dor and 3"
	testIterations  = 1000
)

// testOptions keeps the work factor low so the suite stays fast
func testOptions() Options {
	return Options{Iterations: testIterations}
}

func newTestCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := NewCodec(opts)
	require.NoError(t, err)
	return c
}

// countingDeriver records how often key derivation was requested
type countingDeriver struct {
	calls atomic.Int32
	inner KeyDeriver
}

func (d *countingDeriver) DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error) {
	d.calls.Add(1)
	return d.inner.DeriveKey(ctx, passphrase, salt, params)
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	cases := []string{
		"",
		"Hello, World!",
		"Special chars: !@#$%^&*()_+{}|",
		"Unicode: こんにちは",
		strings.Repeat("A very long string ", 600),
		`{"id":"p-1","holdings":[{"symbol":"VTI","shares":12.5}]}`,
	}
	for _, data := range cases {
		env, err := c.Encrypt(ctx, data, testPassphrase)
		require.NoError(t, err)
		assert.Empty(t, env.Scheme, "default scheme is omitted")

		got, err := c.Decrypt(ctx, env, testPassphrase)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestCodecEnvelopeShape(t *testing.T) {
	c := newTestCodec(t, testOptions())
	env, err := c.Encrypt(context.Background(), "portfolio", testPassphrase)
	require.NoError(t, err)

	decode := func(s string) []byte {
		b, err := base64.StdEncoding.DecodeString(s)
		require.NoError(t, err)
		return b
	}
	assert.Len(t, decode(env.IV), misc.IVSize)
	assert.Len(t, decode(env.Salt), misc.SaltSize)
	assert.Len(t, decode(env.Ciphertext), len("portfolio")+misc.TagSize)
	assert.Len(t, decode(env.Verification), len(misc.VerificationString)+misc.TagSize)
}

func TestCodecRandomization(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	a, err := c.Encrypt(ctx, "same plaintext", testPassphrase)
	require.NoError(t, err)
	b, err := c.Encrypt(ctx, "same plaintext", testPassphrase)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.Verification, b.Verification)
}

func TestCodecWrongPassphrase(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		env, err := c.Encrypt(ctx, "Test portfolio data", testPassphrase)
		require.NoError(t, err)

		_, err = c.Decrypt(ctx, env, otherPassphrase)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWrongPassphrase)
		assert.NotEqual(t, DataCorruption, KindOf(err))
	}
}

func TestCodecPortfolioScenario(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	env, err := c.Encrypt(ctx, "Test portfolio data", "testpassphrase123")
	require.NoError(t, err)

	got, err := c.Decrypt(ctx, env, "testpassphrase123")
	require.NoError(t, err)
	assert.Equal(t, "Test portfolio data", got)

	_, err = c.Decrypt(ctx, env, "wrongpassphrase123")
	assert.Equal(t, WrongPassphrase, KindOf(err))
}

func TestCodecWeakPassphraseSkipsDerivation(t *testing.T) {
	counter := &countingDeriver{inner: InProcessDeriver{}}
	opts := testOptions()
	opts.Deriver = counter
	c := newTestCodec(t, opts)
	ctx := context.Background()

	_, err := c.Encrypt(ctx, "data", "short")
	require.Error(t, err)
	assert.Equal(t, WeakPassphrase, KindOf(err))
	assert.Equal(t, int32(0), counter.calls.Load())

	_, err = c.Decrypt(ctx, &Envelope{}, "1234567")
	assert.ErrorIs(t, err, ErrWeakPassphrase)
	assert.Equal(t, int32(0), counter.calls.Load())

	// exactly eight characters is accepted
	env, err := c.Encrypt(ctx, "data", "12345678")
	require.NoError(t, err)
	assert.Equal(t, int32(1), counter.calls.Load())

	got, err := c.Decrypt(ctx, env, "12345678")
	require.NoError(t, err)
	assert.Equal(t, "data", got)
	assert.Equal(t, int32(2), counter.calls.Load())
}

func TestCodecMalformedEnvelopeSkipsDerivation(t *testing.T) {
	counter := &countingDeriver{inner: InProcessDeriver{}}
	opts := testOptions()
	opts.Deriver = counter
	c := newTestCodec(t, opts)
	ctx := context.Background()

	good, err := c.Encrypt(ctx, "data", testPassphrase)
	require.NoError(t, err)
	counter.calls.Store(0)

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	cases := map[string]func(e *Envelope){
		"bad base64":         func(e *Envelope) { e.Ciphertext = "not base64!!" },
		"short iv":           func(e *Envelope) { e.IV = base64.StdEncoding.EncodeToString(make([]byte, 8)) },
		"short salt":         func(e *Envelope) { e.Salt = base64.StdEncoding.EncodeToString(make([]byte, 4)) },
		"empty verification": func(e *Envelope) { e.Verification = "" },
		"short verification": func(e *Envelope) { e.Verification = short },
		"short ciphertext":   func(e *Envelope) { e.Ciphertext = short },
		"unknown scheme":     func(e *Envelope) { e.Scheme = "scrypt+aes-256-gcm" },
		"malformed scheme":   func(e *Envelope) { e.Scheme = "pbkdf2-sha256" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := *good
			mutate(&env)
			_, err := c.Decrypt(ctx, &env, testPassphrase)
			assert.ErrorIs(t, err, ErrDataCorruption)
		})
	}
	assert.Equal(t, int32(0), counter.calls.Load())

	_, err = c.Decrypt(ctx, nil, testPassphrase)
	assert.ErrorIs(t, err, ErrDataCorruption)
}

func TestCodecVerificationMismatchIsCorruption(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	env, err := c.Encrypt(ctx, "data", testPassphrase)
	require.NoError(t, err)
	d, err := env.decode()
	require.NoError(t, err)

	// reseal a different constant under the very same key and iv
	key, err := InProcessDeriver{}.DeriveKey(ctx, testPassphrase, d.salt, c.params)
	require.NoError(t, err)
	defer key.Destroy()
	forged, err := Seal(d.suite, key, d.iv, []byte("VALID_PASSPHRASE_V0"))
	require.NoError(t, err)
	env.Verification = base64.StdEncoding.EncodeToString(forged)

	_, err = c.Decrypt(ctx, env, testPassphrase)
	assert.ErrorIs(t, err, ErrDataCorruption)
	assert.False(t, KindOf(err).Recoverable())
}

func TestCodecTamperedPayload(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	env, err := c.Encrypt(ctx, "Test portfolio data", testPassphrase)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(ctx, env, testPassphrase)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Equal(t, "Your data appears to be damaged and cannot be read.", KindOf(err).UserMessage())
}

func TestCodecSchemes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		opts   Options
		scheme string
	}{
		{"chacha20", Options{Iterations: testIterations, Cipher: ChaCha20Poly1305}, "pbkdf2-sha256+chacha20-poly1305"},
		{"argon2id", Options{KDF: Argon2id, Argon2: Argon2Params{Time: 1, Memory: 1024, Threads: 1}}, "argon2id+aes-256-gcm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCodec(t, tc.opts)
			env, err := c.Encrypt(ctx, "data", testPassphrase)
			require.NoError(t, err)
			assert.Equal(t, tc.scheme, env.Scheme)

			got, err := c.Decrypt(ctx, env, testPassphrase)
			require.NoError(t, err)
			assert.Equal(t, "data", got)

			// the envelope names its scheme, so a default codec with the same work factor opens it
			dflt := newTestCodec(t, Options{Iterations: testIterations, Argon2: tc.opts.Argon2})
			got, err = dflt.Decrypt(ctx, env, testPassphrase)
			require.NoError(t, err)
			assert.Equal(t, "data", got)
		})
	}
}

func TestCodecConcurrentUse(t *testing.T) {
	c := newTestCodec(t, testOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := c.Encrypt(ctx, "concurrent", testPassphrase)
			if err != nil {
				errs <- err
				return
			}
			got, err := c.Decrypt(ctx, env, testPassphrase)
			if err == nil && got != "concurrent" {
				err = errors.New("round trip mismatch")
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewCodecOptions(t *testing.T) {
	_, err := NewCodec(Options{Cipher: "des"})
	assert.Error(t, err)
	_, err = NewCodec(Options{KDF: "md5"})
	assert.Error(t, err)
	_, err = NewCodec(Options{Iterations: -1})
	assert.Error(t, err)

	c, err := NewCodec(Options{})
	require.NoError(t, err)
	assert.Equal(t, PBKDF2SHA256, c.params.Algorithm)
	assert.Equal(t, 600000, c.params.Iterations)
	assert.Equal(t, AES256GCM, c.suite)
	assert.IsType(t, &FallbackDeriver{}, c.deriver)

	c, err = NewCodec(Options{DisableOffload: true})
	require.NoError(t, err)
	assert.IsType(t, InProcessDeriver{}, c.deriver)
}

package atrest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/atrest/internal/crypto"
)

var testParams = DerivationParams{Algorithm: PBKDF2SHA256, Iterations: testIterations}

func testSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	return salt
}

// stubDeriver fails with err, or succeeds through InProcessDeriver when err is nil
type stubDeriver struct {
	err   error
	calls int
}

func (s *stubDeriver) DeriveKey(ctx context.Context, passphrase string, salt []byte, params DerivationParams) (*SymmetricKey, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return InProcessDeriver{}.DeriveKey(ctx, passphrase, salt, params)
}

func TestDerivationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	salt := testSalt(t)

	derivers := map[string]KeyDeriver{
		"in-process": InProcessDeriver{},
		"isolated":   NewIsolatedDeriver(2),
	}
	for name, d := range derivers {
		t.Run(name, func(t *testing.T) {
			a, err := d.DeriveKey(ctx, testPassphrase, salt, testParams)
			require.NoError(t, err)
			b, err := d.DeriveKey(ctx, testPassphrase, salt, testParams)
			require.NoError(t, err)
			assert.True(t, a.Equal(b))

			c, err := d.DeriveKey(ctx, otherPassphrase, salt, testParams)
			require.NoError(t, err)
			assert.False(t, a.Equal(c))

			d2, err := d.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
			require.NoError(t, err)
			assert.False(t, a.Equal(d2))
		})
	}

	// both strategies agree
	a, err := InProcessDeriver{}.DeriveKey(ctx, testPassphrase, salt, testParams)
	require.NoError(t, err)
	b, err := NewIsolatedDeriver(1).DeriveKey(ctx, testPassphrase, salt, testParams)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestSymmetricKeyDestroy(t *testing.T) {
	key, err := InProcessDeriver{}.DeriveKey(context.Background(), testPassphrase, testSalt(t), testParams)
	require.NoError(t, err)

	key.Destroy()
	_, err = Seal(AES256GCM, key, make([]byte, 12), []byte("data"))
	assert.Error(t, err)
	assert.False(t, key.Equal(key))
}

func TestIsolatedDeriverDeadline(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	d := NewIsolatedDeriver(1)
	d.derive = func(passphrase, salt []byte, params crypto.KDFParams) ([]byte, error) {
		<-release
		defer close(finished)
		return crypto.DeriveKey(passphrase, salt, params)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDerivationTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// the abandoned worker still completes and frees its slot
	close(release)
	<-finished
	require.Eventually(t, func() bool {
		if !d.slots.TryAcquire(1) {
			return false
		}
		d.slots.Release(1)
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestIsolatedDeriverCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIsolatedDeriver(1).DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
	assert.Equal(t, DerivationTimeout, KindOf(err))

	_, err = InProcessDeriver{}.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
	assert.Equal(t, DerivationTimeout, KindOf(err))
}

func TestIsolatedDeriverUnavailable(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := NewIsolatedDeriver(1)
	d.derive = func(passphrase, salt []byte, params crypto.KDFParams) ([]byte, error) {
		close(started)
		<-release
		return crypto.DeriveKey(passphrase, salt, params)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.DeriveKey(context.Background(), testPassphrase, testSalt(t), testParams)
		done <- err
	}()
	<-started

	_, err := d.DeriveKey(context.Background(), testPassphrase, testSalt(t), testParams)
	assert.ErrorIs(t, err, ErrWorkerUnavailable)

	close(release)
	assert.NoError(t, <-done)
}

func TestIsolatedDeriverWipesWorkerCopies(t *testing.T) {
	var seenPass, seenSalt []byte
	d := NewIsolatedDeriver(1)
	d.derive = func(passphrase, salt []byte, params crypto.KDFParams) ([]byte, error) {
		seenPass, seenSalt = passphrase, salt
		return crypto.DeriveKey(passphrase, salt, params)
	}

	salt := testSalt(t)
	original := append([]byte(nil), salt...)
	_, err := d.DeriveKey(context.Background(), testPassphrase, salt, testParams)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, len(testPassphrase)), seenPass)
	assert.Equal(t, make([]byte, len(salt)), seenSalt)
	// the caller's salt is untouched
	assert.Equal(t, original, salt)
}

func TestIsolatedDeriverCrash(t *testing.T) {
	d := NewIsolatedDeriver(1)
	d.derive = func(passphrase, salt []byte, params crypto.KDFParams) ([]byte, error) {
		panic("out of memory")
	}

	_, err := d.DeriveKey(context.Background(), testPassphrase, testSalt(t), testParams)
	assert.ErrorIs(t, err, ErrWorkerCrashed)

	// the slot is released after a crash
	assert.Eventually(t, func() bool { return d.slots.TryAcquire(1) }, time.Second, 5*time.Millisecond)
}

func TestFallbackDeriver(t *testing.T) {
	ctx := context.Background()

	t.Run("PrimaryWorks", func(t *testing.T) {
		primary, secondary := &stubDeriver{}, &stubDeriver{}
		f := &FallbackDeriver{Primary: primary, Secondary: secondary, Logger: zerolog.Nop()}
		_, err := f.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
		require.NoError(t, err)
		assert.Equal(t, 1, primary.calls)
		assert.Equal(t, 0, secondary.calls)
	})

	for _, failure := range []error{ErrWorkerUnavailable, ErrWorkerCrashed, fmt.Errorf("%w: stack overflow", ErrWorkerCrashed)} {
		t.Run(failure.Error(), func(t *testing.T) {
			var logs bytes.Buffer
			primary, secondary := &stubDeriver{err: failure}, &stubDeriver{}
			f := &FallbackDeriver{Primary: primary, Secondary: secondary, Logger: zerolog.New(&logs)}

			salt := testSalt(t)
			key, err := f.DeriveKey(ctx, testPassphrase, salt, testParams)
			require.NoError(t, err)
			assert.Equal(t, 1, secondary.calls)
			assert.Contains(t, logs.String(), `"level":"warn"`)
			assert.NotContains(t, logs.String(), testPassphrase)

			want, err := InProcessDeriver{}.DeriveKey(ctx, testPassphrase, salt, testParams)
			require.NoError(t, err)
			assert.True(t, key.Equal(want))
		})
	}

	t.Run("KDFErrorIsNotRetried", func(t *testing.T) {
		kdfErr := kdfFailure(errors.New("salt must be 16 bytes, got 3"))
		primary, secondary := &stubDeriver{err: kdfErr}, &stubDeriver{}
		f := &FallbackDeriver{Primary: primary, Secondary: secondary, Logger: zerolog.Nop()}
		_, err := f.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
		assert.Same(t, kdfErr, err)
		assert.Equal(t, 0, secondary.calls)
	})

	t.Run("IsolatedKDFErrorIsNotRetried", func(t *testing.T) {
		isolated := NewIsolatedDeriver(1)
		secondary := &stubDeriver{}
		f := &FallbackDeriver{Primary: isolated, Secondary: secondary, Logger: zerolog.Nop()}
		_, err := f.DeriveKey(ctx, testPassphrase, []byte("abc"), testParams)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrWorkerCrashed)
		assert.Equal(t, 0, secondary.calls)

		_, inProcessErr := InProcessDeriver{}.DeriveKey(ctx, testPassphrase, []byte("abc"), testParams)
		require.Error(t, inProcessErr)
		assert.Equal(t, KindOf(inProcessErr), KindOf(err))
		assert.Equal(t, inProcessErr.Error(), err.Error())
	})

	t.Run("TimeoutIsNotRetried", func(t *testing.T) {
		primary := &stubDeriver{err: derivationTimeout(context.DeadlineExceeded)}
		secondary := &stubDeriver{}
		f := &FallbackDeriver{Primary: primary, Secondary: secondary, Logger: zerolog.Nop()}
		_, err := f.DeriveKey(ctx, testPassphrase, testSalt(t), testParams)
		assert.ErrorIs(t, err, ErrDerivationTimeout)
		assert.Equal(t, 0, secondary.calls)
	})
}

package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/atrest"
)

// runCLI executes the root command with args and returns what it printed to stdout
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w

	done := make(chan string)
	go func() {
		out, _ := io.ReadAll(r)
		done <- string(out)
	}()

	rootCmd.SetArgs(args)
	runErr := rootCmd.ExecuteContext(context.Background())

	_ = w.Close()
	os.Stdout = stdout
	out := <-done

	// a failed command skips the post run hook
	_ = closeAll()
	return out, runErr
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
		outputJSON = false
		auditJsonOutput = false
	})
}

func TestCLIRecordLifecycle(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	common := []string{
		"--table-type", "filesystem",
		"--base-path", dir,
		"-t", "portfolio",
		"--iterations", "1000",
		"--no-offload",
		"--audit",
		"--audit-file", filepath.Join(dir, "audit.log"),
	}
	with := func(args ...string) []string {
		return append(args, common...)
	}

	out, err := runCLI(t, with("mode")...)
	require.NoError(t, err)
	assert.Equal(t, "setup\n", out)

	out, err = runCLI(t, with("record", "put", `{"id":"acct-1","owner":"alex","balance":1200}`, "--passphrase", "password123")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Record 'acct-1' stored in table 'portfolio'")

	out, err = runCLI(t, with("mode")...)
	require.NoError(t, err)
	assert.Equal(t, "unlock\n", out)

	out, err = runCLI(t, with("record", "count")...)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = runCLI(t, with("record", "get", "acct-1", "--passphrase", "wrongpassword")...)
	require.Error(t, err)
	assert.ErrorIs(t, err, atrest.ErrWrongPassphrase)
	assert.Contains(t, formatError(err), "Invalid passphrase. Please try again.")

	out, err = runCLI(t, with("record", "get", "acct-1", "--passphrase", "password123")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"owner": "alex"`)
	assert.Contains(t, out, `"balance": 1200`)

	raw, err := os.ReadFile(filepath.Join(dir, "portfolio", "records", "acct-1.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "password123")

	out, err = runCLI(t, with("audit", "failures", "--json")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"action": "unlock"`)
	assert.Contains(t, out, `"error": "wrong passphrase"`)
	assert.NotContains(t, out, "wrongpassword")
}

func TestCLIPutRejectsNonObjectRecords(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	common := []string{
		"--table-type", "filesystem",
		"--base-path", dir,
		"-t", "portfolio",
		"--iterations", "1000",
		"--no-offload",
	}

	for _, record := range []string{"null", "[1,2]", `"note"`, "42"} {
		_, err := runCLI(t, append([]string{"record", "put", record, "--passphrase", "password123"}, common...)...)
		require.Error(t, err, record)
		assert.Contains(t, err.Error(), "record must be a JSON object")
	}

	out, err := runCLI(t, append([]string{"mode"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "setup\n", out)
}

func TestCLIEncryptRejectsWeakPassphrase(t *testing.T) {
	resetFlags(t)
	_, err := runCLI(t, "encrypt", "hello", "--passphrase", "short", "--no-offload", "--iterations", "1000")
	require.Error(t, err)
	assert.ErrorIs(t, err, atrest.ErrWeakPassphrase)
}

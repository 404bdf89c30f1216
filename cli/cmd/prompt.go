package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"golang.org/x/term"
	"southwinds.dev/atrest"
	"southwinds.dev/atrest/persist"
)

// promptPassphrase reads a passphrase from the terminal without echo
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no passphrase given and stdin is not a terminal (use --passphrase or ATREST_PASSPHRASE)")
	}

	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(passphrase), nil
}

// passphrase returns the configured passphrase or prompts for one
func passphrase(prompt string) (string, error) {
	if p := viper.GetString("passphrase"); p != "" {
		return p, nil
	}
	return promptPassphrase(prompt)
}

// newPassphrase returns a passphrase and its confirmation. A configured passphrase
// confirms itself.
func newPassphrase() (string, string, error) {
	if p := viper.GetString("passphrase"); p != "" {
		return p, p, nil
	}
	p, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return "", "", err
	}
	confirmation, err := promptPassphrase("Confirm passphrase: ")
	if err != nil {
		return "", "", err
	}
	return p, confirmation, nil
}

// openSession gates access to the table: an empty table sets up a new passphrase,
// otherwise the passphrase must decrypt every stored record
func openSession(ctx context.Context, t persist.Table) error {
	mode, err := vaultSvc.Mode(ctx, t)
	if err != nil {
		return err
	}

	if mode == atrest.ModeSetup {
		p, confirmation, err := newPassphrase()
		if err != nil {
			return err
		}
		if err = vaultSvc.Setup(p, confirmation); err != nil {
			return err
		}
		logger.Info().Str("table", t.Name()).Msg("passphrase set up for empty table")
		return nil
	}

	p, err := passphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return vaultSvc.Unlock(ctx, t, p)
}

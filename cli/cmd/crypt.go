package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"southwinds.dev/atrest"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [data]",
	Short: "Encrypt a value into an envelope",
	Long: `Encrypt a string under the passphrase and print the envelope as JSON. The
value can be given inline, read from a file with --file, or piped on stdin.
Nothing is written to the table.`,
	Args: cobra.MaximumNArgs(1),
	RunE: encryptValue,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [envelope-json]",
	Short: "Decrypt an envelope",
	Long: `Decrypt an envelope produced by "atrest encrypt" and print the plaintext.
A wrong passphrase and a damaged envelope are reported differently.`,
	Args: cobra.MaximumNArgs(1),
	RunE: decryptValue,
}

var checkPassphraseCmd = &cobra.Command{
	Use:   "check-passphrase",
	Short: "Check a passphrase against the length policy",
	RunE:  checkPassphrase,
}

var cryptFile string

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(checkPassphraseCmd)

	encryptCmd.Flags().StringVarP(&cryptFile, "file", "f", "", "read the value from file (use '-' for stdin)")
	decryptCmd.Flags().StringVarP(&cryptFile, "file", "f", "", "read the envelope from file (use '-' for stdin)")
}

func encryptValue(cmd *cobra.Command, args []string) error {
	data, err := readInput(args)
	if err != nil {
		return fmt.Errorf("failed to read value: %w", err)
	}
	p, err := passphrase("Passphrase: ")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	env, err := vaultSvc.Encrypt(ctx, string(data), p)
	if err != nil {
		return err
	}
	return printJSON(env)
}

func decryptValue(cmd *cobra.Command, args []string) error {
	data, err := readInput(args)
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}

	var env atrest.Envelope
	if err = json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("envelope must be a JSON object: %w", err)
	}

	p, err := passphrase("Passphrase: ")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	plaintext, err := vaultSvc.Decrypt(ctx, &env, p)
	if err != nil {
		return err
	}
	fmt.Println(plaintext)
	return nil
}

func checkPassphrase(cmd *cobra.Command, args []string) error {
	p, err := passphrase("Passphrase: ")
	if err != nil {
		return err
	}
	v := vaultSvc.ValidatePassphrase(p)
	if !v.Valid {
		return fmt.Errorf("%s", v.Reason)
	}
	fmt.Println("✓ Passphrase meets the policy")
	return nil
}

func readInput(args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	if cryptFile != "" && cryptFile != "-" {
		return os.ReadFile(cryptFile)
	}
	return io.ReadAll(os.Stdin)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/atrest/persist"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Store and read encrypted records",
	Long: `Store JSON records encrypted under your passphrase and read them back.

The first record written to an empty table sets the passphrase. After that every
command must present a passphrase that decrypts all stored records.`,
}

var putRecordCmd = &cobra.Command{
	Use:   "put [json]",
	Short: "Encrypt and store a record",
	Long: `Encrypt and store a JSON object. The record can be given inline, read from a
file with --file, or piped on stdin. An "id" field becomes the record key;
without one a UUID is assigned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: putRecord,
}

var getRecordCmd = &cobra.Command{
	Use:   "get [record-key]",
	Short: "Retrieve and decrypt a record",
	Args:  cobra.ExactArgs(1),
	RunE:  getRecord,
}

var listRecordsCmd = &cobra.Command{
	Use:   "list",
	Short: "Decrypt and list every record",
	RunE:  listRecords,
}

var countRecordsCmd = &cobra.Command{
	Use:   "count",
	Short: "Count stored records without decrypting them",
	RunE:  countRecords,
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show whether the table needs a new passphrase or an existing one",
	Long: `Print "setup" when the table is empty and the next passphrase becomes the
table passphrase, or "unlock" when records exist and the passphrase must match them.`,
	RunE: showMode,
}

var (
	recordFile string
	outputJSON bool
)

func init() {
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(modeCmd)

	recordCmd.AddCommand(putRecordCmd)
	recordCmd.AddCommand(getRecordCmd)
	recordCmd.AddCommand(listRecordsCmd)
	recordCmd.AddCommand(countRecordsCmd)

	putRecordCmd.Flags().StringVarP(&recordFile, "file", "f", "", "read the record from file (use '-' for stdin)")
	listRecordsCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func putRecord(cmd *cobra.Command, args []string) error {
	data, err := readRecordData(args)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	var record map[string]any
	if err = json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("record must be a JSON object: %w", err)
	}
	if record == nil {
		return fmt.Errorf("record must be a JSON object, got null")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := openTable()
	if err != nil {
		return err
	}
	if err = openSession(ctx, t); err != nil {
		return err
	}

	key, err := vaultSvc.StoreEncrypted(ctx, t, record)
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	fmt.Printf("Record '%s' stored in table '%s'\n", key, t.Name())
	return nil
}

func getRecord(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := openTable()
	if err != nil {
		return err
	}
	if err = openSession(ctx, t); err != nil {
		return err
	}

	doc, found, err := vaultSvc.RetrieveEncrypted(ctx, t, args[0])
	if err != nil {
		return fmt.Errorf("failed to retrieve record: %w", err)
	}
	if !found {
		return fmt.Errorf("record '%s' not found in table '%s'", args[0], t.Name())
	}
	return printJSON(doc)
}

func listRecords(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := openTable()
	if err != nil {
		return err
	}
	if err = openSession(ctx, t); err != nil {
		return err
	}

	docs, err := vaultSvc.RetrieveAllEncrypted(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	if outputJSON {
		return printJSON(docs)
	}

	if len(docs) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFIELDS")
	for _, doc := range docs {
		fmt.Fprintf(w, "%s\t%s\n", recordID(doc), strings.Join(fieldNames(doc), ","))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d records\n", len(docs))
	return nil
}

func countRecords(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := openTable()
	if err != nil {
		return err
	}
	n, err := t.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}
	fmt.Println(n)
	return nil
}

func showMode(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	t, err := openTable()
	if err != nil {
		return err
	}
	mode, err := vaultSvc.Mode(ctx, t)
	if err != nil {
		return err
	}
	fmt.Println(mode)
	return nil
}

func readRecordData(args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	if recordFile != "" && recordFile != "-" {
		return os.ReadFile(recordFile)
	}
	return io.ReadAll(os.Stdin)
}

// recordID is the key field of a decrypted record, or "-" when it was stored without one
func recordID(doc persist.Document) string {
	if id, ok := doc[persist.KeyField].(string); ok && id != "" {
		return id
	}
	return "-"
}

func fieldNames(doc persist.Document) []string {
	names := make([]string, 0, len(doc))
	for name := range doc {
		if name != persist.KeyField {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/atrest/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditTable         string
	auditRecordKey     string
	auditLimit         int
	auditOffset        int
	auditAuthOnly      bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail written by the file audit logger.

Events record the action, its outcome, the table and record key involved and,
on failure, the error kind. Passphrases and record contents are never logged.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Failed unlock attempts in the last 24 hours
  atrest audit query --action unlock --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Every access to one record
  atrest audit query --table portfolio --record-key "acct-42"`,
	RunE: runAuditQuery,
}

var auditEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent audit events",
	RunE:  runAuditEvents,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long:  `Show failed operations for security monitoring. Repeated wrong_passphrase failures on unlock are worth a look.`,
	RunE:  runAuditFailures,
}

var auditAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Show setup, unlock and lock events",
	RunE:  runAuditAuth,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs as JSON",
	Long: `Export audit logs for compliance reporting.

Examples:
  atrest audit export --since "2024-01-01T00:00:00Z" --until "2024-01-31T23:59:59Z" > audit-report.json`,
	RunE: runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditEventsCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditAuthCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().StringVar(&auditTable, "table-filter", "", "Filter by table name")
	auditCmd.PersistentFlags().StringVar(&auditRecordKey, "record-key", "", "Filter by record key")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().BoolVar(&auditAuthOnly, "auth-only", false, "Show only setup, unlock and lock events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return queryAndDisplay(options)
}

func runAuditEvents(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return queryAndDisplay(options)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	failed := false
	options.Success = &failed
	return queryAndDisplay(options)
}

func runAuditAuth(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.AuthEvents = true
	return queryAndDisplay(options)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	export := map[string]interface{}{
		"exported_at": time.Now().UTC(),
		"source":      viper.GetString("audit.options.file_path"),
		"total_count": result.TotalCount,
		"has_more":    result.HasMore,
		"events":      result.Events,
	}
	return printJSON(export)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// stats cover the whole window, not one page
	options.Limit = 0
	options.Offset = 0

	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:      auditLimit,
		Offset:     auditOffset,
		AuthEvents: auditAuthOnly,
		Action:     auditAction,
		Table:      auditTable,
		RecordKey:  auditRecordKey,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}

	return options, nil
}

func queryAudit(options audit.QueryOptions) (audit.QueryResult, error) {
	if !viper.GetBool("audit.enabled") {
		return audit.QueryResult{}, fmt.Errorf("audit logging is disabled (enable it with --audit or audit.enabled)")
	}
	result, err := auditLogger.Query(options)
	if err != nil {
		return result, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return result, nil
}

func queryAndDisplay(options audit.QueryOptions) error {
	result, err := queryAudit(options)
	if err != nil {
		return err
	}
	if auditJsonOutput {
		return printJSON(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d events (use --offset to page)\n", len(result.Events), result.TotalCount)
	}
	return nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Table != "" {
				fmt.Fprintf(w, "Table:\t%s\n", event.Table)
			}
			if event.RecordKey != "" {
				fmt.Fprintf(w, "Record Key:\t%s\n", event.RecordKey)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
	} else {
		fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tTABLE\tRECORD\tERROR\n")

		for _, event := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				event.Timestamp.Format("2006-01-02 15:04:05"),
				event.Action,
				eventStatus(event),
				event.Table,
				truncate(event.RecordKey, 12),
				event.Error)
		}
	}

	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarizes a window of audit events
type AuditStats struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	TimeRange         string         `json:"time_range"`
	TotalEvents       int            `json:"total_events"`
	SuccessfulEvents  int            `json:"successful_events"`
	FailedEvents      int            `json:"failed_events"`
	SuccessRate       float64        `json:"success_rate"`
	ActionBreakdown   map[string]int `json:"action_breakdown"`
	ErrorBreakdown    map[string]int `json:"error_breakdown"`
	DailyDistribution map[string]int `json:"daily_distribution"`
	TopFailedActions  []NameCount    `json:"top_failed_actions"`
	TopTables         []NameCount    `json:"top_tables"`
	TopRecords        []NameCount    `json:"top_records"`
	FirstEvent        *time.Time     `json:"first_event,omitempty"`
	LastEvent         *time.Time     `json:"last_event,omitempty"`
	AuthOperations    int            `json:"auth_operations"`
	RecordOperations  int            `json:"record_operations"`
	CryptOperations   int            `json:"crypt_operations"`
}

type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		ErrorBreakdown:    make(map[string]int),
		DailyDistribution: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)

	failedActions := make(map[string]int)
	tableCounts := make(map[string]int)
	recordCounts := make(map[string]int)

	for i := range events {
		event := &events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
			if event.Error != "" {
				stats.ErrorBreakdown[event.Error]++
			}
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		if event.Table != "" {
			tableCounts[event.Table]++
		}
		if event.RecordKey != "" {
			recordCounts[event.RecordKey]++
		}

		switch {
		case isAuthAction(event.Action):
			stats.AuthOperations++
		case isRecordAction(event.Action):
			stats.RecordOperations++
		case isCryptAction(event.Action):
			stats.CryptOperations++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = topCounts(failedActions, 5)
	stats.TopTables = topCounts(tableCounts, 10)
	stats.TopRecords = topCounts(recordCounts, 10)

	duration := stats.LastEvent.Sub(*stats.FirstEvent)
	stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())

	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	fmt.Printf("\nOPERATION BREAKDOWN\n")
	fmt.Printf("──────────────────\n")
	fmt.Printf("Session Operations: %d\n", stats.AuthOperations)
	fmt.Printf("Record Operations: %d\n", stats.RecordOperations)
	fmt.Printf("Encrypt/Decrypt Operations: %d\n", stats.CryptOperations)

	if len(stats.ActionBreakdown) > 0 {
		fmt.Printf("\nTOP ACTIONS\n")
		fmt.Printf("───────────\n")
		for _, action := range topCounts(stats.ActionBreakdown, 10) {
			fmt.Printf("  %s: %d\n", action.Name, action.Count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", action.Name, action.Count)
		}
	}

	if len(stats.ErrorBreakdown) > 0 {
		fmt.Printf("\nFAILURES BY KIND\n")
		fmt.Printf("────────────────\n")
		for _, kind := range topCounts(stats.ErrorBreakdown, 10) {
			fmt.Printf("  %s: %d\n", kind.Name, kind.Count)
		}
	}

	if len(stats.TopRecords) > 0 {
		fmt.Printf("\nMOST ACCESSED RECORDS\n")
		fmt.Printf("────────────────────\n")
		for i, record := range stats.TopRecords {
			if i >= 5 {
				break
			}
			fmt.Printf("  %s: %d accesses\n", truncate(record.Name, 30), record.Count)
		}
	}

	return nil
}

// topCounts sorts by count, then by name so ties print in a stable order
func topCounts(counts map[string]int, limit int) []NameCount {
	var result []NameCount
	for name, count := range counts {
		result = append(result, NameCount{Name: name, Count: count})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Name < result[j].Name
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func isAuthAction(action string) bool {
	switch action {
	case audit.ActionSetup, audit.ActionUnlock, audit.ActionLock:
		return true
	}
	return false
}

func isRecordAction(action string) bool {
	switch action {
	case audit.ActionStoreRecord, audit.ActionRetrieveRecord, audit.ActionRetrieveAllRecords:
		return true
	}
	return false
}

func isCryptAction(action string) bool {
	return action == audit.ActionEncrypt || action == audit.ActionDecrypt
}

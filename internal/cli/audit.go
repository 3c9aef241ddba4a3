package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/audit"
)

var (
	replayTask      string
	replayPrincipal string
	replaySince     string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditReplayCmd.Flags().StringVar(&replayTask, "task", "", "Filter entries by task id")
	auditReplayCmd.Flags().StringVar(&replayPrincipal, "principal", "", "Filter entries by principal id")
	auditReplayCmd.Flags().StringVar(&replaySince, "since", "", "Only entries at or after this RFC3339 timestamp")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and replaying the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous line. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Replay audit entries for a task or principal",
	Long:  "Filters the audit log and prints the matching entries with a per-kind summary. Useful for reconstructing what a task did and why.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return "", err
	}
	return cfg.AuditLog, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	return fmt.Errorf("audit: chain broken at line %d: %s", result.ErrorLine, result.Error)
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}

	filter := audit.ReplayFilter{TaskID: replayTask, PrincipalID: replayPrincipal}
	if replaySince != "" {
		from, err := time.Parse(time.RFC3339, replaySince)
		if err != nil {
			return fmt.Errorf("bad --since value: %w", err)
		}
		filter.From = from
	}

	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

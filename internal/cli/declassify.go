package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/audit"
	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/policy"
	"github.com/moat-sh/moat/internal/principal"
)

var declassifyReason string

func init() {
	rootCmd.AddCommand(declassifyCmd)
	declassifyCmd.Flags().StringVar(&declassifyReason, "reason", "", "Why the label is being lowered (required)")
}

var declassifyCmd = &cobra.Command{
	Use:   "declassify <from> <to>",
	Short: "Record an owner-approved label decrease",
	Long:  "Authorizes lowering a sensitivity label, e.g. secret to internal. Labels never decrease on their own; this command is the single path and every use lands in the audit log.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeclassify,
}

func runDeclassify(cmd *cobra.Command, args []string) error {
	from, err := label.Parse(args[0])
	if err != nil {
		return err
	}
	to, err := label.Parse(args[1])
	if err != nil {
		return err
	}

	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := principal.LoadRegistry(cfg.PrincipalsPath)
	if err != nil {
		return err
	}
	owner := registry.Owner()
	if owner == nil {
		return fmt.Errorf("no owner principal configured; run moat init and edit principals.yaml first")
	}

	ev, err := policy.Declassify(from, to, declassifyReason, owner)
	if err != nil {
		return err
	}

	log, err := audit.Open(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer log.Close()
	if err := log.Record(audit.Entry{
		Kind:        audit.KindDeclassify,
		PrincipalID: ev.ApprovedBy,
		Label:       ev.To.String(),
		Decision:    "declassified",
		Reason:      fmt.Sprintf("%s -> %s: %s", ev.From, ev.To, ev.Reason),
	}); err != nil {
		return err
	}

	fmt.Printf("Declassified %s -> %s\n", ev.From, ev.To)
	return nil
}

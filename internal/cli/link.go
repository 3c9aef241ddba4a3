package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/audit"
	"github.com/moat-sh/moat/internal/principal"
)

func init() {
	rootCmd.AddCommand(linkCmd)
}

var linkCmd = &cobra.Command{
	Use:   "link <canonical-id> <new-id>",
	Short: "Link a second verified identity to an existing principal",
	Long:  "Attaches an identity from another channel to an existing principal. Running this command is the owner approval; the link is recorded in the audit log and persisted to the principals file.",
	Args:  cobra.ExactArgs(2),
	RunE:  runLink,
}

func runLink(cmd *cobra.Command, args []string) error {
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

	ev, err := registry.Link(args[0], args[1], owner)
	if err != nil {
		return err
	}
	if err := principal.SaveRegistry(cfg.PrincipalsPath, registry); err != nil {
		return err
	}

	log, err := audit.Open(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer log.Close()
	if err := log.Record(audit.Entry{
		Kind:        audit.KindLink,
		PrincipalID: ev.CanonicalID,
		Decision:    "linked",
		Reason:      fmt.Sprintf("linked %s, approved by %s", ev.LinkedID, ev.ApprovedBy),
	}); err != nil {
		return err
	}

	fmt.Printf("Linked %q to %q\n", ev.LinkedID, ev.CanonicalID)
	return nil
}

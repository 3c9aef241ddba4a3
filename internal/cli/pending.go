package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/approval"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List suspended actions awaiting approval",
	Long:  "Shows every approval request in the store with its status, tool, and deadline.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := approvalStore()
	if err != nil {
		return err
	}

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-40s %-10s %-15s %-30s %s\n", "ID", "STATUS", "TOOL", "DESCRIPTION", "DEADLINE")
	for _, a := range list {
		fmt.Printf("%-40s %-10s %-15s %-30s %s\n",
			a.ID,
			a.Status,
			a.Tool,
			truncate(a.Description, 30),
			a.Deadline.Format("15:04:05"),
		)
	}
	return nil
}

func approvalStore() (*approval.Store, error) {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := approval.NewStore(cfg.ApprovalDir)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	return store, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

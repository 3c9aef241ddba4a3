package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approvedBy string

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approvedBy, "by", "owner", "Identity recorded as the approver")
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a suspended action",
	Long:  "Approves a pending request by id. The suspended task resumes and executes the step with owner-approved arguments.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	store, err := approvalStore()
	if err != nil {
		return err
	}
	if err := store.Approve(args[0], approvedBy); err != nil {
		return err
	}
	fmt.Printf("Approved %q\n", args[0])
	return nil
}

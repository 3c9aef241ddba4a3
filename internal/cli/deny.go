package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deniedBy string

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&deniedBy, "by", "owner", "Identity recorded as the denier")
}

var denyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a suspended action",
	Long:  "Denies a pending request by id. The suspended task fails without executing the step.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	store, err := approvalStore()
	if err != nil {
		return err
	}
	if err := store.Deny(args[0], deniedBy); err != nil {
		return err
	}
	fmt.Printf("Denied %q\n", args[0])
	return nil
}

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/vault"
)

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultSetCmd)
	vaultCmd.AddCommand(vaultRefsCmd)
	vaultCmd.AddCommand(vaultDeleteCmd)
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage sealed secrets",
	Long:  "Stores, lists, and removes secrets in the encrypted vault. Secret values are read from stdin, never from arguments.",
}

var vaultSetCmd = &cobra.Command{
	Use:   "set <ref>",
	Short: "Store a secret under a ref, value read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultSet,
}

var vaultRefsCmd = &cobra.Command{
	Use:   "refs",
	Short: "List stored secret refs",
	RunE:  runVaultRefs,
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <ref>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultDelete,
}

func openVault() (*vault.Vault, error) {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}
	return vault.Open(cfg.VaultDir)
}

func runVaultSet(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && value == "" {
		return fmt.Errorf("read secret value: %w", err)
	}
	value = strings.TrimRight(value, "\r\n")
	if value == "" {
		return fmt.Errorf("empty secret value")
	}

	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Secrets.StoreSecret(args[0], value); err != nil {
		return err
	}
	fmt.Printf("Stored %q\n", args[0])
	return nil
}

func runVaultRefs(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	refs, err := v.Secrets.Refs()
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	for _, ref := range refs {
		fmt.Println(ref)
	}
	return nil
}

func runVaultDelete(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Secrets.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %q\n", args[0])
	return nil
}

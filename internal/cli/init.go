package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the ~/.moat config skeleton",
	Long:  "Writes starter config, principals, and templates files under ~/.moat. Existing files are left untouched.",
	RunE:  runInit,
}

const configSkeleton = `# moat runtime config. Paths default to ~/.moat when omitted.
providers:
  - name: local
    api_url: http://127.0.0.1:8080/v1/chat/completions
    model: local
# credentials maps tool names to vault secret refs:
# credentials:
#   email_send: email/api_key
`

const principalsSkeleton = `# Principals the kernel will accept events for. IDs must match the
# adapter-verified identity exactly. At most one owner.
principals: []
# principals:
#   - id: telegram:1001
#     class: owner
#     channel: telegram
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := moatDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := map[string]string{
		filepath.Join(dir, "config.yaml"):     configSkeleton,
		filepath.Join(dir, "principals.yaml"): principalsSkeleton,
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("exists   %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("created  %s\n", path)
	}
	fmt.Println("\nNext: add your principals, store tool credentials with `moat vault set`, and run `moat serve`.")
	return nil
}

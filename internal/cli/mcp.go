package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	moatmcp "github.com/moat-sh/moat/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP control server",
	Long:  "Runs moat as an MCP (Model Context Protocol) server over stdio.\nExposes control tools: pending, approve, deny, audit_verify. No tool on this surface executes anything.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return err
	}

	srv, err := moatmcp.New(moatmcp.Config{
		ApprovalDir:  cfg.ApprovalDir,
		AuditLogPath: cfg.AuditLog,
	})
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down MCP server")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "moat MCP server running on stdio")
	return srv.Run(ctx)
}

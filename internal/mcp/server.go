// Package mcp exposes the kernel's control surface over the Model
// Context Protocol: listing and resolving pending approvals and
// verifying the audit chain. It deliberately exposes no tool that
// executes anything; action always flows through the pipeline.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/moat-sh/moat/internal/approval"
)

// Config holds MCP server configuration.
type Config struct {
	ApprovalDir  string
	AuditLogPath string
}

// Server wraps the MCP SDK server around the approval store and audit
// log.
type Server struct {
	mcpServer    *mcpsdk.Server
	approvals    *approval.Store
	auditLogPath string
}

// New creates the MCP control server.
func New(cfg Config) (*Server, error) {
	dir := cfg.ApprovalDir
	if dir == "" {
		dir = approval.DefaultDir()
	}
	store, err := approval.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("mcp: approval store: %w", err)
	}
	if err := store.Cleanup(); err != nil {
		return nil, fmt.Errorf("mcp: approval cleanup: %w", err)
	}

	s := &Server{
		approvals:    store,
		auditLogPath: cfg.AuditLogPath,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "moat",
			Version: "0.1.0",
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds the moat control tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "moat_pending",
		Description: "List tasks suspended on a taint-gated action, awaiting an owner decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "moat_approve",
		Description: "Approve a pending action by id. The suspended task resumes with owner-approved arguments.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "moat_deny",
		Description: "Deny a pending action by id. The suspended task fails without executing the step.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "moat_audit_verify",
		Description: "Verify the audit log's hash chain and report the first broken link, if any.",
	}, s.handleAuditVerify)
}

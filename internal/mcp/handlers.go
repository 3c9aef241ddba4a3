package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/moat-sh/moat/internal/approval"
	"github.com/moat-sh/moat/internal/audit"
)

// PendingInput is empty; the tool takes no parameters.
type PendingInput struct{}

// PendingOutput lists all pending approval requests.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single suspended action.
type PendingItem struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
	Preview     string `json:"preview,omitempty"`
	PolicyID    string `json:"policy_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	Deadline    string `json:"deadline"`
}

// ApproveInput names the request to approve and who is approving.
type ApproveInput struct {
	ID         string `json:"id" jsonschema:"approval request id"`
	ResolvedBy string `json:"resolved_by,omitempty" jsonschema:"identity of the approver"`
}

// ApproveOutput confirms the resolution.
type ApproveOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DenyInput names the request to deny.
type DenyInput struct {
	ID         string `json:"id" jsonschema:"approval request id"`
	ResolvedBy string `json:"resolved_by,omitempty" jsonschema:"identity of the denier"`
}

// DenyOutput confirms the resolution.
type DenyOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// AuditVerifyInput optionally overrides the audit log path.
type AuditVerifyInput struct {
	Path string `json:"path,omitempty" jsonschema:"audit log path, defaults to the configured log"`
}

// AuditVerifyOutput reports chain integrity.
type AuditVerifyOutput struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

func (s *Server) handlePending(_ context.Context, _ *mcpsdk.CallToolRequest, _ PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	reqs, err := s.approvals.List()
	if err != nil {
		return nil, PendingOutput{}, fmt.Errorf("list approvals: %w", err)
	}
	out := PendingOutput{Approvals: []PendingItem{}}
	for _, r := range reqs {
		if r.Status != approval.StatusPending {
			continue
		}
		out.Approvals = append(out.Approvals, PendingItem{
			ID:          r.ID,
			TaskID:      r.TaskID,
			Tool:        r.Tool,
			Description: r.Description,
			Preview:     r.Preview,
			PolicyID:    r.PolicyID,
			CreatedAt:   r.CreatedAt.Format(time.RFC3339),
			Deadline:    r.Deadline.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleApprove(_ context.Context, _ *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, ApproveOutput, error) {
	resolvedBy := input.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "mcp"
	}
	if err := s.approvals.Approve(input.ID, resolvedBy); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ApproveOutput{ID: input.ID, Status: err.Error()}, nil
	}
	return nil, ApproveOutput{ID: input.ID, Status: string(approval.StatusApproved)}, nil
}

func (s *Server) handleDeny(_ context.Context, _ *mcpsdk.CallToolRequest, input DenyInput) (*mcpsdk.CallToolResult, DenyOutput, error) {
	resolvedBy := input.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "mcp"
	}
	if err := s.approvals.Deny(input.ID, resolvedBy); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DenyOutput{ID: input.ID, Status: err.Error()}, nil
	}
	return nil, DenyOutput{ID: input.ID, Status: string(approval.StatusDenied)}, nil
}

func (s *Server) handleAuditVerify(_ context.Context, _ *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	path := input.Path
	if path == "" {
		path = s.auditLogPath
	}
	if path == "" {
		return &mcpsdk.CallToolResult{IsError: true}, AuditVerifyOutput{Error: "no audit log configured"}, nil
	}
	res := audit.Verify(path)
	out := AuditVerifyOutput{
		Valid:     res.Valid,
		Lines:     res.Lines,
		Error:     res.Error,
		ErrorLine: res.ErrorLine,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

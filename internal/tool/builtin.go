package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/moat-sh/moat/internal/policy"
)

// WebFetch retrieves a URL and returns the body. It is the only tool
// the kernel ships itself; integrations register their own.
type WebFetch struct {
	// MaxBody caps how much of the response body is returned.
	MaxBody int64
}

func (w WebFetch) Manifest() Manifest {
	return Manifest{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP GET and return the response body.",
		Semantics:   policy.ReadSemantics,
		Args: []ArgSpec{
			{Name: "url", Type: TypeID, Required: true},
		},
		Window: 30 * time.Second,
	}
}

func (w WebFetch) Execute(ctx context.Context, inv Invocation) (Result, error) {
	rawURL, _ := inv.Args["url"].(string)
	if rawURL == "" {
		return Result{}, fmt.Errorf("tool: web_fetch requires a url argument")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("tool: web_fetch: %w", err)
	}
	client := inv.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Success: false, Err: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	maxBody := w.MaxBody
	if maxBody <= 0 {
		maxBody = 256 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{Success: false, Err: err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Success: false, Err: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}
	return Result{Success: true, Output: string(body)}, nil
}

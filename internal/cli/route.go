package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/approval"
	"github.com/moat-sh/moat/internal/pipeline"
	"github.com/moat-sh/moat/internal/router"
)

func init() {
	rootCmd.AddCommand(routeCmd)
}

var routeCmd = &cobra.Command{
	Use:   "route [event.json]",
	Short: "Run one event through the pipeline",
	Long:  "Reads a single normalized event from the given file (or stdin) and drives it to a terminal state, waiting in the foreground for any approval decisions. Prints the outcome as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRoute,
}

func runRoute(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}

	var ev router.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parse event: %w", err)
	}

	k, err := openKernel(configPath)
	if err != nil {
		return err
	}
	defer k.close()

	task, rej := k.router.Route(ev)
	if rej != nil {
		return rej
	}

	ctx := context.Background()
	out, runErr := k.pipeline.Run(ctx, task)
	for runErr == nil && out.Suspension != nil {
		s := out.Suspension
		fmt.Fprintf(os.Stderr, "awaiting decision on %s (moat approve %s / moat deny %s)\n",
			s.RequestID, s.RequestID, s.RequestID)
		status := waitResolution(ctx, k.approvals, s)
		out, runErr = k.pipeline.Resume(ctx, s, status)
	}

	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))
	return runErr
}

// waitResolution blocks the foreground command until the request leaves
// the pending state or its deadline passes.
func waitResolution(ctx context.Context, store *approval.Store, s *pipeline.Suspension) approval.Status {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan approval.Status, 1)
	watcher := approval.NewWatcher(store, func(r approval.Resolution) {
		if r.Request.ID == s.RequestID {
			select {
			case ch <- r.Status:
			default:
			}
		}
	})
	go func() { _ = watcher.Run(ctx) }()

	timer := time.NewTimer(time.Until(s.Deadline) + time.Second)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status
	case <-timer.C:
		status, err := store.Check(s.RequestID)
		if err != nil || status == approval.StatusPending {
			return approval.StatusExpired
		}
		return status
	case <-ctx.Done():
		return approval.StatusExpired
	}
}

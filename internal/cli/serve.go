package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moat-sh/moat/internal/approval"
	"github.com/moat-sh/moat/internal/pipeline"
	"github.com/moat-sh/moat/internal/router"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel over a JSONL event stream",
	Long:  "Reads normalized adapter events as JSON lines from stdin, routes each into the pipeline, and emits sink deliveries as JSON lines on stdout. Stops on EOF or SIGINT/SIGTERM.",
	RunE:  runServe,
}

// suspensionTable holds tasks paused for an owner decision. Suspended
// tasks occupy no goroutine; they sit here until a resolution event or
// the expiry timer claims them.
type suspensionTable struct {
	mu sync.Mutex
	m  map[string]*pipeline.Suspension
}

func newSuspensionTable() *suspensionTable {
	return &suspensionTable{m: make(map[string]*pipeline.Suspension)}
}

func (t *suspensionTable) put(id string, s *pipeline.Suspension) {
	t.mu.Lock()
	t.m[id] = s
	t.mu.Unlock()
}

// take removes and returns the suspension, or nil if another path
// already claimed it.
func (t *suspensionTable) take(id string) *pipeline.Suspension {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.m[id]
	delete(t.m, id)
	return s
}

func (t *suspensionTable) drain() []*pipeline.Suspension {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pipeline.Suspension, 0, len(t.m))
	for id, s := range t.m {
		out = append(out, s)
		delete(t.m, id)
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	k, err := openKernel(configPath)
	if err != nil {
		return err
	}
	defer k.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	pending := newSuspensionTable()

	var settle func(out *pipeline.Outcome)

	// resume claims a suspension and continues the task on a fresh
	// goroutine. Safe to call from the watcher and the expiry timer;
	// only the first claimant gets the suspension.
	resume := func(id string, status approval.Status) {
		s := pending.take(id)
		if s == nil {
			return
		}
		// Claimed; the resumed run takes over the suspension's slot.
		go func() {
			defer wg.Done()
			out, err := k.pipeline.Resume(ctx, s, status)
			if err != nil {
				k.logger.Error("task failed", "task", s.Task.ID, "err", err)
				return
			}
			settle(out)
		}()
	}

	settle = func(out *pipeline.Outcome) {
		s := out.Suspension
		if s == nil {
			return
		}
		pending.put(s.RequestID, s)
		wg.Add(1) // the suspension slot; released by whoever claims it
		k.logger.Info("task suspended",
			"task", out.TaskID, "request", s.RequestID, "state", out.State)
		time.AfterFunc(time.Until(s.Deadline)+time.Second, func() {
			status, err := k.approvals.Check(s.RequestID)
			if err != nil || status == approval.StatusPending {
				status = approval.StatusExpired
			}
			resume(s.RequestID, status)
		})
	}

	// Resolutions land as file events; the watcher turns them into
	// resumptions. CLI, MCP, or a direct file edit all work.
	watcher := approval.NewWatcher(k.approvals, func(r approval.Resolution) {
		k.logger.Info("approval resolved",
			"id", r.Request.ID, "task", r.Request.TaskID,
			"tool", r.Request.Tool, "status", r.Status, "by", r.Request.ResolvedBy)
		resume(r.Request.ID, r.Status)
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			k.logger.Warn("approval watcher stopped", "err", err)
		}
	}()

	// On shutdown, abandon in-memory suspensions; their request files
	// stay on disk for inspection.
	go func() {
		<-ctx.Done()
		for _, s := range pending.drain() {
			k.logger.Warn("abandoning suspended task", "task", s.Task.ID, "request", s.RequestID)
			wg.Done()
		}
	}()

	k.logger.Info("moat serving", "audit_log", k.cfg.AuditLog)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev router.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			k.logger.Warn("malformed event", "err", err)
			continue
		}

		task, rej := k.router.Route(ev)
		if rej != nil {
			k.logger.Warn("event rejected", "event", ev.ID, "reason", rej.Reason)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := k.pipeline.Run(ctx, task)
			if err != nil {
				k.logger.Error("task failed", "task", task.ID, "err", err)
				return
			}
			settle(out)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

package approval

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the debounce interval for resolution file events.
// Approve/deny writes go through a tmp+rename, so a single resolution can
// surface as several events in quick succession.
const debounceDefault = 200 * time.Millisecond

// Resolution is delivered to the pipeline when a pending request leaves
// the pending state.
type Resolution struct {
	Request Request
	Status  Status
}

// Watcher watches the approval directory and delivers resolutions.
type Watcher struct {
	store    *Store
	handler  func(Resolution)
	debounce time.Duration
}

// NewWatcher creates a watcher over the store's directory.
func NewWatcher(store *Store, handler func(Resolution)) *Watcher {
	return &Watcher{store: store, handler: handler, debounce: debounceDefault}
}

// Run watches for resolved requests. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.store.Dir()); err != nil {
		return err
	}

	// Single debounce timer reset on each event; changed ids accumulate
	// and flush together. No per-event goroutines.
	var mu sync.Mutex
	changed := make(map[string]bool)

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(changed))
		for id := range changed {
			batch = append(batch, id)
		}
		changed = make(map[string]bool)
		mu.Unlock()

		for _, id := range batch {
			req, err := w.store.Get(id)
			if err != nil {
				continue
			}
			if req.Status == StatusPending {
				continue
			}
			w.handler(Resolution{Request: *req, Status: req.Status})
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		flush()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			id, ok := requestID(event.Name)
			if !ok {
				continue
			}

			mu.Lock()
			changed[id] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = err
		}
	}
}

// requestID extracts the approval id from a store file path; tmp files
// from atomic writes are skipped.
func requestID(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".tmp") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

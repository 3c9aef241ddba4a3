// Package approval holds tasks paused on a taint-gated action until a
// human decision arrives. Requests are JSON files in a directory: the
// owner resolves them with the CLI or the MCP surface, and the pipeline is
// notified through the Watcher. Suspension is stored state plus a
// resumption event, never a blocked goroutine held open indefinitely.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateID rejects ids that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("approval: id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("approval: id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("approval: id contains invalid characters")
	}
	return nil
}

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is one suspended step awaiting a human decision. The preview is
// redacted by the caller before it gets here; the store never sees raw
// payloads.
type Request struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Step        int        `json:"step"`
	Tool        string     `json:"tool"`
	Description string     `json:"description"`
	Preview     string     `json:"redacted_preview"`
	PolicyID    string     `json:"policy_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	Deadline    time.Time  `json:"deadline"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// Store manages approval request files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("approval: create directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat-pending")
	}
	return filepath.Join(home, ".moat", "pending")
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

// Submit creates a pending request file. The deadline is created-at plus
// the timeout; Check reports expiry past it.
func (s *Store) Submit(req Request, timeout time.Duration) error {
	if err := validateID(req.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(req.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("approval: request %q already exists", req.ID)
	}

	req.Status = StatusPending
	req.CreatedAt = time.Now().UTC()
	req.Deadline = req.CreatedAt.Add(timeout)

	return s.writeAtomic(path, req)
}

// Approve marks a pending request approved.
func (s *Store) Approve(id, resolvedBy string) error {
	return s.resolve(id, StatusApproved, resolvedBy)
}

// Deny marks a pending request denied.
func (s *Store) Deny(id, resolvedBy string) error {
	return s.resolve(id, StatusDenied, resolvedBy)
}

func (s *Store) resolve(id string, status Status, resolvedBy string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.read(id)
	if err != nil {
		return fmt.Errorf("approval: request %q not found: %w", id, err)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("approval: request %q already %s", id, req.Status)
	}

	now := time.Now().UTC()
	if now.After(req.Deadline) {
		req.Status = StatusExpired
		s.writeAtomic(s.path(id), *req)
		return fmt.Errorf("approval: request %q expired at %s", id, req.Deadline.Format(time.RFC3339))
	}

	req.Status = status
	req.ResolvedAt = &now
	req.ResolvedBy = resolvedBy

	return s.writeAtomic(s.path(id), *req)
}

// Check returns the current status, marking the request expired if its
// deadline has passed.
func (s *Store) Check(id string) (Status, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.read(id)
	if err != nil {
		return "", fmt.Errorf("approval: request %q not found", id)
	}

	if req.Status == StatusPending && time.Now().UTC().After(req.Deadline) {
		req.Status = StatusExpired
		s.writeAtomic(s.path(id), *req)
		return StatusExpired, nil
	}

	return req.Status, nil
}

// Get returns the full request record.
func (s *Store) Get(id string) (*Request, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns all requests in the store.
func (s *Store) List() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var requests []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		req, err := s.read(id)
		if err != nil {
			continue
		}
		requests = append(requests, *req)
	}

	return requests, nil
}

// Cleanup removes all request files in the store.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Request, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	return &req, nil
}

func (s *Store) writeAtomic(path string, req Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

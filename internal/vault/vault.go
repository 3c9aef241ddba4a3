// Package vault is the only component permitted to hold raw secrets. It
// exposes three logically separate, separately encrypted stores (secrets,
// per-principal sessions, long-term working memory) through narrow,
// purpose-specific operations. Tool code never receives a vault handle;
// the kernel resolves scoped credential material on its behalf.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Vault bundles the three stores behind one open/close lifecycle. Each
// store has its own database or file and its own key; compromise of one
// never unlocks another.
type Vault struct {
	Secrets  *SecretStore
	Sessions *SessionStore
	Memory   *MemoryStore
}

// DefaultDir returns the default vault directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat-vault")
	}
	return filepath.Join(home, ".moat", "vault")
}

// Open opens (or initializes) all three stores under dir.
func Open(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create directory: %w", err)
	}

	secrets, err := OpenSecretStore(
		filepath.Join(dir, "secrets.age"),
		filepath.Join(dir, "secrets.key"),
	)
	if err != nil {
		return nil, err
	}

	sessions, err := OpenSessionStore(
		filepath.Join(dir, "sessions.db"),
		filepath.Join(dir, "sessions.key"),
	)
	if err != nil {
		return nil, err
	}

	memory, err := OpenMemoryStore(
		filepath.Join(dir, "memory.db"),
		filepath.Join(dir, "memory.key"),
	)
	if err != nil {
		sessions.Close()
		return nil, err
	}

	return &Vault{Secrets: secrets, Sessions: sessions, Memory: memory}, nil
}

// Close closes the stores that hold resources.
func (v *Vault) Close() error {
	return errors.Join(v.Sessions.Close(), v.Memory.Close())
}

// principalLocks serializes writes per principal: one logical writer per
// principal session, concurrent readers permitted.
type principalLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newPrincipalLocks() *principalLocks {
	return &principalLocks{locks: make(map[string]*sync.RWMutex)}
}

func (p *principalLocks) forPrincipal(id string) *sync.RWMutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		p.locks[id] = l
	}
	return l
}

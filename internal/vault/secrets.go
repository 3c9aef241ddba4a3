package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/moat-sh/moat/internal/tool"
)

// SecretStore holds raw credential material in one age-sealed JSON file.
// Nothing outside the vault ever sees the file's contents; callers get
// either nothing or scoped material derived for a single tool.
type SecretStore struct {
	path   string
	sealed *sealed
	mu     sync.Mutex
}

// OpenSecretStore opens (or initializes) the secret store.
func OpenSecretStore(path, keyPath string) (*SecretStore, error) {
	s, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	return &SecretStore{path: path, sealed: s}, nil
}

// GetSecret returns the raw secret under ref. Kernel-internal use only;
// tool-facing callers go through IssueCredentialForTool.
func (s *SecretStore) GetSecret(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[ref]
	if !ok {
		return "", fmt.Errorf("vault: no secret under ref %q", ref)
	}
	return v, nil
}

// StoreSecret writes a secret under ref, replacing any previous value.
func (s *SecretStore) StoreSecret(ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[ref] = value
	return s.save(secrets)
}

// DeleteSecret removes the secret under ref.
func (s *SecretStore) DeleteSecret(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[ref]; !ok {
		return fmt.Errorf("vault: no secret under ref %q", ref)
	}
	delete(secrets, ref)
	return s.save(secrets)
}

// Refs lists stored secret references (never values).
func (s *SecretStore) Refs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(secrets))
	for r := range secrets {
		refs = append(refs, r)
	}
	return refs, nil
}

// IssueCredentialForTool resolves the secret under ref into material
// scoped to one tool. The returned value carries no vault reference; a
// tool holding it can use the credential but cannot ask for another.
func (s *SecretStore) IssueCredentialForTool(ref, toolName string) (tool.ScopedCredential, error) {
	raw, err := s.GetSecret(ref)
	if err != nil {
		return tool.ScopedCredential{}, err
	}
	return tool.ScopedCredential{
		Material: raw,
		Scope:    toolName + "/" + fingerprint(ref),
	}, nil
}

// fingerprint gives a stable non-reversible identifier for a secret ref,
// safe to appear in scopes and audit entries.
func fingerprint(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:4])
}

func (s *SecretStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("vault: read secret store: %w", err)
	}

	plaintext, err := s.sealed.open(string(data))
	if err != nil {
		return nil, err
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("vault: parse secret store: %w", err)
	}
	return secrets, nil
}

func (s *SecretStore) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("vault: marshal secrets: %w", err)
	}
	ciphertext, err := s.sealed.seal(plaintext)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(ciphertext), 0600); err != nil {
		return fmt.Errorf("vault: write secret store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

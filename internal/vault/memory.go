package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moat-sh/moat/internal/label"
)

// MemoryEntry is one consolidated working-memory fact. Entries hold short
// structured values (a preference, an open thread, a standing constraint),
// not transcripts. This is the only memory the Plan phase may see, so
// free-running prose from external principals has no business here.
type MemoryEntry struct {
	Key     string      `json:"key"`
	Value   string      `json:"value"`
	Label   label.Label `json:"label"`
	Taint   label.Taint `json:"taint"`
	Updated time.Time   `json:"updated"`
}

// MemoryStore keeps per-principal long-term working memory in sqlite,
// payloads age-sealed like the session store.
type MemoryStore struct {
	db     *sql.DB
	sealed *sealed
	locks  *principalLocks
}

// OpenMemoryStore opens (or initializes) the memory store.
func OpenMemoryStore(path, keyPath string) (*MemoryStore, error) {
	s, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open memory db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS memory (
		principal TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (principal, key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: create memory schema: %w", err)
	}

	return &MemoryStore{db: db, sealed: s, locks: newPrincipalLocks()}, nil
}

// WriteWorkingMemory upserts one entry under (principal, key).
func (m *MemoryStore) WriteWorkingMemory(principalID string, entry MemoryEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("vault: memory entry requires a key")
	}
	entry.Updated = time.Now().UTC()

	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("vault: marshal memory entry: %w", err)
	}
	ciphertext, err := m.sealed.seal(plaintext)
	if err != nil {
		return err
	}

	lock := m.locks.forPrincipal(principalID)
	lock.Lock()
	defer lock.Unlock()

	_, err = m.db.Exec(
		`INSERT INTO memory (principal, key, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(principal, key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		principalID, entry.Key, ciphertext, entry.Updated,
	)
	if err != nil {
		return fmt.Errorf("vault: write memory entry: %w", err)
	}
	return nil
}

// ReadWorkingMemory returns all entries for one principal.
func (m *MemoryStore) ReadWorkingMemory(principalID string) ([]MemoryEntry, error) {
	lock := m.locks.forPrincipal(principalID)
	lock.RLock()
	defer lock.RUnlock()

	rows, err := m.db.Query(
		`SELECT payload FROM memory WHERE principal = ? ORDER BY key`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("vault: read memory: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var ciphertext string
		if err := rows.Scan(&ciphertext); err != nil {
			return nil, fmt.Errorf("vault: scan memory entry: %w", err)
		}
		plaintext, err := m.sealed.open(ciphertext)
		if err != nil {
			return nil, err
		}
		var entry MemoryEntry
		if err := json.Unmarshal(plaintext, &entry); err != nil {
			return nil, fmt.Errorf("vault: parse memory entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: iterate memory: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (m *MemoryStore) Close() error {
	return m.db.Close()
}

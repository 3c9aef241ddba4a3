package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moat-sh/moat/internal/label"
)

// Turn is one entry in a principal's conversation/session log. Raw inbound
// content is retained here, behind the vault boundary, for the Synthesize
// phase; it never reaches Plan.
type Turn struct {
	Role    string      `json:"role"` // "inbound", "inbound_raw", "reply", "tool"
	Content string      `json:"content"`
	Label   label.Label `json:"label"`
	Taint   label.Taint `json:"taint"`
	At      time.Time   `json:"at"`
}

// SessionStore keeps per-principal session logs in sqlite, with every
// payload column age-sealed. Within one principal, writes are serialized
// through a single logical writer; readers are concurrent.
type SessionStore struct {
	db     *sql.DB
	sealed *sealed
	locks  *principalLocks
}

// OpenSessionStore opens (or initializes) the session store.
func OpenSessionStore(path, keyPath string) (*SessionStore, error) {
	s, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open session db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_principal ON turns(principal, id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: create session schema: %w", err)
	}

	return &SessionStore{db: db, sealed: s, locks: newPrincipalLocks()}, nil
}

// WriteSessionTurn appends one turn to the principal's session.
func (s *SessionStore) WriteSessionTurn(principalID string, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}

	plaintext, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("vault: marshal turn: %w", err)
	}
	ciphertext, err := s.sealed.seal(plaintext)
	if err != nil {
		return err
	}

	lock := s.locks.forPrincipal(principalID)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO turns (principal, payload, created_at) VALUES (?, ?, ?)`,
		principalID, ciphertext, turn.At,
	)
	if err != nil {
		return fmt.Errorf("vault: write turn: %w", err)
	}
	return nil
}

// ReadSession returns up to limit most recent turns for one principal,
// oldest first. Sessions are keyed by principal, never by task: two
// principals' histories cannot bleed into each other by construction.
func (s *SessionStore) ReadSession(principalID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	lock := s.locks.forPrincipal(principalID)
	lock.RLock()
	defer lock.RUnlock()

	rows, err := s.db.Query(
		`SELECT payload FROM turns WHERE principal = ? ORDER BY id DESC LIMIT ?`,
		principalID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vault: read session: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var ciphertext string
		if err := rows.Scan(&ciphertext); err != nil {
			return nil, fmt.Errorf("vault: scan turn: %w", err)
		}
		plaintext, err := s.sealed.open(ciphertext)
		if err != nil {
			return nil, err
		}
		var turn Turn
		if err := json.Unmarshal(plaintext, &turn); err != nil {
			return nil, fmt.Errorf("vault: parse turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: iterate session: %w", err)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

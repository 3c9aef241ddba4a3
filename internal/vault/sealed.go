package vault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// sealed wraps filippo.io/age for the vault's needs: one x25519 identity
// per vault, payloads encrypted to its recipient and stored base64-encoded.
type sealed struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// loadOrCreateIdentity reads the vault key file, generating a fresh
// identity on first use. The key file is the single secret the vault
// cannot protect with itself; it lives outside all three stores.
func loadOrCreateIdentity(path string) (*sealed, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("vault: parse key file: %w", err)
		}
		return &sealed{identity: id, recipient: id.Recipient()}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("vault: read key file: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("vault: generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("vault: create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("vault: write key file: %w", err)
	}
	return &sealed{identity: id, recipient: id.Recipient()}, nil
}

// seal encrypts plaintext and returns base64 ciphertext.
func (s *sealed) seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("vault: create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vault: finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// open decrypts base64 ciphertext.
func (s *sealed) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vault: read plaintext: %w", err)
	}
	return plaintext, nil
}

package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/moat-sh/moat/internal/label"
)

// Config holds all configurable policy parameters. Loaded once at startup
// and treated as immutable for the process lifetime.
type Config struct {
	// ToolCeilings caps the output label each tool may self-report.
	// The kernel takes max(reported, ceiling); see ApplyLabelCeiling.
	ToolCeilings map[string]label.Label `yaml:"tool_ceilings"`

	// DefaultToolCeiling applies to tools without an explicit entry.
	DefaultToolCeiling label.Label `yaml:"default_tool_ceiling"`

	// CloudLabelMax is the highest label permitted to reach a cloud
	// inference provider. Data above this routes to local providers only.
	CloudLabelMax label.Label `yaml:"cloud_label_max"`
}

// DefaultConfig returns the built-in policy parameters.
func DefaultConfig() *Config {
	return &Config{
		ToolCeilings: map[string]label.Label{
			"calendar_read": label.Sensitive,
			"email_read":    label.Sensitive,
			"web_fetch":     label.Internal,
		},
		DefaultToolCeiling: label.Internal,
		CloudLabelMax:      label.Internal,
	}
}

// DefaultPath returns the default policy config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat", "policy.yaml")
	}
	return filepath.Join(home, ".moat", "policy.yaml")
}

// Load loads policy configuration from a YAML file. Empty path falls back
// to the default location. Missing file returns defaults. Invalid YAML
// returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads policy configuration and returns the SHA-256 hash of
// the raw bytes on disk, for binding into audit entries. When no file
// exists the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return DefaultConfig(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("policy: read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("policy: parse config: %w", err)
	}

	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

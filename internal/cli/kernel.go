package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/moat-sh/moat/internal/approval"
	"github.com/moat-sh/moat/internal/audit"
	"github.com/moat-sh/moat/internal/capability"
	"github.com/moat-sh/moat/internal/inference"
	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/logging"
	"github.com/moat-sh/moat/internal/pipeline"
	"github.com/moat-sh/moat/internal/policy"
	"github.com/moat-sh/moat/internal/principal"
	"github.com/moat-sh/moat/internal/router"
	"github.com/moat-sh/moat/internal/sink"
	"github.com/moat-sh/moat/internal/template"
	"github.com/moat-sh/moat/internal/tool"
	"github.com/moat-sh/moat/internal/vault"
)

// runtimeConfig is the top-level moat config. Every path defaults to a
// location under ~/.moat.
type runtimeConfig struct {
	VaultDir       string `yaml:"vault_dir"`
	AuditLog       string `yaml:"audit_log"`
	ApprovalDir    string `yaml:"approval_dir"`
	LogFile        string `yaml:"log_file"`
	PolicyPath     string `yaml:"policy"`
	TemplatesPath  string `yaml:"templates"`
	PrincipalsPath string `yaml:"principals"`

	Providers   []inference.Provider `yaml:"providers"`
	Credentials map[string]string    `yaml:"credentials"`
}

func moatDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat")
	}
	return filepath.Join(home, ".moat")
}

func defaultConfigPath() string {
	return filepath.Join(moatDir(), "config.yaml")
}

// loadRuntimeConfig reads the moat config. Missing file yields the
// defaults; the kernel still refuses work until principals exist.
func loadRuntimeConfig(path string) (*runtimeConfig, error) {
	cfg := &runtimeConfig{
		VaultDir:    vault.DefaultDir(),
		AuditLog:    filepath.Join(moatDir(), "audit.jsonl"),
		ApprovalDir: approval.DefaultDir(),
		LogFile:     filepath.Join(moatDir(), "moat.log"),
		Providers: []inference.Provider{
			{Name: "local", APIURL: "http://127.0.0.1:8080/v1/chat/completions", Model: "local"},
		},
	}
	if path == "" {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cli: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cli: parse config: %w", err)
	}
	return cfg, nil
}

// kernel bundles the wired components behind one open/close pair.
type kernel struct {
	cfg       *runtimeConfig
	router    *router.Router
	pipeline  *pipeline.Pipeline
	approvals *approval.Store
	audit     *audit.Log
	vault     *vault.Vault
	logger    *slog.Logger
	closers   []func() error
}

// replyWriter emits sink deliveries as JSON lines on stdout, one per
// delivery. Channel adapters consume this stream.
type replyWriter struct {
	mu sync.Mutex
}

func (r *replyWriter) deliver(sinkName string) func(context.Context, string, string) error {
	return func(_ context.Context, principalID, content string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return json.NewEncoder(os.Stdout).Encode(map[string]string{
			"sink":      sinkName,
			"principal": principalID,
			"content":   content,
		})
	}
}

// openKernel wires every component from config.
func openKernel(configPath string) (*kernel, error) {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.Setup(logging.Options{Level: slog.LevelInfo, FilePath: cfg.LogFile})
	if err != nil {
		return nil, err
	}

	k := &kernel{cfg: cfg, logger: logger}
	k.closers = append(k.closers, closeLog)

	policyCfg, cfgHash, err := policy.LoadWithHash(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("cli: policy config: %w", err)
	}
	templates, err := template.Load(cfg.TemplatesPath)
	if err != nil {
		return nil, fmt.Errorf("cli: templates: %w", err)
	}
	principals, err := principal.LoadRegistry(cfg.PrincipalsPath)
	if err != nil {
		return nil, fmt.Errorf("cli: principals: %w", err)
	}

	k.vault, err = vault.Open(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("cli: vault: %w", err)
	}
	k.closers = append(k.closers, k.vault.Close)

	k.audit, err = audit.Open(cfg.AuditLog)
	if err != nil {
		return nil, fmt.Errorf("cli: audit log: %w", err)
	}
	k.closers = append(k.closers, k.audit.Close)

	k.approvals, err = approval.NewStore(cfg.ApprovalDir)
	if err != nil {
		return nil, fmt.Errorf("cli: approval store: %w", err)
	}

	chain, err := inference.NewChain(cfg.Providers, policyCfg.CloudLabelMax)
	if err != nil {
		return nil, err
	}

	tools, err := tool.NewRegistry(tool.WebFetch{})
	if err != nil {
		return nil, err
	}

	replies := &replyWriter{}
	sinks, err := sink.NewRegistry(
		sink.Func{SinkName: "reply", SinkLabel: label.Sensitive, Fn: replies.deliver("reply")},
		sink.Func{SinkName: "owner_email", SinkLabel: label.Secret, Fn: replies.deliver("owner_email")},
		sink.Func{SinkName: "owner_notify", SinkLabel: label.Secret, Fn: replies.deliver("owner_notify")},
	)
	if err != nil {
		return nil, err
	}

	k.router = router.New(principals, templates, nil).WithAudit(k.audit, cfgHash)
	k.pipeline, err = pipeline.New(pipeline.Options{
		Tools:       tools,
		Sinks:       sinks,
		Vault:       k.vault,
		Issuer:      capability.NewIssuer(),
		Approvals:   k.approvals,
		Audit:       k.audit,
		Chain:       chain,
		Policy:      policyCfg,
		ConfigHash:  cfgHash,
		Credentials: cfg.Credentials,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (k *kernel) close() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}

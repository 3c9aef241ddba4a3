// Package capability mints and redeems the short-lived tokens that
// authorize single tool invocations. The Issuer is the sole minting
// authority: Token has no exported fields and no constructor outside this
// package, is never serialized, and carries nothing a holder could use to
// synthesize another valid token.
package capability

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/policy"
)

// ExpiryMargin pads a step's expected execution window so a token does not
// expire mid-invocation on a slow network round trip.
const ExpiryMargin = 5 * time.Second

// DefaultWindow is the expected execution window when a request does not
// specify one.
const DefaultWindow = 30 * time.Second

// Token authorizes exactly one planned tool-call step. Tool code receives
// a validated *Token by reference and can read its scope, but cannot
// construct, copy into a new scope, or re-present one to another tool:
// redemption is bound to the issuing task and consumed on use.
type Token struct {
	id              string
	taskID          string
	templateID      string
	principalID     string
	tool            string
	resourceScope   string
	argTaint        label.Taint
	issuedAt        time.Time
	expiresAt       time.Time
	maxInvocations  int
	templatePermits bool
}

// ID returns the token's unique identifier (for audit entries).
func (t *Token) ID() string { return t.id }

// Tool returns the tool name the token was minted for.
func (t *Token) Tool() string { return t.tool }

// TaskID returns the owning task.
func (t *Token) TaskID() string { return t.taskID }

// ResourceScope returns the scope string the invocation is confined to.
func (t *Token) ResourceScope() string { return t.resourceScope }

// ArgTaint returns the taint of the arguments the token was minted over.
func (t *Token) ArgTaint() label.Taint { return t.argTaint }

// ExpiresAt returns the token deadline; tool invocations derive their
// context timeout from it.
func (t *Token) ExpiresAt() time.Time { return t.expiresAt }

// Request describes one planned step for which a token is needed.
type Request struct {
	TaskID      string
	TemplateID  string
	PrincipalID string
	Tool        string
	Scope       string
	ArgTaint    label.Taint

	// Window is the step's expected execution time; expiry is Window plus
	// a small margin.
	Window time.Duration

	// IdempotentRetry grants a second invocation for tools whose manifest
	// declares idempotent-retry semantics. Everything else gets exactly one.
	IdempotentRetry bool

	// TemplatePermits is the task template's allow/deny verdict for the
	// tool, rechecked at every redemption.
	TemplatePermits bool
}

// Issuer mints tokens and tracks their redemption. Issuance and redemption
// are serialized per task; independent tasks do not contend.
type Issuer struct {
	mu    sync.Mutex
	tasks map[string]*taskLedger
	now   func() time.Time
}

// taskLedger tracks use counts for one task's outstanding tokens.
type taskLedger struct {
	mu   sync.Mutex
	used map[string]int
}

// NewIssuer creates an Issuer using wall-clock time.
func NewIssuer() *Issuer {
	return &Issuer{tasks: make(map[string]*taskLedger), now: time.Now}
}

// NewIssuerAt creates an Issuer with an injected clock, for tests.
func NewIssuerAt(now func() time.Time) *Issuer {
	return &Issuer{tasks: make(map[string]*taskLedger), now: now}
}

// Issue mints one token, immediately before the step executes. Bulk or
// ahead-of-time issuance is not supported by construction: every call
// produces a token whose expiry starts now.
func (i *Issuer) Issue(req Request) (*Token, error) {
	if req.TaskID == "" || req.Tool == "" {
		return nil, fmt.Errorf("capability: task id and tool are required")
	}
	window := req.Window
	if window <= 0 {
		window = DefaultWindow
	}
	maxInv := 1
	if req.IdempotentRetry {
		maxInv = 2
	}

	ledger := i.ledger(req.TaskID)
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	now := i.now().UTC()
	tok := &Token{
		id:              newTokenID(),
		taskID:          req.TaskID,
		templateID:      req.TemplateID,
		principalID:     req.PrincipalID,
		tool:            req.Tool,
		resourceScope:   req.Scope,
		argTaint:        req.ArgTaint,
		issuedAt:        now,
		expiresAt:       now.Add(window + ExpiryMargin),
		maxInvocations:  maxInv,
		templatePermits: req.TemplatePermits,
	}
	ledger.used[tok.id] = 0
	return tok, nil
}

// Redeem revalidates a token for one invocation and consumes it. Every
// use revalidates; tool code never caches a token across calls.
func (i *Issuer) Redeem(tok *Token, requestedTool, taskID string) error {
	if tok == nil {
		return fmt.Errorf("capability: %w: no token presented", policy.ErrCapabilityMismatch)
	}

	ledger := i.ledger(tok.taskID)
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	used, known := ledger.used[tok.id]
	if !known {
		return fmt.Errorf("capability: %w: token %s was not minted by this issuer", policy.ErrCapabilityMismatch, tok.id)
	}

	facts := policy.CapabilityFacts{
		Tool:            tok.tool,
		TaskID:          tok.taskID,
		Expired:         i.now().UTC().After(tok.expiresAt),
		InvocationsLeft: tok.maxInvocations - used,
		TemplatePermits: tok.templatePermits,
	}
	if err := policy.CheckCapability(facts, requestedTool, taskID); err != nil {
		return err
	}

	ledger.used[tok.id] = used + 1
	return nil
}

// ReleaseTask drops redemption bookkeeping for a finished task.
func (i *Issuer) ReleaseTask(taskID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.tasks, taskID)
}

func (i *Issuer) ledger(taskID string) *taskLedger {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.tasks[taskID]
	if !ok {
		l = &taskLedger{used: make(map[string]int)}
		i.tasks[taskID] = l
	}
	return l
}

func newTokenID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("cap-%x", time.Now().UnixNano())
	}
	return "cap-" + hex.EncodeToString(b)
}

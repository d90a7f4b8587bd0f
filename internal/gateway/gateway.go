// Package gateway is the entry point callers use to vet agent operations.
// It resolves the agent's policy, runs the validators, records every
// decision in the audit log and admits approved work through the rate
// limiter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/cmdgate/internal/allowlist"
	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/internal/metrics"
	"github.com/agentsh/cmdgate/internal/validate"
	"github.com/agentsh/cmdgate/pkg/ratelimit"
	"github.com/agentsh/cmdgate/pkg/types"
)

// DefaultBlockThreshold is how many blocked commands from one agent raise a
// security event.
const DefaultBlockThreshold = 10

type Options struct {
	Registry *allowlist.Registry
	Limiter  *ratelimit.Limiter
	Audit    *audit.Logger
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// WorkspaceRoot is used when a check does not name its own root.
	WorkspaceRoot    string
	AllowedProtocols []string
	BlockThreshold   int
	// QueueTimeout is applied to scheduled work that sets no timeout.
	QueueTimeout time.Duration
}

type Gateway struct {
	registry  atomic.Pointer[allowlist.Registry]
	limiter   *ratelimit.Limiter
	audit     *audit.Logger
	metrics   *metrics.Collector
	log       *slog.Logger
	root      string
	protocols []string
	threshold int
	timeout   time.Duration

	mu      sync.Mutex
	blocked map[string]int
}

func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("gateway: audit logger is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("gateway: limiter is required")
	}
	g := &Gateway{
		limiter:   opts.Limiter,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		root:      opts.WorkspaceRoot,
		protocols: opts.AllowedProtocols,
		threshold: opts.BlockThreshold,
		timeout:   opts.QueueTimeout,
		blocked:   map[string]int{},
	}
	g.registry.Store(opts.Registry)
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.threshold <= 0 {
		g.threshold = DefaultBlockThreshold
	}
	return g, nil
}

func (g *Gateway) Registry() *allowlist.Registry { return g.registry.Load() }
func (g *Gateway) Limiter() *ratelimit.Limiter   { return g.limiter }
func (g *Gateway) Audit() *audit.Logger          { return g.audit }

// SetRegistry swaps the policy table. Checks already running finish against
// the table they started with.
func (g *Gateway) SetRegistry(r *allowlist.Registry) {
	if r != nil {
		g.registry.Store(r)
	}
}

// WorkspaceRoot is the root used when a check names none.
func (g *Gateway) WorkspaceRoot() string { return g.root }

// Result is the outcome of one check.
type Result struct {
	Decision types.Decision `json:"decision"`
	Allowed  bool           `json:"allowed"`
	Agent    string         `json:"agent,omitempty"`
	Category string         `json:"category,omitempty"`

	// Normalized is the parsed command printed back with its static words
	// re-quoted. Callers must run this, never the raw input.
	Normalized   string `json:"normalized,omitempty"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	URL          string `json:"url,omitempty"`
	Value        any    `json:"value,omitempty"`

	Code     validate.Code       `json:"code,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Patterns []string            `json:"patterns,omitempty"`
	Approval *types.ApprovalInfo `json:"approval,omitempty"`
}

func deny(agent, category string, err error) Result {
	r := Result{Decision: types.DecisionDeny, Agent: agent, Category: category, Reason: err.Error(), Code: validate.CodeOf(err)}
	var ve *validate.Error
	if errors.As(err, &ve) {
		r.Patterns = ve.Patterns
	}
	return r
}

func (g *Gateway) workspace(root string) string {
	if root != "" {
		return root
	}
	return g.root
}

// checkAgent validates a non-empty agent name. Empty names fall back to the
// default category.
func (g *Gateway) checkAgent(ctx context.Context, kind, agent string) error {
	if agent == "" {
		return nil
	}
	if err := validate.ValidateAgentName(agent); err != nil {
		g.metrics.IncDecision(kind, false)
		g.record(g.audit.LogValidationFailure(ctx, "", "agent", agent, err))
		return err
	}
	return nil
}

// CheckCommand validates raw against the agent's policy. Allowed commands
// that need a human in the loop come back with DecisionApprove.
func (g *Gateway) CheckCommand(ctx context.Context, agent, raw, workspaceRoot string) Result {
	if err := g.checkAgent(ctx, "command", agent); err != nil {
		return deny(agent, "", err)
	}
	reg := g.registry.Load()
	category := reg.CategoryForAgent(agent)
	policy := reg.PolicyForAgent(agent)

	cmd, err := validate.ValidateCommand(raw, policy.AllowedCommands, policy.CommandOptions(g.workspace(workspaceRoot)))
	if err != nil {
		res := deny(agent, category, err)
		g.metrics.IncDecision("command", false)
		g.record(g.audit.LogCommand(ctx, agent, raw, false, res.Reason, map[string]any{
			"category": category,
			"code":     string(res.Code),
		}))
		g.noteBlocked(ctx, agent)
		return res
	}

	res := Result{
		Decision:   types.DecisionAllow,
		Allowed:    true,
		Agent:      agent,
		Category:   category,
		Normalized: cmd.Normalized,
	}
	if key, ok := approvalKey(policy, cmd); ok {
		res.Decision = types.DecisionApprove
		res.Approval = &types.ApprovalInfo{Required: true, Key: key, Message: policy.ApprovalMessage}
	}
	g.metrics.IncDecision("command", true)
	md := map[string]any{"category": category, "normalized": cmd.Normalized}
	if res.Approval != nil {
		md["requires_approval"] = true
	}
	g.record(g.audit.LogCommand(ctx, agent, raw, true, "", md))
	return res
}

// approvalKey returns the first approval entry matched by any command in
// the input.
func approvalKey(p *allowlist.Policy, cmd *validate.Command) (string, bool) {
	simple := cmd.Pipeline
	if len(simple) == 0 {
		simple = [][]string{append([]string{cmd.Name}, cmd.Args...)}
	}
	for _, tokens := range simple {
		name, sub := tokens[0], ""
		if len(tokens) > 1 {
			sub = tokens[1]
		}
		if !p.RequiresApproval(name, sub) {
			continue
		}
		if p.RequireApproval[name] {
			return name, true
		}
		return name + " " + sub, true
	}
	return "", false
}

func (g *Gateway) noteBlocked(ctx context.Context, agent string) {
	g.mu.Lock()
	g.blocked[agent]++
	n := g.blocked[agent]
	g.mu.Unlock()

	if n%g.threshold != 0 {
		return
	}
	g.metrics.IncEscalation()
	g.log.Warn("gateway: repeated blocked commands", "agent", agent, "count", n)
	g.record(g.audit.LogSecurityEvent(ctx, agent, "repeated blocked commands", map[string]any{
		"blocked_count": n,
		"threshold":     g.threshold,
	}))
}

// BlockedCount returns how many commands from agent were blocked since start.
func (g *Gateway) BlockedCount(agent string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[agent]
}

// CheckPath resolves p inside the workspace. The resolved absolute path is
// what callers must use.
func (g *Gateway) CheckPath(ctx context.Context, agent, p, workspaceRoot string) Result {
	if err := g.checkAgent(ctx, "path", agent); err != nil {
		return deny(agent, "", err)
	}
	category := g.registry.Load().CategoryForAgent(agent)
	resolved, err := validate.ValidatePath(p, g.workspace(workspaceRoot), validate.PathOptions{})
	if err != nil {
		g.metrics.IncDecision("path", false)
		g.record(g.audit.LogValidationFailure(ctx, agent, "path", p, err))
		return deny(agent, category, err)
	}
	g.metrics.IncDecision("path", true)
	g.record(g.audit.LogFileOperation(ctx, agent, "resolve", resolved, true, ""))
	return Result{Decision: types.DecisionAllow, Allowed: true, Agent: agent, Category: category, ResolvedPath: resolved}
}

func (g *Gateway) CheckURL(ctx context.Context, agent, raw string) Result {
	if err := g.checkAgent(ctx, "url", agent); err != nil {
		return deny(agent, "", err)
	}
	category := g.registry.Load().CategoryForAgent(agent)
	u, err := validate.ValidateURL(raw, g.protocols)
	if err != nil {
		g.metrics.IncDecision("url", false)
		g.record(g.audit.LogValidationFailure(ctx, agent, "url", raw, err))
		return deny(agent, category, err)
	}
	g.metrics.IncDecision("url", true)
	g.record(g.audit.LogNetworkRequest(ctx, agent, "", u, true, ""))
	return Result{Decision: types.DecisionAllow, Allowed: true, Agent: agent, Category: category, URL: u}
}

// CheckParameter validates one typed workflow parameter. Path parameters
// default to the gateway workspace and URL parameters to its protocols.
func (g *Gateway) CheckParameter(ctx context.Context, agent, name string, value any, typ validate.ParamType, opts validate.ParamOptions) Result {
	if err := g.checkAgent(ctx, "parameter", agent); err != nil {
		return deny(agent, "", err)
	}
	category := g.registry.Load().CategoryForAgent(agent)
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = g.root
	}
	if len(opts.AllowedProtocols) == 0 {
		opts.AllowedProtocols = g.protocols
	}
	v, err := validate.ValidateWorkflowParameter(name, value, typ, opts)
	if err != nil {
		g.metrics.IncDecision("parameter", false)
		g.record(g.audit.LogValidationFailure(ctx, agent, "parameter:"+name, fmt.Sprint(value), err))
		return deny(agent, category, err)
	}
	g.metrics.IncDecision("parameter", true)
	return Result{Decision: types.DecisionAllow, Allowed: true, Agent: agent, Category: category, Value: v}
}

// ScheduleExecution runs fn once the limiter admits it. Work that is still
// rate limited after the limiter's retry, or that times out in the queue,
// is audited as rate_limited. fn's own errors are returned unchanged. fn may
// run twice after a rate-limit error, see ratelimit.Limiter.Do.
func (g *Gateway) ScheduleExecution(ctx context.Context, agent string, opts ratelimit.ExecOptions, fn func(context.Context) error) error {
	if opts.Timeout == 0 {
		opts.Timeout = g.timeout
	}
	err := g.limiter.Do(ctx, opts, fn)
	switch {
	case err == nil:
	case ratelimit.IsRateLimitError(err):
		g.metrics.IncRateLimited()
		g.record(g.audit.LogRateLimited(ctx, agent, err, map[string]any{"stage": "execution", "priority": opts.Priority}))
	case errors.Is(err, ratelimit.ErrTimeout):
		g.metrics.IncRateLimited()
		g.record(g.audit.LogRateLimited(ctx, agent, err, map[string]any{"stage": "admission", "priority": opts.Priority}))
	}
	return err
}

// record drops audit failures: they never change a decision. The audit
// logger has already logged the cause and the store wrapper counts it.
func (g *Gateway) record(err error) {
	if err != nil {
		g.log.Debug("gateway: audit write failed", "error", err)
	}
}

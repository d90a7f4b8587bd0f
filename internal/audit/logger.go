// Package audit records security-relevant gateway events as sanitized,
// append-only entries and analyzes them for suspicious activity.
//
// Entries are written through a Sink; the JSONL store in internal/store/jsonl
// is the usual one. Tamper evidence is provided separately by IntegrityChain.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/cmdgate/internal/validate"
	"github.com/agentsh/cmdgate/pkg/types"
)

// Sink is where the Logger writes. It is satisfied by store.EntryStore.
type Sink interface {
	AppendEntry(ctx context.Context, e types.AuditEntry) error
	QueryEntries(ctx context.Context, q types.EntryQuery) ([]types.AuditEntry, error)
	Close() error
}

// Options configures a Logger.
type Options struct {
	Logger    *slog.Logger
	Sanitizer *Sanitizer
	// User overrides the OS user stamped on entries.
	User string
	// HighFailureThreshold is the number of blocked commands from one agent
	// above which analysis flags it. Zero means DefaultHighFailureThreshold.
	HighFailureThreshold int
	// AnalysisWindow limits analysis to recent entries. Zero analyzes the
	// whole log.
	AnalysisWindow time.Duration
	Now            func() time.Time
}

type Logger struct {
	sink      Sink
	log       *slog.Logger
	sanitizer *Sanitizer
	user      string
	pid       int
	threshold int
	window    time.Duration
	now       func() time.Time
}

func New(sink Sink, opts Options) *Logger {
	l := &Logger{
		sink:      sink,
		log:       opts.Logger,
		sanitizer: opts.Sanitizer,
		user:      opts.User,
		pid:       os.Getpid(),
		threshold: opts.HighFailureThreshold,
		window:    opts.AnalysisWindow,
		now:       opts.Now,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.sanitizer == nil {
		l.sanitizer = defaultSanitizer
	}
	if l.user == "" {
		l.user = currentUser()
	}
	if l.threshold <= 0 {
		l.threshold = DefaultHighFailureThreshold
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

// Close closes the sink.
func (l *Logger) Close() error { return l.sink.Close() }

// Log stamps id, timestamp, pid and user when absent, defaults severity to
// INFO, sanitizes the entry and appends it to the sink.
func (l *Logger) Log(ctx context.Context, e types.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.PID == 0 {
		e.PID = l.pid
	}
	if e.User == "" {
		e.User = l.user
	}
	if e.Severity == "" {
		e.Severity = types.SeverityInfo
	}
	e.Command = l.sanitizer.SanitizeString(e.Command)
	e.Reason = l.sanitizer.SanitizeString(e.Reason)
	e.Metadata = l.sanitizer.SanitizeMap(e.Metadata)

	if err := l.sink.AppendEntry(ctx, e); err != nil {
		l.log.Error("audit: append failed", "operation", e.Operation, "agent", e.Agent, "error", err)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func severityFor(success bool) types.Severity {
	if success {
		return types.SeverityInfo
	}
	return types.SeverityWarning
}

// LogCommand records an allow/deny decision for a command. reason is kept
// only for denials.
func (l *Logger) LogCommand(ctx context.Context, agent, command string, allowed bool, reason string, metadata map[string]any) error {
	e := types.AuditEntry{
		Operation: types.OpCommandExecution,
		Agent:     agent,
		Command:   command,
		Success:   allowed,
		Severity:  severityFor(allowed),
		Metadata:  metadata,
	}
	if !allowed {
		e.Reason = reason
	}
	return l.Log(ctx, e)
}

// LogValidationFailure records rejected input. The raw input is sanitized
// and stored in metadata for forensic review.
func (l *Logger) LogValidationFailure(ctx context.Context, agent, kind, input string, cause error) error {
	md := map[string]any{"kind": kind, "input": input}
	reason := ""
	if cause != nil {
		reason = cause.Error()
		if code := validate.CodeOf(cause); code != "" {
			md["code"] = string(code)
		}
	}
	return l.Log(ctx, types.AuditEntry{
		Operation: types.OpValidationFailure,
		Agent:     agent,
		Success:   false,
		Severity:  types.SeverityWarning,
		Reason:    reason,
		Metadata:  md,
	})
}

func (l *Logger) LogAgentStart(ctx context.Context, agent, workflow string, metadata map[string]any) error {
	return l.Log(ctx, types.AuditEntry{
		Operation: types.OpAgentStart,
		Agent:     agent,
		Workflow:  workflow,
		Success:   true,
		Severity:  types.SeverityInfo,
		Metadata:  metadata,
	})
}

func (l *Logger) LogAgentEnd(ctx context.Context, agent, workflow string, success bool, reason string, metadata map[string]any) error {
	e := types.AuditEntry{
		Operation: types.OpAgentEnd,
		Agent:     agent,
		Workflow:  workflow,
		Success:   success,
		Severity:  severityFor(success),
		Metadata:  metadata,
	}
	if !success {
		e.Reason = reason
	}
	return l.Log(ctx, e)
}

// LogSecurityEvent is always CRITICAL and never successful.
func (l *Logger) LogSecurityEvent(ctx context.Context, agent, event string, details map[string]any) error {
	l.log.Warn("audit: security event", "agent", agent, "event", event)
	return l.Log(ctx, types.AuditEntry{
		Operation: types.OpSecurityEvent,
		Agent:     agent,
		Success:   false,
		Severity:  types.SeverityCritical,
		Reason:    event,
		Metadata:  details,
	})
}

func (l *Logger) LogFileOperation(ctx context.Context, agent, op, path string, success bool, reason string) error {
	e := types.AuditEntry{
		Operation: types.OpFileOperation,
		Agent:     agent,
		Success:   success,
		Severity:  severityFor(success),
		Metadata:  map[string]any{"operation": op, "path": path},
	}
	if !success {
		e.Reason = reason
	}
	return l.Log(ctx, e)
}

func (l *Logger) LogNetworkRequest(ctx context.Context, agent, method, url string, success bool, reason string) error {
	e := types.AuditEntry{
		Operation: types.OpNetworkRequest,
		Agent:     agent,
		Success:   success,
		Severity:  severityFor(success),
		Metadata:  map[string]any{"url": url},
	}
	if method != "" {
		e.Metadata["method"] = method
	}
	if !success {
		e.Reason = reason
	}
	return l.Log(ctx, e)
}

// LogRateLimited records an operation that stayed rate limited after its
// automatic retry.
func (l *Logger) LogRateLimited(ctx context.Context, agent string, cause error, metadata map[string]any) error {
	e := types.AuditEntry{
		Operation: types.OpRateLimited,
		Agent:     agent,
		Success:   false,
		Severity:  types.SeverityWarning,
		Metadata:  metadata,
	}
	if cause != nil {
		e.Reason = cause.Error()
	}
	return l.Log(ctx, e)
}

// Filter selects entries for RecentLogs.
type Filter struct {
	Agent     string          `json:"agent,omitempty"`
	Operation types.Operation `json:"operation,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Severity  types.Severity  `json:"severity,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// DefaultRecentLimit bounds RecentLogs when the filter sets no limit.
const DefaultRecentLimit = 100

// RecentLogs returns matching entries, newest first. A log that does not
// exist yet yields an empty slice.
func (l *Logger) RecentLogs(ctx context.Context, f Filter) ([]types.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	entries, err := l.sink.QueryEntries(ctx, types.EntryQuery{
		Agent:     f.Agent,
		Operation: f.Operation,
		Severity:  f.Severity,
		Success:   f.Success,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	return entries, nil
}

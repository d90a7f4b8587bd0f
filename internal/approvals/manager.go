// Package approvals holds commands that the allowlist accepted on condition
// of a human decision, and records that decision.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/agentsh/cmdgate/pkg/types"
)

var (
	ErrNotFound    = errors.New("approval request not found")
	ErrResolved    = errors.New("approval request already resolved")
	ErrInvalidCode = errors.New("invalid or missing TOTP code")
)

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

type Request struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     string    `json:"agent"`
	Category  string    `json:"category,omitempty"`
	// Command is the normalized form the caller will run once approved.
	Command string `json:"command"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
}

type Resolution struct {
	Approved bool      `json:"approved"`
	Approver string    `json:"approver,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type Status struct {
	Request
	State      State       `json:"state"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Auditor receives one entry per resolved request.
type Auditor interface {
	Log(ctx context.Context, e types.AuditEntry) error
}

type Options struct {
	// Timeout is how long a request stays pending. Default 15m.
	Timeout time.Duration
	// Retain is how long resolved requests stay queryable. Default 1h.
	Retain time.Duration
	// TOTPSecret, when set, makes approving require a current TOTP code.
	TOTPSecret string
	Audit      Auditor
}

type Manager struct {
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	items map[string]*item
}

type item struct {
	status Status
	done   chan struct{}
}

func New(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.Retain <= 0 {
		opts.Retain = time.Hour
	}
	return &Manager{opts: opts, now: time.Now, items: make(map[string]*item)}
}

// RequiresCode reports whether approvals need a TOTP code.
func (m *Manager) RequiresCode() bool { return m.opts.TOTPSecret != "" }

// Submit queues req and returns it with its id and deadline filled in.
func (m *Manager) Submit(req Request) Status {
	now := m.now().UTC()
	req.ID = "approval-" + uuid.NewString()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(m.opts.Timeout)

	it := &item{status: Status{Request: req, State: StatePending}, done: make(chan struct{})}
	m.mu.Lock()
	m.pruneLocked(now)
	m.items[req.ID] = it
	m.mu.Unlock()
	return it.status
}

func (m *Manager) Get(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Status{}, ErrNotFound
	}
	expired := m.expireLocked(it, m.now().UTC())
	st := it.status
	m.mu.Unlock()
	if expired {
		m.audit(ctx, st)
	}
	return st, nil
}

// Pending lists unexpired pending requests, oldest first.
func (m *Manager) Pending(ctx context.Context) []Status {
	now := m.now().UTC()
	var out, expired []Status
	m.mu.Lock()
	for _, it := range m.items {
		if m.expireLocked(it, now) {
			expired = append(expired, it.status)
			continue
		}
		if it.status.State == StatePending {
			out = append(out, it.status)
		}
	}
	m.mu.Unlock()
	for _, st := range expired {
		m.audit(ctx, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve approves or denies a pending request. code is checked against the
// TOTP secret when approving and one is configured.
func (m *Manager) Resolve(ctx context.Context, id string, approved bool, approver, reason, code string) (Status, error) {
	if approved && m.opts.TOTPSecret != "" && !totp.Validate(code, m.opts.TOTPSecret) {
		return Status{}, ErrInvalidCode
	}
	now := m.now().UTC()

	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Status{}, ErrNotFound
	}
	if m.expireLocked(it, now) {
		st := it.status
		m.mu.Unlock()
		m.audit(ctx, st)
		return st, ErrResolved
	}
	if it.status.State != StatePending {
		st := it.status
		m.mu.Unlock()
		return st, ErrResolved
	}
	state := StateDenied
	if approved {
		state = StateApproved
	}
	m.settleLocked(it, state, Resolution{Approved: approved, Approver: approver, Reason: reason, At: now})
	st := it.status
	m.mu.Unlock()

	m.audit(ctx, st)
	return st, nil
}

// Wait blocks until the request is resolved, expires or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	var deadline time.Time
	if ok {
		deadline = it.status.ExpiresAt
	}
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNotFound
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-it.done:
	case <-timer.C:
	case <-ctx.Done():
		st, _ := m.Get(context.WithoutCancel(ctx), id)
		return st, ctx.Err()
	}
	return m.Get(ctx, id)
}

func (m *Manager) settleLocked(it *item, state State, res Resolution) {
	it.status.State = state
	it.status.Resolution = &res
	close(it.done)
}

// expireLocked marks a pending request expired once its deadline passed and
// reports whether it did so now.
func (m *Manager) expireLocked(it *item, now time.Time) bool {
	if it.status.State != StatePending || now.Before(it.status.ExpiresAt) {
		return false
	}
	m.settleLocked(it, StateExpired, Resolution{Reason: "approval timeout", At: now})
	return true
}

func (m *Manager) pruneLocked(now time.Time) {
	for id, it := range m.items {
		if it.status.State != StatePending && now.Sub(it.status.Resolution.At) > m.opts.Retain {
			delete(m.items, id)
		}
	}
}

func (m *Manager) audit(ctx context.Context, st Status) {
	if m.opts.Audit == nil || st.Resolution == nil {
		return
	}
	sev := types.SeverityWarning
	if st.State == StateApproved {
		sev = types.SeverityInfo
	}
	reason := fmt.Sprintf("approval %s", st.State)
	if st.Resolution.Approver != "" {
		reason += " by " + st.Resolution.Approver
	}
	_ = m.opts.Audit.Log(ctx, types.AuditEntry{
		Operation: types.OpCommandExecution,
		Agent:     st.Agent,
		Command:   st.Command,
		Success:   st.State == StateApproved,
		Severity:  sev,
		Reason:    reason,
		Metadata: map[string]any{
			"approval_id":     st.ID,
			"approval_key":    st.Key,
			"approval_state":  string(st.State),
			"approval_reason": st.Resolution.Reason,
			"category":        st.Category,
		},
	})
}

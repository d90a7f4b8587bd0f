package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/cmdgate/internal/approvals"
	"github.com/agentsh/cmdgate/internal/auth"
	"github.com/agentsh/cmdgate/pkg/types"
)

// maxApprovalWait caps the long poll on GET /approvals/{id}?wait=.
const maxApprovalWait = 60 * time.Second

// requestApproval re-checks the command and queues it only when the
// allowlist answered "approve".
func (a *App) requestApproval(w http.ResponseWriter, r *http.Request) {
	var req checkCommandRequest
	if !decodeJSON(w, r, &req, "") || !mayActAs(w, r, req.Agent) {
		return
	}
	root, ok := a.workspaceFor(w, req.WorkspaceRoot)
	if !ok {
		return
	}
	res := a.gw.CheckCommand(r.Context(), req.Agent, req.Command, root)
	if res.Decision != types.DecisionApprove {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "command does not require approval",
			"result": res,
		})
		return
	}
	ar := approvals.Request{
		Agent:    res.Agent,
		Category: res.Category,
		Command:  res.Normalized,
	}
	if res.Approval != nil {
		ar.Key = res.Approval.Key
		ar.Message = res.Approval.Message
	}
	writeJSON(w, http.StatusAccepted, a.approvals.Submit(ar))
}

func (a *App) getApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.approvals.Get(r.Context(), id)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	if !mayActAs(w, r, st.Agent) {
		return
	}

	if v := r.URL.Query().Get("wait"); v != "" && st.State == approvals.StatePending {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid wait duration"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), min(d, maxApprovalWait))
		defer cancel()
		st, err = a.approvals.Wait(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			writeApprovalError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.approvals.Pending(r.Context()))
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"` // approve or deny
	Reason   string `json:"reason,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (a *App) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if !decodeJSON(w, r, &req, "") {
		return
	}
	var approved bool
	switch req.Decision {
	case "approve":
		approved = true
	case "deny":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": `decision must be "approve" or "deny"`})
		return
	}
	approver := "anonymous"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		approver = p.ID
	}
	st, err := a.approvals.Resolve(r.Context(), chi.URLParam(r, "id"), approved, approver, req.Reason, req.Code)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeApprovalError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, approvals.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, approvals.ErrResolved):
		status = http.StatusConflict
	case errors.Is(err, approvals.ErrInvalidCode):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// Package api exposes the gateway over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/cmdgate/internal/approvals"
	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/internal/auth"
	"github.com/agentsh/cmdgate/internal/config"
	"github.com/agentsh/cmdgate/internal/gateway"
	"github.com/agentsh/cmdgate/internal/metrics"
	"github.com/agentsh/cmdgate/internal/validate"
	"github.com/agentsh/cmdgate/pkg/types"
)

type App struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	metrics *metrics.Collector

	apiKeyAuth *auth.APIKeyAuth
	approvals  *approvals.Manager
	maxBody    int64
}

func NewApp(cfg *config.Config, gw *gateway.Gateway, m *metrics.Collector, apiKeyAuth *auth.APIKeyAuth) *App {
	maxBody, err := config.ParseByteSize(cfg.Server.HTTP.MaxRequestSize)
	if err != nil || maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &App{cfg: cfg, gw: gw, metrics: m, apiKeyAuth: apiKeyAuth, maxBody: maxBody}
}

// WithApprovals enables the approval queue routes.
func (a *App) WithApprovals(m *approvals.Manager) *App {
	a.approvals = m
	return a
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.cfg.Metrics.Enabled && a.metrics != nil {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metrics.Handler(metrics.HandlerOptions{
			LimiterStatus: a.gw.Limiter().Status,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Use(a.limitBody)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.RoleAgent))
			r.Post("/check/command", a.checkCommand)
			r.Post("/check/path", a.checkPath)
			r.Post("/check/url", a.checkURL)
			r.Post("/check/parameter", a.checkParameter)
			if a.approvals != nil {
				r.Post("/approvals", a.requestApproval)
				r.Get("/approvals/{id}", a.getApproval)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.RoleAuditor))
			r.Get("/policies", a.listPolicies)
			r.Get("/policies/{category}", a.getPolicy)
			r.Get("/agents/{name}/policy", a.agentPolicy)
			r.Get("/limiter", a.limiterStatus)
			r.Get("/audit/recent", a.recentAudit)
			r.Get("/audit/analysis", a.auditAnalysis)
			r.Get("/audit/report", a.auditReport)
			if a.approvals != nil {
				r.Get("/approvals", a.listApprovals)
			}
		})

		if a.approvals != nil {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleAdmin))
				r.Post("/approvals/{id}", a.resolveApproval)
			})
		}
	})

	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "none") {
		return next
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return a.apiKeyAuth.Middleware(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

func (a *App) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole passes unauthenticated requests through: they only reach
// here when auth is disabled.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := auth.PrincipalFrom(r.Context()); ok && !p.HasRole(role) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// mayActAs enforces the agent restriction of the calling key.
func mayActAs(w http.ResponseWriter, r *http.Request, agent string) bool {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && !p.CanActAs(agent) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": fmt.Sprintf("key may not act as agent %q", agent)})
		return false
	}
	return true
}

// workspaceFor confines a caller-supplied root to the configured workspace.
func (a *App) workspaceFor(w http.ResponseWriter, root string) (string, bool) {
	if root == "" {
		return "", true
	}
	resolved, err := validate.ValidatePath(root, a.gw.WorkspaceRoot(), validate.PathOptions{MustExist: true})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "workspace_root: " + err.Error()})
		return "", false
	}
	return resolved, true
}

type checkCommandRequest struct {
	Agent         string `json:"agent"`
	Command       string `json:"command"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
}

func (a *App) checkCommand(w http.ResponseWriter, r *http.Request) {
	var req checkCommandRequest
	if !decodeJSON(w, r, &req, "") || !mayActAs(w, r, req.Agent) {
		return
	}
	root, ok := a.workspaceFor(w, req.WorkspaceRoot)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gw.CheckCommand(r.Context(), req.Agent, req.Command, root))
}

type checkPathRequest struct {
	Agent         string `json:"agent"`
	Path          string `json:"path"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
}

func (a *App) checkPath(w http.ResponseWriter, r *http.Request) {
	var req checkPathRequest
	if !decodeJSON(w, r, &req, "") || !mayActAs(w, r, req.Agent) {
		return
	}
	root, ok := a.workspaceFor(w, req.WorkspaceRoot)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gw.CheckPath(r.Context(), req.Agent, req.Path, root))
}

type checkURLRequest struct {
	Agent string `json:"agent"`
	URL   string `json:"url"`
}

func (a *App) checkURL(w http.ResponseWriter, r *http.Request) {
	var req checkURLRequest
	if !decodeJSON(w, r, &req, "") || !mayActAs(w, r, req.Agent) {
		return
	}
	writeJSON(w, http.StatusOK, a.gw.CheckURL(r.Context(), req.Agent, req.URL))
}

type checkParameterRequest struct {
	Agent   string                `json:"agent"`
	Name    string                `json:"name"`
	Value   any                   `json:"value"`
	Type    validate.ParamType    `json:"type"`
	Options validate.ParamOptions `json:"options"`
}

func (a *App) checkParameter(w http.ResponseWriter, r *http.Request) {
	var req checkParameterRequest
	if !decodeJSON(w, r, &req, "") || !mayActAs(w, r, req.Agent) {
		return
	}
	// Path parameters always resolve inside the configured workspace.
	req.Options.WorkspaceRoot = ""
	writeJSON(w, http.StatusOK, a.gw.CheckParameter(r.Context(), req.Agent, req.Name, req.Value, req.Type, req.Options))
}

func (a *App) listPolicies(w http.ResponseWriter, r *http.Request) {
	reg := a.gw.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":     reg.Categories(),
		"agents":         reg.Agents(),
		"agent_patterns": reg.AgentPatterns(),
	})
}

func (a *App) getPolicy(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	p, ok := a.gw.Registry().Policy(category)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown category"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "policy": p})
}

func (a *App) agentPolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validate.ValidateAgentName(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	reg := a.gw.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    name,
		"category": reg.CategoryForAgent(name),
		"policy":   reg.PolicyForAgent(name),
	})
}

func (a *App) limiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Limiter().Status())
}

func (a *App) recentAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	entries, err := a.gw.Audit().RecentLogs(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) auditAnalysis(w http.ResponseWriter, r *http.Request) {
	an, err := a.gw.Audit().AnalyzeSuspiciousActivity(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, an)
}

func (a *App) auditReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.gw.Audit().GenerateReport(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeText(w, http.StatusOK, report)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	v := r.URL.Query()
	var f audit.Filter
	f.Agent = v.Get("agent")
	if op := v.Get("operation"); op != "" {
		f.Operation = types.Operation(op)
		known := false
		for _, o := range types.Operations {
			if o == f.Operation {
				known = true
				break
			}
		}
		if !known {
			return f, fmt.Errorf("unknown operation %q", op)
		}
	}
	if sev := v.Get("severity"); sev != "" {
		f.Severity = types.Severity(strings.ToUpper(sev))
		switch f.Severity {
		case types.SeverityInfo, types.SeverityWarning, types.SeverityCritical:
		default:
			return f, fmt.Errorf("unknown severity %q", sev)
		}
	}
	if s := v.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("success: %w", err)
		}
		f.Success = &b
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", l)
		}
		f.Limit = n
	}
	return f, nil
}

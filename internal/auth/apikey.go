package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roles a key can carry.
const (
	RoleAgent   = "agent"   // may submit checks
	RoleAuditor = "auditor" // may read audit data and policies
	RoleAdmin   = "admin"   // may do both
)

type APIKeyAuth struct {
	headerName string
	keys       map[string]Principal // key -> principal
}

// Principal is the identity behind an accepted key.
type Principal struct {
	ID   string
	Role string
	// Agents restricts which agent names the key may check on behalf of.
	// Empty means any.
	Agents []string
}

type keyFileEntry struct {
	ID          string   `yaml:"id"`
	Key         string   `yaml:"key"`
	Description string   `yaml:"description"`
	Role        string   `yaml:"role"` // agent|auditor|admin
	Agents      []string `yaml:"agents"`
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]Principal, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(e.Role))
		switch role {
		case "":
			role = RoleAdmin
		case RoleAgent, RoleAuditor, RoleAdmin:
		default:
			return nil, fmt.Errorf("api key %q: unknown role %q", e.ID, e.Role)
		}
		keys[e.Key] = Principal{ID: e.ID, Role: role, Agents: e.Agents}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

func (a *APIKeyAuth) IsAllowed(key string) bool {
	_, ok := a.keys[key]
	return ok
}

func (a *APIKeyAuth) RoleForKey(key string) string {
	if a == nil {
		return ""
	}
	return a.keys[key].Role
}

// Middleware rejects requests without a known key and stores the principal
// in the request context.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.keys[r.Header.Get(a.headerName)]
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// HasRole reports whether p may act in role. Admin satisfies every role.
func (p Principal) HasRole(role string) bool {
	return p.Role == RoleAdmin || p.Role == role
}

// CanActAs reports whether p may submit checks for agent.
func (p Principal) CanActAs(agent string) bool {
	if len(p.Agents) == 0 {
		return true
	}
	for _, a := range p.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

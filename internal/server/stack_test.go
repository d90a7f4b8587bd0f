package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/internal/config"
	"github.com/agentsh/cmdgate/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTP.Addr = "127.0.0.1:0"
	cfg.Workspace.Root = t.TempDir()
	cfg.Audit.Output = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Audit.Storage.SQLitePath = ""
	cfg.Audit.Webhook.URL = ""
	cfg.Policies.File = ""
	return cfg
}

func TestBuild_WritesAuditLog(t *testing.T) {
	cfg := testConfig(t)
	st, err := Build(cfg, nil)
	require.NoError(t, err)

	res := st.Gateway.CheckCommand(context.Background(), "code-reviewer", "git status", "")
	assert.True(t, res.Allowed, res.Reason)
	require.NoError(t, st.Close())

	b, err := os.ReadFile(cfg.Audit.Output)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"command_execution"`)
}

func TestBuild_SQLiteMirrorServesQueries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Storage.SQLitePath = filepath.Join(t.TempDir(), "audit.db")
	st, err := Build(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	st.Gateway.CheckCommand(context.Background(), "analyzer", "rm -rf x", "")
	got, err := st.Audit.RecentLogs(context.Background(), audit.Filter{Agent: "analyzer"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.OpCommandExecution, got[0].Operation)
}

func TestBuild_OTELSinkExportsOnClose(t *testing.T) {
	var posts atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/logs" {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	cfg := testConfig(t)
	cfg.Audit.OTEL.Enabled = true
	cfg.Audit.OTEL.Protocol = "http"
	cfg.Audit.OTEL.Endpoint = strings.TrimPrefix(collector.URL, "http://")
	st, err := Build(cfg, nil)
	require.NoError(t, err)

	st.Gateway.CheckCommand(context.Background(), "code-reviewer", "git status", "")
	require.NoError(t, st.Close())
	assert.GreaterOrEqual(t, posts.Load(), int32(1))
}

func TestBuild_IntegrityChainSurvivesRestart(t *testing.T) {
	t.Setenv("CMDGATE_TEST_AUDIT_KEY", "0123456789abcdef0123456789abcdef")
	cfg := testConfig(t)
	cfg.Audit.Integrity.Enabled = true
	cfg.Audit.Integrity.KeyFile = ""
	cfg.Audit.Integrity.KeyEnv = "CMDGATE_TEST_AUDIT_KEY"

	for i := 0; i < 2; i++ {
		st, err := Build(cfg, nil)
		require.NoError(t, err)
		require.NotNil(t, st.Chain)
		st.Gateway.CheckCommand(context.Background(), "developer", "ls", "")
		st.Gateway.CheckURL(context.Background(), "developer", "https://example.com")
		require.NoError(t, st.Close())
	}

	f, err := os.Open(cfg.Audit.Output)
	require.NoError(t, err)
	defer f.Close()
	res, err := audit.VerifyChain(f, []byte("0123456789abcdef0123456789abcdef"), cfg.Audit.Integrity.Algorithm)
	require.NoError(t, err)
	assert.True(t, res.Intact, res.BrokenReason)
	assert.Equal(t, 4, res.Verified)
	assert.False(t, res.Anchored)
}

func TestBuild_IntegrityWithoutKeyFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Integrity.Enabled = true
	cfg.Audit.Integrity.KeyFile = ""
	cfg.Audit.Integrity.KeyEnv = "CMDGATE_TEST_MISSING_KEY"
	_, err := Build(cfg, nil)
	assert.Error(t, err)
}

func TestBuild_PolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies.File = filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(cfg.Policies.File, []byte(`
categories:
  default:
    allowed_commands: [ls]
    denied_patterns: ['\x60', '\$\(', '[<>]\(']
    path_validation_required: true
  builders:
    allowed_commands: [make]
    denied_patterns: ['\x60', '\$\(', '[<>]\(']
agents:
  ci: builders
`), 0o600))

	st, err := Build(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	assert.True(t, st.Gateway.CheckCommand(context.Background(), "ci", "make", "").Allowed)
	assert.False(t, st.Gateway.CheckCommand(context.Background(), "developer", "make", "").Allowed)
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cmdgate.log")
	logger, closer, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)

	_, _, err = NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = NewLogger(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

// Package server runs the HTTP front of the gateway.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentsh/cmdgate/internal/allowlist"
	"github.com/agentsh/cmdgate/internal/api"
	"github.com/agentsh/cmdgate/internal/auth"
	"github.com/agentsh/cmdgate/internal/config"
	"github.com/agentsh/cmdgate/pkg/hotreload"
)

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener

	stack   *Stack
	logger  *slog.Logger
	watcher *hotreload.Watcher

	shutdownTimeout time.Duration
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var apiKeyAuth *auth.APIKeyAuth
	if strings.EqualFold(cfg.Auth.Type, "api_key") {
		loaded, err := auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			return nil, err
		}
		apiKeyAuth = loaded
	}

	readTimeout, err := config.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.write_timeout: %w", err)
	}
	shutdownTimeout, err := config.ParseDuration(cfg.Server.HTTP.ShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.shutdown_timeout: %w", err)
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	stack, err := Build(cfg, logger)
	if err != nil {
		return nil, err
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}

	var watcher *hotreload.Watcher
	if cfg.Policies.Watch {
		if watcher, err = newPolicyWatcher(cfg, stack, logger); err != nil {
			_ = ln.Close()
			_ = stack.Close()
			return nil, err
		}
	}

	app := api.NewApp(cfg, stack.Gateway, stack.Metrics, apiKeyAuth)
	if stack.Approvals != nil {
		app.WithApprovals(stack.Approvals)
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           app.Router(),
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		httpLn:          ln,
		stack:           stack,
		logger:          logger,
		watcher:         watcher,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Stack exposes the wired gateway.
func (s *Server) Stack() *Stack { return s.stack }

// Run serves until ctx ends or the process receives SIGINT or SIGTERM, then
// drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch policies: %w", err)
		}
		defer s.watcher.Stop()
	}

	s.logger.Info("server listening", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

// Close releases the listener and flushes the audit sinks.
func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.stack != nil {
		err := s.stack.Close()
		s.stack = nil
		return err
	}
	return nil
}

// newPolicyWatcher swaps the gateway's registry whenever the policy file
// changes and still loads.
func newPolicyWatcher(cfg *config.Config, stack *Stack, logger *slog.Logger) (*hotreload.Watcher, error) {
	debounce, err := config.ParseDuration(cfg.Policies.WatchDebounce)
	if err != nil {
		return nil, fmt.Errorf("parse policies.watch_debounce: %w", err)
	}
	return hotreload.New(hotreload.Config{
		Path:     cfg.Policies.File,
		Debounce: debounce,
		Reloader: hotreload.ReloaderFunc(func(path string) error {
			reg, err := allowlist.LoadFromFile(path, cfg.Policies.ManifestPath)
			if err != nil {
				return err
			}
			stack.Gateway.SetRegistry(reg)
			return nil
		}),
		OnChange: func(path string, err error) {
			if err != nil {
				logger.Error("policy reload failed; keeping previous table", "path", path, "error", err)
				return
			}
			logger.Info("policy reloaded", "path", path)
		},
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") {
		if !isLoopbackListenAddr(addr) {
			return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
		}
	}
	if !cfg.Server.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
		return nil, fmt.Errorf("server.tls enabled but cert_file/key_file missing")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Unknown hostnames could resolve non-loopback.
	return false
}

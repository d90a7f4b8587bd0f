// Package otel exports audit entries as OpenTelemetry log records over OTLP.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/agentsh/cmdgate/pkg/types"
)

const scopeName = "github.com/agentsh/cmdgate/audit"

type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool // skip server certificate verification

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter Filter

	Resource *resource.Resource
}

// Store exports entries through a batching log provider. Export failures
// are reported by the SDK, never to the caller.
type Store struct {
	filter      *Filter
	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

// New creates the exporter. ctx is only used while constructing it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otel endpoint is empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}

	exp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newStore(proc, cfg.Resource, cfg.Filter), nil
}

func newStore(proc sdklog.Processor, res *resource.Resource, f Filter) *Store {
	if res == nil {
		res = BuildResource("cmdgate", nil)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Store{filter: &f, logProvider: lp, logger: lp.Logger(scopeName)}
}

// AppendEntry emits e unless the filter drops it.
func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if !s.filter.Match(e) {
		return nil
	}
	s.logger.Emit(entryContext(ctx, e), convertToLogRecord(e))
	return nil
}

// QueryEntries is not supported: records leave the process.
func (s *Store) QueryEntries(context.Context, types.EntryQuery) ([]types.AuditEntry, error) {
	return nil, fmt.Errorf("otel store does not support queries")
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.logProvider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure, MinVersion: tls.VersionTLS12}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.TLSEnabled {
			tc, err := tlsConfig(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tc)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.TLSEnabled {
			tc, err := tlsConfig(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlploghttp.WithTLSClientConfig(tc))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}

// Package webhook forwards audit entries in JSON batches to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentsh/cmdgate/pkg/types"
)

// Config configures a Store.
type Config struct {
	URL           string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	Headers       map[string]string
	// MaxRetries bounds redelivery of a failed batch. Client errors other
	// than 429 are not retried.
	MaxRetries uint64
	// InitialInterval is the first retry delay; later ones grow exponentially.
	InitialInterval time.Duration
}

type Store struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	buf       []types.AuditEntry
	lastFlush time.Time
	closed    bool
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	hcopy := map[string]string{}
	for k, v := range cfg.Headers {
		hcopy[k] = v
	}
	cfg.Headers = hcopy
	return &Store{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		lastFlush: time.Now().UTC(),
	}, nil
}

func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	var toFlush []types.AuditEntry

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, e)
	now := time.Now().UTC()
	if len(s.buf) >= s.cfg.BatchSize || now.Sub(s.lastFlush) >= s.cfg.FlushInterval {
		toFlush = s.buf
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.flush(ctx, toFlush)
}

func (s *Store) QueryEntries(context.Context, types.EntryQuery) ([]types.AuditEntry, error) {
	return nil, fmt.Errorf("webhook store does not support queries")
}

// Close delivers whatever is still buffered.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	toFlush := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout*time.Duration(s.cfg.MaxRetries+1))
	defer cancel()
	return s.flush(ctx, toFlush)
}

func (s *Store) flush(ctx context.Context, batch []types.AuditEntry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxRetries), ctx)

	return backoff.Retry(func() error { return s.post(ctx, body) }, policy)
}

func (s *Store) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook responded %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("webhook responded %s", resp.Status))
	}
}

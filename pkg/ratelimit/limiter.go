// Package ratelimit provides admission control for outbound operations:
// a concurrency cap, minute and hour token buckets, a priority queue and
// exponential backoff after rate-limit failures.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when an operation is not admitted before its
	// timeout, or when WaitForCapacity gives up.
	ErrTimeout = errors.New("ratelimit: timed out waiting for admission")
	// ErrStopped is returned for operations queued on or issued to a stopped Limiter.
	ErrStopped = errors.New("ratelimit: limiter stopped")
)

// Config defines limiter configuration.
type Config struct {
	MaxConcurrent   int `json:"max_concurrent" yaml:"max_concurrent"`
	MaxPerMinute    int `json:"max_per_minute" yaml:"max_per_minute"`
	MaxPerHour      int `json:"max_per_hour" yaml:"max_per_hour"`
	MaxBackoffLevel int `json:"max_backoff_level" yaml:"max_backoff_level"`

	// TickInterval is how often queued operations are re-checked against
	// the refilling buckets.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
}

// DefaultConfig returns sensible default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		MaxPerMinute:    60,
		MaxPerHour:      1000,
		MaxBackoffLevel: 5,
		TickInterval:    100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = d.MaxPerMinute
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = d.MaxPerHour
	}
	if c.MaxBackoffLevel <= 0 {
		c.MaxBackoffLevel = d.MaxBackoffLevel
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// ExecOptions tunes a single operation.
type ExecOptions struct {
	// Priority orders the queue: higher runs first, ties run in arrival order.
	Priority int
	// Timeout bounds the time spent queued. Zero waits indefinitely. It does
	// not apply once the operation is running.
	Timeout time.Duration
}

// Status is a snapshot of the limiter.
type Status struct {
	Active             int           `json:"active"`
	Queued             int           `json:"queued"`
	MaxConcurrent      int           `json:"max_concurrent"`
	MinuteTokens       float64       `json:"minute_tokens"`
	HourTokens         float64       `json:"hour_tokens"`
	BackoffLevel       int           `json:"backoff_level"`
	BackoffDelay       time.Duration `json:"backoff_delay_ns"`
	RequestsLastMinute int           `json:"requests_last_minute"`
	RequestsLastHour   int           `json:"requests_last_hour"`
}

// Limiter is the admission point for operations. All of its state is
// guarded by one mutex and admission only happens inside the limiter.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	minute       *rate.Limiter
	hour         *rate.Limiter
	active       int
	queue        opQueue
	seq          uint64
	backoffLevel int
	history      []time.Time
	changed      chan struct{}
	stopped      bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// after is swapped in tests to skip backoff sleeps.
	after func(time.Duration) <-chan time.Time
}

// New creates a Limiter and starts its refill tick. Call Stop to release it.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		after:   time.After,
	}
	l.minute, l.hour = newBuckets(cfg)
	go l.tick()
	return l
}

func newBuckets(cfg Config) (*rate.Limiter, *rate.Limiter) {
	minute := rate.NewLimiter(rate.Limit(float64(cfg.MaxPerMinute)/60), cfg.MaxPerMinute)
	hour := rate.NewLimiter(rate.Limit(float64(cfg.MaxPerHour)/3600), cfg.MaxPerHour)
	return minute, hour
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Stop ends the refill tick and fails every queued operation with
// ErrStopped. Running operations are not affected.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.stop)
		<-l.done
	})
}

func (l *Limiter) tick() {
	defer close(l.done)
	t := time.NewTicker(l.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.mu.Lock()
			l.dispatchLocked(time.Now())
			l.broadcastLocked()
			l.mu.Unlock()
		}
	}
}

// Do waits for admission and runs fn. If fn fails with a rate-limit error
// (see IsRateLimitError) the backoff level rises and fn is run once more
// after BackoffDelay, going through admission again. fn must therefore be
// safe to call twice. Any other error is returned unchanged.
func (l *Limiter) Do(ctx context.Context, opts ExecOptions, fn func(context.Context) error) error {
	if err := l.acquire(ctx, opts); err != nil {
		return err
	}
	delay, err := l.run(ctx, fn)
	if !IsRateLimitError(err) {
		return err
	}

	select {
	case <-l.after(delay):
	case <-ctx.Done():
		return err
	case <-l.stop:
		return err
	}

	if aerr := l.acquire(ctx, opts); aerr != nil {
		return aerr
	}
	_, err = l.run(ctx, fn)
	return err
}

// run calls fn on an admitted slot. The slot is released even if fn panics;
// the panic then continues up the caller's stack.
func (l *Limiter) run(ctx context.Context, fn func(context.Context) error) (delay time.Duration, err error) {
	returned := false
	defer func() {
		if !returned {
			l.release(false, false)
			return
		}
		delay = l.release(err == nil, IsRateLimitError(err))
	}()
	err = fn(ctx)
	returned = true
	return 0, err
}

// Execute is Do for functions that return a value.
func Execute[T any](ctx context.Context, l *Limiter, opts ExecOptions, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, opts, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (l *Limiter) acquire(ctx context.Context, opts ExecOptions) error {
	op := &pendingOp{priority: opts.Priority, admit: make(chan struct{})}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	op.seq = l.seq
	l.seq++
	heap.Push(&l.queue, op)
	l.dispatchLocked(time.Now())
	l.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-op.admit:
		return nil
	case <-timeout:
		return l.abandon(op, ErrTimeout)
	case <-ctx.Done():
		return l.abandon(op, ctx.Err())
	case <-l.stop:
		return l.abandon(op, ErrStopped)
	}
}

// abandon removes a queued operation. If it was admitted in the meantime its
// slot is handed back.
func (l *Limiter) abandon(op *pendingOp, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if op.index >= 0 {
		heap.Remove(&l.queue, op.index)
	} else {
		l.active--
		l.dispatchLocked(time.Now())
	}
	l.broadcastLocked()
	return err
}

// release frees a slot and adjusts the backoff level. It returns the delay
// to wait before a retry.
func (l *Limiter) release(success, rateLimited bool) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	switch {
	case success && l.backoffLevel > 0:
		l.backoffLevel--
	case rateLimited && l.backoffLevel < l.cfg.MaxBackoffLevel:
		l.backoffLevel++
	}
	l.dispatchLocked(time.Now())
	l.broadcastLocked()
	return backoffDelay(l.backoffLevel)
}

// dispatchLocked admits queued operations while a slot and a token in both
// buckets are available.
func (l *Limiter) dispatchLocked(now time.Time) {
	for l.queue.Len() > 0 && l.active < l.cfg.MaxConcurrent {
		if l.minute.TokensAt(now) < 1 || l.hour.TokensAt(now) < 1 {
			return
		}
		l.minute.AllowN(now, 1)
		l.hour.AllowN(now, 1)
		op := heap.Pop(&l.queue).(*pendingOp)
		l.active++
		l.history = append(l.history, now)
		close(op.admit)
	}
	l.pruneLocked(now)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

func (l *Limiter) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// WaitForCapacity blocks until a slot is free and at least one bucket holds
// a token. It does not reserve anything. A zero timeout waits until ctx ends.
func (l *Limiter) WaitForCapacity(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		l.mu.Lock()
		now := time.Now()
		if l.active < l.cfg.MaxConcurrent && (l.minute.TokensAt(now) >= 1 || l.hour.TokensAt(now) >= 1) {
			l.mu.Unlock()
			return nil
		}
		if l.stopped {
			l.mu.Unlock()
			return ErrStopped
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return ErrStopped
		}
	}
}

// BackoffDelay is the delay applied before the next rate-limit retry:
// zero at level 0, otherwise 2^level seconds.
func (l *Limiter) BackoffDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backoffDelay(l.backoffLevel)
}

func backoffDelay(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	return time.Duration(1<<uint(level)) * time.Second
}

// Status returns a snapshot for observability.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.pruneLocked(now)

	minuteAgo := now.Add(-time.Minute)
	lastMinute := 0
	for _, t := range l.history {
		if !t.Before(minuteAgo) {
			lastMinute++
		}
	}
	return Status{
		Active:             l.active,
		Queued:             l.queue.Len(),
		MaxConcurrent:      l.cfg.MaxConcurrent,
		MinuteTokens:       l.minute.TokensAt(now),
		HourTokens:         l.hour.TokensAt(now),
		BackoffLevel:       l.backoffLevel,
		BackoffDelay:       backoffDelay(l.backoffLevel),
		RequestsLastMinute: lastMinute,
		RequestsLastHour:   len(l.history),
	}
}

// Reset refills both buckets, clears the backoff level and the request
// history. Meant for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute, l.hour = newBuckets(l.cfg)
	l.backoffLevel = 0
	l.history = nil
	l.dispatchLocked(time.Now())
	l.broadcastLocked()
}

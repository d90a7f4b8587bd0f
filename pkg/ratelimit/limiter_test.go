package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	l := New(cfg)
	l.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(l.Stop)
	return l
}

func waitQueued(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Status().Queued == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("queued = %d, want %d", l.Status().Queued, n)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 5 || cfg.MaxPerMinute != 60 || cfg.MaxPerHour != 1000 || cfg.MaxBackoffLevel != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	l := New(Config{MaxConcurrent: 2})
	defer l.Stop()
	if got := l.Config(); got.MaxConcurrent != 2 || got.MaxPerMinute != 60 {
		t.Errorf("Config() = %+v, want zero fields defaulted", got)
	}
}

func TestLimiter_MaxConcurrent(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 3, MaxPerMinute: 60, MaxPerHour: 1000})

	base := time.Now()
	var mu sync.Mutex
	starts := make([]time.Duration, 0, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Since(base))
				mu.Unlock()
				time.Sleep(100 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(starts) != 5 {
		t.Fatalf("started %d operations, want 5", len(starts))
	}
	// starts is in start order.
	for i := 0; i < 3; i++ {
		if starts[i] > 50*time.Millisecond {
			t.Errorf("operation %d started after %v, want immediately", i, starts[i])
		}
	}
	for i := 3; i < 5; i++ {
		if starts[i] < 90*time.Millisecond {
			t.Errorf("operation %d started after %v, want after a slot frees", i, starts[i])
		}
	}
	if st := l.Status(); st.Active != 0 || st.Queued != 0 || st.RequestsLastMinute != 5 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestLimiter_PriorityThenFIFO(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	blockerStarted := make(chan struct{})
	go l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		close(blockerStarted)
		<-hold
		return nil
	})
	<-blockerStarted

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	enqueue := func(name string, prio, queued int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), ExecOptions{Priority: prio}, func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
		waitQueued(t, l, queued)
	}
	enqueue("a", 1, 1)
	enqueue("b", 5, 2)
	enqueue("c", 5, 3)
	enqueue("d", 3, 4)

	close(hold)
	wg.Wait()

	want := []string{"b", "c", "d", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLimiter_QueueTimeout(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	go l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		close(started)
		<-hold
		return nil
	})
	<-started
	defer close(hold)

	called := false
	err := l.Do(context.Background(), ExecOptions{Timeout: 30 * time.Millisecond}, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if called {
		t.Error("timed-out operation must not run")
	}
	if q := l.Status().Queued; q != 0 {
		t.Errorf("queued = %d after timeout, want 0", q)
	}
}

func TestLimiter_ContextCancelWhileQueued(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	go l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		close(started)
		<-hold
		return nil
	})
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, ExecOptions{}, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLimiter_MinuteBucket(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 10, MaxPerMinute: 2, MaxPerHour: 100})

	for i := 0; i < 2; i++ {
		if err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}
	err := l.Do(context.Background(), ExecOptions{Timeout: 50 * time.Millisecond}, func(context.Context) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("third Do() error = %v, want ErrTimeout with the minute bucket empty", err)
	}

	l.Reset()
	if err := l.Do(context.Background(), ExecOptions{Timeout: 50 * time.Millisecond}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do() after Reset error = %v", err)
	}
}

func TestLimiter_MinuteBucketRefillsContinuously(t *testing.T) {
	// 120 per minute refills one token every 500ms.
	const ceiling = 120
	l := newTestLimiter(t, Config{MaxConcurrent: ceiling, MaxPerMinute: ceiling, MaxPerHour: 10 * ceiling})

	for i := 0; i < ceiling; i++ {
		if err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}
	if got := l.Status().MinuteTokens; got >= 1 {
		t.Fatalf("MinuteTokens = %v after draining, want < 1", got)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- l.Do(context.Background(), ExecOptions{Timeout: 3 * time.Second}, func(context.Context) error { return nil })
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("queued Do() error = %v, want admission once a token refills", err)
			}
			if waited := time.Since(start); waited > 2*time.Second {
				t.Errorf("admitted after %v, want about one refill interval", waited)
			}
			if got := l.Status().MinuteTokens; got > ceiling {
				t.Errorf("MinuteTokens = %v, want <= %d", got, ceiling)
			}
			return
		case <-time.After(20 * time.Millisecond):
			if got := l.Status().MinuteTokens; got > ceiling {
				t.Fatalf("MinuteTokens = %v while queued, want <= %d", got, ceiling)
			}
		}
	}
}

func TestLimiter_PanicReleasesSlot(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 1})

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("recover() = %v, want the panic from fn", r)
			}
		}()
		_ = l.Do(context.Background(), ExecOptions{}, func(context.Context) error { panic("boom") })
	}()

	if got := l.Status().Active; got != 0 {
		t.Fatalf("Active = %d after panic, want 0", got)
	}
	err := l.Do(context.Background(), ExecOptions{Timeout: 100 * time.Millisecond}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Do() after panic error = %v, want the slot to be free", err)
	}
}

func TestLimiter_RetryOnceAfterRateLimit(t *testing.T) {
	l := newTestLimiter(t, Config{})

	var calls atomic.Int32
	err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		if calls.Add(1) == 1 {
			return &HTTPStatusError{Code: 429}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want success on retry", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	// Raised to 1 by the failure, lowered again by the success.
	if lvl := l.Status().BackoffLevel; lvl != 0 {
		t.Errorf("backoff level = %d, want 0", lvl)
	}
}

func TestLimiter_RetryFailsTooAndLevelClamps(t *testing.T) {
	l := newTestLimiter(t, Config{MaxBackoffLevel: 3})

	var calls atomic.Int32
	for i := 0; i < 4; i++ {
		err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
			calls.Add(1)
			return errors.New("Too Many Requests")
		})
		if !IsRateLimitError(err) {
			t.Fatalf("Do() error = %v, want the rate-limit error", err)
		}
	}
	if calls.Load() != 8 {
		t.Errorf("calls = %d, want exactly one retry per Do", calls.Load())
	}
	if lvl := l.Status().BackoffLevel; lvl != 3 {
		t.Errorf("backoff level = %d, want clamped to 3", lvl)
	}
	if d := l.BackoffDelay(); d != 8*time.Second {
		t.Errorf("BackoffDelay() = %v, want 8s", d)
	}
}

func TestLimiter_OtherErrorsPropagate(t *testing.T) {
	l := newTestLimiter(t, Config{})
	boom := errors.New("boom")

	calls := 0
	err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Do() = %v after %d calls, want boom after 1", err, calls)
	}
	if lvl := l.Status().BackoffLevel; lvl != 0 {
		t.Errorf("backoff level = %d, want unchanged", lvl)
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(0); d != 0 {
		t.Errorf("level 0 = %v, want 0", d)
	}
	for n := 1; n <= 6; n++ {
		want := time.Duration(1<<n) * 1000 * time.Millisecond
		if d := backoffDelay(n); d != want {
			t.Errorf("level %d = %v, want %v", n, d, want)
		}
	}
}

func TestExecute(t *testing.T) {
	l := newTestLimiter(t, Config{})
	got, err := Execute(context.Background(), l, ExecOptions{}, func(context.Context) (string, error) {
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Fatalf("Execute() = %q, %v", got, err)
	}
}

func TestWaitForCapacity(t *testing.T) {
	l := newTestLimiter(t, Config{MaxConcurrent: 1})

	if err := l.WaitForCapacity(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("WaitForCapacity() on idle limiter = %v", err)
	}

	hold := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	if err := l.WaitForCapacity(context.Background(), 30*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitForCapacity() while saturated = %v, want ErrTimeout", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(hold)
	}()
	if err := l.WaitForCapacity(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitForCapacity() after release = %v", err)
	}
	<-done
	if st := l.Status(); st.Active != 0 {
		t.Errorf("WaitForCapacity must not reserve a slot, active = %d", st.Active)
	}
}

func TestLimiter_Stop(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, TickInterval: 5 * time.Millisecond})

	hold := make(chan struct{})
	started := make(chan struct{})
	go l.Do(context.Background(), ExecOptions{}, func(context.Context) error {
		close(started)
		<-hold
		return nil
	})
	<-started

	errc := make(chan error, 1)
	go func() {
		errc <- l.Do(context.Background(), ExecOptions{}, func(context.Context) error { return nil })
	}()
	waitQueued(t, l, 1)

	l.Stop()
	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Errorf("queued Do() after Stop = %v, want ErrStopped", err)
	}
	if err := l.Do(context.Background(), ExecOptions{}, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Do() on stopped limiter = %v, want ErrStopped", err)
	}
	close(hold)
	l.Stop()
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&HTTPStatusError{Code: 429}, true},
		{&HTTPStatusError{Code: 500}, false},
		{errors.New("Rate limit reached for model"), true},
		{errors.New("QUOTA EXCEEDED"), true},
		{errors.New("connection refused"), false},
		{errors.Join(errors.New("outer"), &HTTPStatusError{Code: 429}), true},
	}
	for _, tt := range tests {
		if got := IsRateLimitError(tt.err); got != tt.want {
			t.Errorf("IsRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

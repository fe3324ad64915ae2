package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	poolErrors "github.com/bardlex/poolcore/pkg/errors"
)

var errCommit = errors.New("connection refused")

func failing() error { return errCommit }

func succeeding() error { return nil }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cfg.MaxFailures)
	}
	if cfg.SuccessRequired != 3 {
		t.Errorf("SuccessRequired = %d, want 3", cfg.SuccessRequired)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if New(nil).cfg.Name != "default" {
		t.Error("New(nil) should fall back to the default config")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(&Config{Name: "shares", MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		if err := cb.Execute(ctx, failing); err != errCommit {
			t.Fatalf("Execute() error = %v, want %v", err, errCommit)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	calls := 0
	err := cb.Execute(ctx, func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Error("Execute() should not call fn while open")
	}
	if !IsOpen(err) {
		t.Errorf("IsOpen(%v) = false, want true", err)
	}
	if poolErrors.IsRetryable(err) {
		t.Error("open breaker errors should not be retryable")
	}
	if got := poolErrors.GetContext(err)["breaker"]; got != "shares" {
		t.Errorf("breaker context = %v, want shares", got)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: 10 * time.Millisecond, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("Execute() in half-open error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}
	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: 10 * time.Millisecond, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(ctx, failing)

	if cb.State() != StateOpen {
		t.Errorf("state = %s, want open", cb.State())
	}
}

func TestBreaker_ResetTimeoutClearsFailures(t *testing.T) {
	cb := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(ctx, failing)

	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed after reset timeout", cb.State())
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, cb, func() (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("ExecuteWithResult() = %d, %v, want 7, nil", got, err)
	}

	_, _ = ExecuteWithResult(ctx, cb, func() (int, error) { return 0, errCommit })
	got, err = ExecuteWithResult(ctx, cb, func() (int, error) { return 9, nil })
	if !IsOpen(err) || got != 0 {
		t.Errorf("ExecuteWithResult() while open = %d, %v, want 0 and open error", got, err)
	}
}

func TestBreaker_OnStateChangeAndReset(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := New(&Config{
		Name:            "store",
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), failing)
	cb.Reset()

	want := []string{"store:closed->open", "store:open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := New(&Config{Name: "rpc", MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeeding); !IsOpen(err) {
		t.Errorf("second probe error = %v, want open error", err)
	}
	if got := cb.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestBreaker_CanceledCallsDoNotCount(t *testing.T) {
	cb := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})
	if err != context.Canceled {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if cb.State() != StateClosed || cb.Stats().Failures != 0 {
		t.Errorf("state = %s failures = %d, want closed with no failures", cb.State(), cb.Stats().Failures)
	}

	calls := 0
	if err := cb.Execute(ctx, func() error { calls++; return nil }); err != context.Canceled || calls != 0 {
		t.Errorf("Execute() on a done context = %v with %d calls, want context.Canceled and no call", err, calls)
	}
}

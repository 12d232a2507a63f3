package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := New(Config{
		Name:             "test",
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		CallTimeout:      time.Second,
	}, testLogger(), WithClock(clock.Now))
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

var errProvider = errors.New("provider down")

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, clock := newTestBreaker(3, time.Second)
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %s", cb.GetState())
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	stats := cb.Stats()
	if stats.OpenedAt == nil || !stats.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("opened_at = %v, want %v", stats.OpenedAt, clock.Now())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(2, 5*time.Second)
	trip(cb, 2)
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
	if cb.Stats().TotalRejected != 1 {
		t.Fatalf("total_rejected = %d", cb.Stats().TotalRejected)
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb, clock := newTestBreaker(2, 30*time.Second)
	trip(cb, 2)

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("should still reject before reset timeout")
	}

	clock.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	trip(cb, 2)
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Fatalf("failure_count = %d, want 0", got)
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	trip(cb, 2)
	clock.Advance(time.Second)
	cb.Allow()
	clock.Advance(100 * time.Millisecond)
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if got := cb.Stats().OpenedAt; got == nil || !got.Equal(clock.Now()) {
		t.Fatalf("opened_at should reset to the probe failure time, got %v", got)
	}

	// the reset timeout counts from the new openedAt
	clock.Advance(900 * time.Millisecond)
	if cb.Allow() {
		t.Fatal("should reject until a full reset timeout after re-opening")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_StaleFailuresCleared(t *testing.T) {
	clock := newFakeClock()
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		MonitorInterval:  time.Minute,
	}, testLogger(), WithClock(clock.Now))

	trip(cb, 2)
	clock.Advance(2 * time.Minute)
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("failures older than the monitor interval should not count toward the threshold")
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after 3 recent failures, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	trip(cb, 2)
	clock.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_ConcurrentProbeOnlyOnce(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	trip(cb, 1)
	clock.Advance(time.Second)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 1 {
		t.Fatalf("%d callers entered half-open, want 1", got)
	}
}

func TestCircuitBreaker_ConcurrentFailuresCountedOnce(t *testing.T) {
	cb, _ := newTestBreaker(1000, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Allow()
			cb.RecordFailure()
		}()
	}
	wg.Wait()
	if got := cb.Stats().FailureCount; got != 500 {
		t.Fatalf("failure_count = %d, want 500", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(2, 5*time.Second)
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", FailureThreshold: 5}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.State != "closed" {
		t.Fatalf("state = %s", stats.State)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
	if stats.LastFailure == nil {
		t.Fatal("expected last_failure to be set")
	}
	if stats.OpenedAt != nil {
		t.Fatal("opened_at should be empty while closed")
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.FailureThreshold != 5 {
		t.Fatalf("failure_threshold = %d", cfg.FailureThreshold)
	}
	if cfg.ResetTimeout != 30*time.Second {
		t.Fatalf("reset_timeout = %v", cfg.ResetTimeout)
	}
	if cfg.CallTimeout != 10*time.Second {
		t.Fatalf("call_timeout = %v", cfg.CallTimeout)
	}
	if cfg.MonitorInterval != 60*time.Second {
		t.Fatalf("monitor_interval = %v", cfg.MonitorInterval)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := New(Config{Name: "cb", FailureThreshold: 1, ResetTimeout: time.Second}, testLogger(),
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	trip(cb, 1)
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- Execute / Do ---

func TestExecute_ThresholdLifecycle(t *testing.T) {
	cb, clock := newTestBreaker(5, 30*time.Second)
	ctx := context.Background()

	var calls int
	failing := func(context.Context) error {
		calls++
		return errProvider
	}
	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, failing); !errors.Is(err, errProvider) {
			t.Fatalf("call %d: expected provider error, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after 5 failures, got %s", cb.GetState())
	}

	err := cb.Execute(ctx, failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("6th call: expected ErrCircuitOpen, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("wrapped function invoked %d times, want 5", calls)
	}

	clock.Advance(30 * time.Second)
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after probe, got %s", cb.GetState())
	}
	if cb.Stats().FailureCount != 0 {
		t.Fatalf("failure_count = %d, want 0", cb.Stats().FailureCount)
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Second)
	got, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "provider-id", nil
	})
	if err != nil || got != "provider-id" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestDo_TimeoutCountsAsFailure(t *testing.T) {
	cb := New(Config{Name: "slow", FailureThreshold: 1, CallTimeout: 20 * time.Millisecond}, testLogger())

	release := make(chan struct{})
	defer close(release)

	_, err := Do(context.Background(), cb, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("timeout should count as a failure, state = %s", cb.GetState())
	}
	if cb.Stats().TotalTimeouts != 1 {
		t.Fatalf("total_timeouts = %d", cb.Stats().TotalTimeouts)
	}
}

func TestDo_IgnoredErrorNotCounted(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	errNoDevices := errors.New("no devices")

	err := cb.Execute(context.Background(), func(context.Context) error {
		return Ignore(errNoDevices)
	})
	if err != errNoDevices {
		t.Fatalf("expected the unwrapped error, got %v", err)
	}
	if cb.GetState() != StateClosed || cb.Stats().FailureCount != 0 {
		t.Fatal("ignored error must not count as failure")
	}

	// an ignored probe result frees the half-open slot without closing
	trip(cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), func(context.Context) error { return Ignore(errNoDevices) })
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("half-open slot should have been released")
	}
}

// startCall runs a call through cb that blocks until the returned channel is
// closed. It returns once the call has been admitted.
func startCall(t *testing.T, cb *CircuitBreaker, result error) (chan<- struct{}, <-chan error) {
	t.Helper()
	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-finish
			return result
		})
	}()
	select {
	case <-started:
	case err := <-done:
		t.Fatalf("call was not admitted: %v", err)
	}
	return finish, done
}

func TestDo_LateVerdictFromEarlierState(t *testing.T) {
	tests := []struct {
		name string
		late error
	}{
		{"late success does not close", nil},
		{"late failure does not reopen", errors.New("smtp 451")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, time.Second)

			slowFinish, slowDone := startCall(t, cb, tt.late)

			trip(cb, 1)
			clock.Advance(time.Second)
			probeFinish, probeDone := startCall(t, cb, nil)
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}

			close(slowFinish)
			<-slowDone
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("verdict from a closed-state call changed the probe state to %s", cb.GetState())
			}

			close(probeFinish)
			if err := <-probeDone; err != nil {
				t.Fatalf("probe: %v", err)
			}
			if cb.GetState() != StateClosed {
				t.Fatalf("probe success should close the circuit, got %s", cb.GetState())
			}
		})
	}
}

func TestDo_CallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("caller cancellation must not trip the breaker, state = %s", cb.GetState())
	}
}

func TestDo_PanicIsFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	err := cb.Execute(context.Background(), func(context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected an error from a panicking call")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(""), testLogger())
	email := r.Get("email-service")
	if r.Get("email-service") != email {
		t.Fatal("registry should return the same breaker for a name")
	}
	r.Get("sms-service")

	if _, ok := r.Lookup("push-service"); ok {
		t.Fatal("lookup must not create breakers")
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "email-service" || snap[1].Name != "sms-service" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

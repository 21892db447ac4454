package breaker

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, threshold int, resetTimeout, probeTTL time.Duration) *Breaker {
	t.Helper()
	b, err := New("upstream:8080", threshold, resetTimeout, probeTTL, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name         string
		threshold    int
		resetTimeout time.Duration
	}{
		{"zero threshold", 0, time.Second},
		{"negative threshold", -1, time.Second},
		{"zero reset timeout", 3, 0},
		{"negative reset timeout", 3, -time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New("x", tc.threshold, tc.resetTimeout, 0, nil); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b := newTestBreaker(t, 3, 30*time.Second, 0)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() to return true for closed breaker")
	}
}

func TestBreaker_OpensAtConsecutiveFailureThreshold(t *testing.T) {
	b := newTestBreaker(t, 3, 30*time.Second, 0)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %v", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen at threshold, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to return false for open breaker")
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := newTestBreaker(t, 3, 30*time.Second, 0)

	// Failures interleaved with a success never reach the threshold.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if got := b.Snapshot().Failures; got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}
}

func TestBreaker_OpenToHalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker(t, 1, 50*time.Millisecond, time.Second)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected rejection before reset timeout")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected Allow() to grant the probe after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(t, 1, 20*time.Millisecond, time.Second)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)

	// Many concurrent callers; exactly one gets the probe slot.
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly 1 admitted probe, got %d", admitted)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(t, 1, 20*time.Millisecond, time.Second)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe slot")
	}

	b.RecordSuccess()
	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", snap.State)
	}
	if snap.Failures != 0 {
		t.Fatalf("expected zero failures after close, got %d", snap.Failures)
	}
	if !snap.OpenedAt.IsZero() {
		t.Fatal("expected opened_at cleared after close")
	}
}

func TestBreaker_ProbeFailureReopensAndRestartsCooldown(t *testing.T) {
	b := newTestBreaker(t, 1, 20*time.Millisecond, time.Second)

	b.RecordFailure()
	firstOpenedAt := b.Snapshot().OpenedAt

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe slot")
	}

	b.RecordFailure()
	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", snap.State)
	}
	if !snap.OpenedAt.After(firstOpenedAt) {
		t.Fatal("expected opened_at re-stamped by the failed probe")
	}

	// Cooldown restarted: still rejecting right away.
	if b.Allow() {
		t.Fatal("expected rejection during restarted cooldown")
	}
}

func TestBreaker_AbandonedProbeSlotIsReclaimed(t *testing.T) {
	b := newTestBreaker(t, 1, 20*time.Millisecond, 50*time.Millisecond)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe slot")
	}

	// Probe holder never reports. Before the lease expires the slot is
	// occupied; afterwards a new caller gets it.
	if b.Allow() {
		t.Fatal("expected rejection while probe lease is held")
	}
	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe slot reclaimed after lease expiry")
	}
}

func TestBreaker_ForceOpen(t *testing.T) {
	b := newTestBreaker(t, 3, 30*time.Second, 0)

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after ForceOpen, got %v", b.State())
	}

	// A second ForceOpen re-stamps opened_at, restarting the cooldown.
	first := b.Snapshot().OpenedAt
	time.Sleep(5 * time.Millisecond)
	b.ForceOpen()
	second := b.Snapshot().OpenedAt
	if !second.After(first) {
		t.Fatal("expected second ForceOpen to re-stamp opened_at")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
}

func TestBreaker_ResetIsIdempotent(t *testing.T) {
	b := newTestBreaker(t, 1, 30*time.Second, 0)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}

	b.Reset()
	b.Reset()
	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", snap.State)
	}
	if snap.Failures != 0 {
		t.Fatalf("expected zero failures after Reset, got %d", snap.Failures)
	}
	if !b.Allow() {
		t.Fatal("expected Allow() after Reset")
	}
}

func TestBreaker_LateSuccessWhileOpenIsIgnored(t *testing.T) {
	b := newTestBreaker(t, 1, 30*time.Second, 0)

	b.RecordFailure()
	b.RecordSuccess() // stale report from a call that raced the trip
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen to survive a stale success, got %v", b.State())
	}
}

func TestBreaker_Update(t *testing.T) {
	b := newTestBreaker(t, 5, 30*time.Second, 0)

	b.Update(1, 10*time.Millisecond, 0)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen with lowered threshold, got %v", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe after shortened reset timeout")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := newTestBreaker(t, 100, 30*time.Second, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow()
			b.RecordSuccess()
			b.RecordFailure()
			_ = b.Snapshot()
		}()
	}
	wg.Wait()
	// No panic or race condition = pass.
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/resilience-core/internal/faults"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		PerAttemptTimeout: time.Second,
		BaseBackoff:       10 * time.Millisecond,
		Multiplier:        2,
		MaxBackoff:        time.Second,
	}
}

func TestPolicy_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"valid", func(p *Policy) {}, false},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, true},
		{"zero timeout", func(p *Policy) { p.PerAttemptTimeout = 0 }, true},
		{"negative base backoff", func(p *Policy) { p.BaseBackoff = -1 }, true},
		{"multiplier below one", func(p *Policy) { p.Multiplier = 0.5 }, true},
		{"jitter above one", func(p *Policy) { p.Jitter = 1.5 }, true},
		{"negative jitter", func(p *Policy) { p.Jitter = -0.1 }, true},
		{"single attempt no backoff", func(p *Policy) {
			p.MaxAttempts = 1
			p.BaseBackoff = 0
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPolicy()
			tc.mutate(&p)
			err := p.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPolicy_BackoffSchedule(t *testing.T) {
	p := Policy{
		MaxAttempts:       5,
		PerAttemptTimeout: time.Second,
		BaseBackoff:       100 * time.Millisecond,
		Multiplier:        2,
		MaxBackoff:        300 * time.Millisecond,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond}, // capped at max
		{4, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicy_BackoffJitterBounds(t *testing.T) {
	p := testPolicy()
	p.BaseBackoff = 100 * time.Millisecond
	p.Jitter = 0.5

	for i := 0; i < 50; i++ {
		got := p.Backoff(1)
		if got < 100*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered backoff %s outside [100ms, 150ms]", got)
		}
	}
}

func TestPolicy_Budget(t *testing.T) {
	p := Policy{
		MaxAttempts:       3,
		PerAttemptTimeout: time.Second,
		BaseBackoff:       100 * time.Millisecond,
		Multiplier:        2,
		MaxBackoff:        time.Second,
	}

	// 3 x 1s attempts + 100ms + 200ms backoffs.
	want := 3*time.Second + 300*time.Millisecond
	if got := p.Budget(); got != want {
		t.Fatalf("Budget() = %s, want %s", got, want)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), testPolicy(), "upstream:8080", slog.Default(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("expected 1 attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDo_RetriesRecoverableThenSucceeds(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), testPolicy(), "upstream:8080", slog.Default(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return faults.Transport(errors.New("connection refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := testPolicy()
	p.BaseBackoff = 100 * time.Millisecond

	var gaps []time.Duration
	last := time.Now()
	calls := 0
	attempts, err := Do(context.Background(), p, "upstream:8080", slog.Default(), func(ctx context.Context) error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return faults.Transport(errors.New("connection refused"))
	})

	if calls != 3 || attempts != 3 {
		t.Fatalf("expected 3 calls, got calls=%d attempts=%d", calls, attempts)
	}
	if faults.ReasonOf(err) != faults.ReasonRetriesExhausted {
		t.Fatalf("expected retries-exhausted fault, got %v", err)
	}
	var f *faults.Fault
	if !errors.As(err, &f) || f.Attempts != 3 {
		t.Fatalf("expected fault carrying 3 attempts, got %v", err)
	}

	// Backoff schedule with base=100ms, multiplier=2: gaps of >=100ms
	// then >=200ms between the attempts.
	if len(gaps) != 2 {
		t.Fatalf("expected 2 inter-attempt gaps, got %d", len(gaps))
	}
	if gaps[0] < 100*time.Millisecond {
		t.Fatalf("first backoff %s shorter than 100ms", gaps[0])
	}
	if gaps[1] < 200*time.Millisecond {
		t.Fatalf("second backoff %s shorter than 200ms", gaps[1])
	}
}

func TestDo_NonRecoverableStopsImmediately(t *testing.T) {
	calls := 0
	permanent := faults.Upstream(501, false)
	attempts, err := Do(context.Background(), testPolicy(), "upstream:8080", slog.Default(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 || attempts != 1 {
		t.Fatalf("expected a single attempt, got calls=%d attempts=%d", calls, attempts)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the upstream fault returned unchanged, got %v", err)
	}
}

func TestDo_AttemptTimeoutIsRecoverable(t *testing.T) {
	p := testPolicy()
	p.PerAttemptTimeout = 20 * time.Millisecond
	p.MaxAttempts = 2
	p.BaseBackoff = time.Millisecond

	calls := 0
	_, err := Do(context.Background(), p, "upstream:8080", slog.Default(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 2 {
		t.Fatalf("expected timeout to be retried, got %d calls", calls)
	}
	if faults.ReasonOf(err) != faults.ReasonRetriesExhausted {
		t.Fatalf("expected retries-exhausted fault, got %v", err)
	}
}

func TestDo_CallerCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, testPolicy(), "upstream:8080", slog.Default(), func(ctx context.Context) error {
		calls++
		cancel()
		return faults.Transport(errors.New("connection reset"))
	})
	if calls != 1 {
		t.Fatalf("expected no retry after caller cancellation, got %d calls", calls)
	}
	if faults.ReasonOf(err) != faults.ReasonCancelled {
		t.Fatalf("expected cancelled fault, got %v", err)
	}
}

func TestDo_CancellationDuringBackoff(t *testing.T) {
	p := testPolicy()
	p.BaseBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, p, "upstream:8080", slog.Default(), func(ctx context.Context) error {
		return faults.Transport(errors.New("connection refused"))
	})
	if faults.ReasonOf(err) != faults.ReasonCancelled {
		t.Fatalf("expected cancelled fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("backoff sleep not interrupted, took %s", elapsed)
	}
}

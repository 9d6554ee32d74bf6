package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/senken/internal/model"
)

func upstreamErr() error {
	return model.E(model.KindUpstream, "svc", "boom")
}

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: recovery}, testLogger())
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	}
	if got := b.StateOf("svc"); got != StateOpen {
		t.Fatalf("expected open after threshold, got %s", got)
	}

	// The next call must be rejected without invoking the operation.
	invoked := false
	err := b.Call(ctx, "svc", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("operation invoked while circuit open")
	}
	if !model.IsKind(err, model.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return nil })
	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })

	if got := b.StateOf("svc"); got != StateClosed {
		t.Fatalf("expected closed (success reset the counter), got %s", got)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	if got := b.StateOf("svc"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	// After the recovery timeout, exactly one trial call is admitted,
	// regardless of how much further time has elapsed.
	*now = now.Add(5 * time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(ctx, "svc", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	// Wait for the probe to be admitted, then verify concurrent callers
	// are rejected while the trial is in flight.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("trial call was never admitted")
	}
	err := b.Call(ctx, "svc", func(ctx context.Context) error { return nil })
	if !model.IsKind(err, model.KindCircuitOpen) {
		t.Fatalf("expected concurrent caller rejected during trial, got %v", err)
	}

	close(release)
	wg.Wait()

	if got := b.StateOf("svc"); got != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", got)
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	*now = now.Add(2 * time.Minute)

	_ = b.Call(ctx, "svc", func(ctx context.Context) error { return upstreamErr() })
	if got := b.StateOf("svc"); got != StateOpen {
		t.Fatalf("expected reopened after failed trial, got %s", got)
	}

	// The timer restarts from the trial failure.
	*now = now.Add(30 * time.Second)
	err := b.Call(ctx, "svc", func(ctx context.Context) error { return nil })
	if !model.IsKind(err, model.KindCircuitOpen) {
		t.Fatalf("expected still open before recovery elapses, got %v", err)
	}
}

func TestBreakerIsolatesServices(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Call(ctx, "marketTrend", func(ctx context.Context) error { return upstreamErr() })

	if got := b.StateOf("marketTrend"); got != StateOpen {
		t.Fatalf("expected marketTrend open, got %s", got)
	}
	if got := b.StateOf("financialData"); got != StateClosed {
		t.Fatalf("expected financialData untouched, got %s", got)
	}
	if err := b.Call(ctx, "financialData", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unrelated service affected: %v", err)
	}
}

func TestBreakerPerServiceOverride(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	b.Configure("fragile", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Call(ctx, "fragile", func(ctx context.Context) error { return upstreamErr() })
	if got := b.StateOf("fragile"); got != StateOpen {
		t.Fatalf("expected override threshold of 1 to open the circuit, got %s", got)
	}
}

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{Initial: time.Minute, Max: 5 * time.Minute, Factor: 2, Jitter: 0.1}

	if d := p.delay(1, 0); d != time.Minute {
		t.Fatalf("attempt 1 delay = %v, want 1m", d)
	}
	if d := p.delay(2, 0); d != 2*time.Minute {
		t.Fatalf("attempt 2 delay = %v, want 2m", d)
	}
	if d := p.delay(4, 0); d != 5*time.Minute {
		t.Fatalf("attempt 4 delay = %v, want capped at 5m", d)
	}

	// full jitter adds at most Jitter fraction on top
	if d := p.delay(1, 1); d != time.Minute+6*time.Second {
		t.Fatalf("jittered delay = %v, want 1m6s", d)
	}
}

func TestRetryReturnsFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), Policy{}, 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Fatalf("v = %q, calls = %d", v, calls)
	}
}

func TestRetryReturnsLastCause(t *testing.T) {
	boom := errors.New("still broken")
	_, err := Retry(context.Background(), Policy{}, 3, func(int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the last underlying cause", err)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("transient")
	calls := 0
	_, err := Retry(ctx, Policy{Initial: time.Hour}, 5, func(int) (int, error) {
		calls++
		cancel() // cancel during the first attempt; the sleep must not block
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the attempt's error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not honor the context deadline")
	}
}

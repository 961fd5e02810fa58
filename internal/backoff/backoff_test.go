package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 0, 400 * time.Millisecond},
		{2, 1, 300 * time.Millisecond},
		{10, 0, time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt, tt.r); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
		}
	}
	if (Policy{}).Delay(3) != 0 {
		t.Error("zero policy should not wait")
	}
}

func TestRetry(t *testing.T) {
	fast := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		v, err := Retry(context.Background(), fast, 5, isTransient, func(attempt int) (string, error) {
			calls++
			if attempt < 3 {
				return "", transient
			}
			return "ok", nil
		})
		if err != nil || v != "ok" || calls != 3 {
			t.Fatalf("v=%q err=%v calls=%d", v, err, calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, 5, isTransient, func(int) (int, error) {
			calls++
			return 0, fatal
		})
		if !errors.Is(err, fatal) || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, 3, isTransient, func(int) (int, error) {
			calls++
			return 0, transient
		})
		if !errors.Is(err, transient) || calls != 3 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Retry(ctx, fast, 3, isTransient, func(int) (int, error) {
			t.Fatal("fn must not run")
			return 0, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

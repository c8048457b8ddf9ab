package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Constant(5, time.Millisecond), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops after the attempt budget", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := Do(context.Background(), Constant(4, time.Millisecond), func(ctx context.Context) error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if calls != 4 {
			t.Errorf("expected 4 calls, got %d", calls)
		}
	})

	t.Run("permanent error short-circuits", func(t *testing.T) {
		calls := 0
		fatal := errors.New("fatal")
		err := Do(context.Background(), Exponential(10, time.Millisecond, 10*time.Millisecond), func(ctx context.Context) error {
			calls++
			return Permanent(fatal)
		})
		if !errors.Is(err, fatal) {
			t.Errorf("expected fatal, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Do(ctx, Constant(5, time.Millisecond), func(ctx context.Context) error {
			calls++
			return errors.New("never")
		})
		if err == nil {
			t.Fatal("expected an error")
		}
		if calls != 0 {
			t.Errorf("expected no calls on a cancelled context, got %d", calls)
		}
	})
}

func TestUntil(t *testing.T) {
	t.Run("returns once the condition holds", func(t *testing.T) {
		checks := 0
		err := Until(context.Background(), Constant(10, time.Millisecond), func(ctx context.Context) bool {
			checks++
			return checks == 2
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if checks != 2 {
			t.Errorf("expected 2 checks, got %d", checks)
		}
	})

	t.Run("exhausts", func(t *testing.T) {
		checks := 0
		err := Until(context.Background(), Constant(3, time.Millisecond), func(ctx context.Context) bool {
			checks++
			return false
		})
		if !errors.Is(err, ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
		if checks != 3 {
			t.Errorf("expected 3 checks, got %d", checks)
		}
	})

	t.Run("honours context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		err := Until(ctx, Constant(100, time.Second), func(ctx context.Context) bool { return true })
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

package querycore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("Expected open after 3 failures, got %s", cb.State())
	}

	// Open circuit fails fast without running fn
	ran := false
	err := cb.Execute(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, ErrCacheIO) {
		t.Errorf("Expected ErrCacheIO from open circuit, got %v", err)
	}
	if ran {
		t.Error("Expected fn not to run while open")
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	cb.Execute(ctx, func() error { return boom })
	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return boom })

	if cb.State() != "closed" {
		t.Errorf("Expected closed after interleaved success, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errors.New("boom") })
	if cb.State() != "open" {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("Expected closed after probe success, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(5, 10*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		cb.Execute(ctx, func() error { return boom })
	}
	time.Sleep(20 * time.Millisecond)

	// Single failure in half-open reopens regardless of maxFailures
	cb.Execute(ctx, func() error { return boom })
	if cb.State() != "open" {
		t.Errorf("Expected reopened circuit, got %s", cb.State())
	}
}

func TestCircuitBreakerStateCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(1, time.Minute).WithStateChangeCallback(func(from, to string) {
		transitions = append(transitions, from+">"+to)
	})

	cb.Execute(context.Background(), func() error { return errors.New("boom") })
	cb.Reset()

	want := []string{"closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Expected transition %s, got %s", want[i], transitions[i])
		}
	}
}

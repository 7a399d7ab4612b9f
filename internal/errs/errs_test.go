package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindComparison(t *testing.T) {
	err := New(KindUnknownAgent, "no such agent")
	if !OfKind(err, KindUnknownAgent) {
		t.Fatalf("expected OfKind to match")
	}
	if OfKind(err, KindOverloaded) {
		t.Fatalf("expected kind mismatch")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !OfKind(wrapped, KindUnknownAgent) {
		t.Fatalf("expected OfKind to see through wrapping")
	}

	if !errors.Is(wrapped, New(KindUnknownAgent, "different message")) {
		t.Fatalf("expected errors.Is to compare by kind, not message")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStoreFailed, "insert failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected the cause to unwrap")
	}
}

func TestRetryableAndFatal(t *testing.T) {
	if !KindModelFailed.Retryable() || !KindEmbeddingFailed.Retryable() || !KindStoreFailed.Retryable() {
		t.Fatalf("transient infra kinds must be retryable")
	}
	if KindUnknownAgent.Retryable() || KindInvalidInput.Retryable() {
		t.Fatalf("configuration errors must not be retryable")
	}
	if !KindCorruptEmbedding.Fatal() || !KindSchemaIncompatible.Fatal() {
		t.Fatalf("corruption kinds must be fatal")
	}
	if KindModelFailed.Fatal() {
		t.Fatalf("ModelFailed is transient, not fatal")
	}
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), KindModelFailed, func() error {
		attempts++
		if attempts < 3 {
			return New(KindModelFailed, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), KindModelFailed, func() error {
		attempts++
		return New(KindModelFailed, "always down")
	})
	if err == nil {
		t.Fatalf("expected the final error to surface")
	}
	if attempts != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, attempts)
	}
}

func TestWithRetryNonRetryableFailsFast(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), KindInvalidInput, func() error {
		attempts++
		return New(KindInvalidInput, "bad input")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected one attempt for a non-retryable kind, got %d (%v)", attempts, err)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, KindModelFailed, func() error {
		attempts++
		return New(KindModelFailed, "down")
	})
	if !OfKind(err, KindCancelled) {
		t.Fatalf("expected Cancelled between attempts, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before the cancelled backoff, got %d", attempts)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	h := NewHandler(BreakerConfig{MaxFailures: 2, Window: 0, Cooldown: 0})

	boom := New(KindModelFailed, "model down")
	for i := 0; i < 2; i++ {
		if err := h.Guard(func() error { return boom }); err == nil {
			t.Fatalf("expected failure %d to propagate", i)
		}
	}

	err := h.Guard(func() error {
		t.Fatalf("the open breaker must not invoke the operation")
		return nil
	})
	if !OfKind(err, KindOverloaded) {
		t.Fatalf("expected Overloaded from an open breaker, got %v", err)
	}
}

func TestGuardPassesThroughSuccess(t *testing.T) {
	h := NewHandler(DefaultBreakerConfig())
	if err := h.Guard(func() error { return nil }); err != nil {
		t.Fatalf("Guard: %v", err)
	}
}

package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/undiscoveredart/marketplace/internal/retry"
	"github.com/undiscoveredart/marketplace/internal/store"
)

// stubRunner counts executions and returns scripted errors.
type stubRunner struct {
	calls int
	errs  []error
}

func (r *stubRunner) RunSerializable(_ context.Context, fn func(tx store.Tx) error) error {
	r.calls++
	if r.calls <= len(r.errs) {
		return r.errs[r.calls-1]
	}
	return fn(nil)
}

func TestSerializable_SucceedsFirstAttempt(t *testing.T) {
	r := &stubRunner{}
	ran := 0
	err := retry.Serializable(context.Background(), r, func(tx store.Tx) error {
		ran++
		return nil
	})
	if err != nil {
		t.Fatalf("Serializable: %v", err)
	}
	if r.calls != 1 || ran != 1 {
		t.Errorf("calls = %d, fn runs = %d, want 1 and 1", r.calls, ran)
	}
}

func TestSerializable_RetriesOnSentinel(t *testing.T) {
	conflict := fmt.Errorf("wrapped: %w", store.ErrSerialization)
	r := &stubRunner{errs: []error{conflict, conflict}}

	err := retry.Serializable(context.Background(), r, func(tx store.Tx) error { return nil })
	if err != nil {
		t.Fatalf("Serializable: %v", err)
	}
	if r.calls != 3 {
		t.Errorf("calls = %d, want 3 (two conflicts, one success)", r.calls)
	}
}

func TestSerializable_ExhaustionBecomesConflict(t *testing.T) {
	conflict := fmt.Errorf("wrapped: %w", store.ErrSerialization)
	r := &stubRunner{errs: []error{conflict, conflict, conflict, conflict, conflict}}

	err := retry.Serializable(context.Background(), r, func(tx store.Tx) error { return nil })
	if !errors.Is(err, retry.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if r.calls != 4 {
		t.Errorf("calls = %d, want 4 (initial attempt + 3 retries)", r.calls)
	}
	// The sentinel itself never reaches the caller.
	if errors.Is(err, store.ErrSerialization) {
		t.Error("serialization sentinel leaked through the retry loop")
	}
}

func TestSerializable_DomainErrorNotRetried(t *testing.T) {
	domain := errors.New("below minimum")
	r := &stubRunner{errs: []error{domain}}

	err := retry.Serializable(context.Background(), r, func(tx store.Tx) error { return nil })
	if !errors.Is(err, domain) {
		t.Fatalf("err = %v, want the domain error unchanged", err)
	}
	if r.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on domain errors)", r.calls)
	}
}

func TestSerializable_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &stubRunner{}
	err := retry.Serializable(ctx, r, func(tx store.Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.calls != 0 {
		t.Errorf("calls = %d, want 0 after cancellation", r.calls)
	}
}

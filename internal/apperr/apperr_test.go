package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedSentinel(t *testing.T) {
	sentinel := New(KindConflict, "subscription_exists")
	wrapped := fmt.Errorf("subscribe: %w", sentinel)

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindConflict {
		t.Fatalf("expected conflict kind, got %q (ok=%v)", kind, ok)
	}
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match sentinel")
	}
	if CodeOf(wrapped) != "subscription_exists" {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("boom")); ok {
		t.Fatalf("plain error must not be classified")
	}
	if Is(nil, KindValidation) {
		t.Fatalf("nil error must not match")
	}
}

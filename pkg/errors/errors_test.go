package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWithInternalPreservesIdentity(t *testing.T) {
	wrapped := ErrQuotaExceeded.WithInternal(errors.New("3 active, max 4"))

	if !errors.Is(wrapped, ErrQuotaExceeded) {
		t.Fatal("expected wrapped error to match quota sentinel")
	}

	if wrapped.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status: %d", wrapped.StatusCode)
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Fatal("nil error should map to nil")
	}

	plain := errors.New("disk on fire")
	converted := FromError(plain)
	if converted.Code != ErrInternalServer.Code {
		t.Fatalf("unexpected code: %s", converted.Code)
	}
	if !errors.Is(converted, plain) {
		t.Fatal("expected internal error to be preserved")
	}

	passthrough := FromError(fmt.Errorf("context: %w", ErrTokenRevoked))
	if passthrough.Code != ErrTokenRevoked.Code {
		t.Fatalf("expected revoked code, got %s", passthrough.Code)
	}
}

func TestErrorString(t *testing.T) {
	err := New("TEST", "something broke", http.StatusTeapot)
	if err.Error() != "something broke" {
		t.Fatalf("unexpected message: %s", err.Error())
	}

	with := err.WithInternal(errors.New("root cause"))
	if with.Error() != "something broke: root cause" {
		t.Fatalf("unexpected message: %s", with.Error())
	}
}

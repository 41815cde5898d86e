package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := Configuration("auth", "/tmp/creds.json", "file not found", errors.New("open failed"))
	wrapped := fmt.Errorf("resolve: %w", base)

	if got := KindOf(wrapped); got != KindConfiguration {
		t.Fatalf("KindOf = %v, want configuration", got)
	}
	if !IsFatal(wrapped) {
		t.Error("expected configuration error to be fatal")
	}
	if code := ExitCode(wrapped); code != 2 {
		t.Errorf("ExitCode = %d, want 2", code)
	}
	if !strings.Contains(wrapped.Error(), "/tmp/creds.json") {
		t.Errorf("expected path in message, got %q", wrapped.Error())
	}
}

func TestRecoverableKinds(t *testing.T) {
	if IsFatal(Transport("rpc", errors.New("connection refused"))) {
		t.Error("transport error should be recoverable")
	}
	if IsFatal(Protocol("rpc", "status 500", nil)) {
		t.Error("protocol error should be recoverable by default")
	}
	if !IsFatal(Fatalf("launch", nil, "exited with code %d", 1)) {
		t.Error("Fatalf should produce a fatal error")
	}
	if IsFatal(errors.New("plain")) {
		t.Error("foreign errors are recoverable")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(Transport("rpc", errors.New("refused"))) {
		t.Error("transport error should be recoverable")
	}
	if IsRecoverable(Authorization("auth", "rejected", nil)) {
		t.Error("authorization error should not be recoverable")
	}
	if IsRecoverable(fmt.Errorf("call: %w", context.Canceled)) {
		t.Error("cancellation should not be recoverable")
	}
	if IsRecoverable(nil) {
		t.Error("nil is not an error to recover from")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("x"), 1},
		{Configuration("op", "", "bad", nil), 2},
		{Authorization("op", "rejected", nil), 3},
		{DataUnavailable("op", "no cache", nil), 4},
		{Transport("op", errors.New("refused")), 5},
		{Protocol("op", "bad status", nil), 5},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

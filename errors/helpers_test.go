package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/c0deZ3R0/bizsync/errors"
)

func TestWrapOpComponent(t *testing.T) {
	if got := errors.WrapOpComponent(nil, "sqlite.Put", "storage/sqlite"); got != nil {
		t.Fatalf("expected nil for nil error, got %v", got)
	}

	inner := errors.NewQuotaError(errors.OpStore, fmt.Errorf("over budget"))
	wrapped := errors.WrapOpComponent(inner, "sqlite.Put", "storage/sqlite")

	if errors.KindOf(wrapped) != errors.KindQuotaExceeded {
		t.Errorf("kind = %v, want %v", errors.KindOf(wrapped), errors.KindQuotaExceeded)
	}
	if !strings.Contains(wrapped.Error(), "sqlite.Put operation failed in storage/sqlite component") {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}

func TestWrapOpComponentKind(t *testing.T) {
	err := errors.WrapOpComponentKind(fmt.Errorf("dial tcp: refused"), "httpdoc.Metadata", "remote/httpdoc", errors.KindNetwork)

	if !errors.IsKind(err, errors.KindNetwork) {
		t.Errorf("expected network kind, got %v", errors.KindOf(err))
	}
	if !errors.IsRetryable(err) {
		t.Error("network errors should be retryable")
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.NewAuthError(errors.OpAuth, fmt.Errorf("expired")), "Session expired"},
		{errors.NewNetworkError(errors.OpFetch, fmt.Errorf("x")), "Offline"},
		{errors.NewQuotaError(errors.OpStore, fmt.Errorf("x")), "Local storage is full"},
		{fmt.Errorf("unexpected"), "Sync failed: unexpected"},
	}

	for _, tt := range tests {
		got := errors.Message(tt.err)
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("Message(%v) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}
}

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpStore,
			component: "store",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "store operation failed in store component [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpUpload,
			component: "gateway",
			err:       fmt.Errorf("connection reset"),
			want:      "upload operation failed in gateway component: connection reset",
		},
		{
			name: "without component with code",
			op:   OpPush,
			code: ErrCodeNetworkFailure,
			err:  fmt.Errorf("network error"),
			want: "push operation failed [NETWORK_FAILURE]: network error",
		},
		{
			name: "without component or code",
			op:   OpPull,
			err:  fmt.Errorf("network error"),
			want: "pull operation failed: network error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("SyncError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructorsAssignKinds(t *testing.T) {
	cause := fmt.Errorf("boom")
	tests := []struct {
		name      string
		err       *SyncError
		kind      Kind
		retryable bool
	}{
		{"network", NewNetworkError(OpFetch, cause), KindNetwork, true},
		{"conflict", NewConflictError(OpUpload, cause), KindConflict, true},
		{"quota", NewQuotaError(OpStore, cause), KindQuotaExceeded, false},
		{"validation", NewValidationError(OpDecode, cause), KindMalformed, false},
		{"auth", NewAuthError(OpMetadata, cause), KindNotAuthenticated, false},
		{"storage", NewStorageError(OpStore, cause), KindInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Err != cause {
				t.Errorf("Err = %v, want %v", tt.err.Err, cause)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error", fmt.Errorf("plain"), KindInternal},
		{"direct", NewNetworkError(OpFetch, fmt.Errorf("x")), KindNetwork},
		{"wrapped by fmt", fmt.Errorf("ctx: %w", NewConflictError(OpUpload, fmt.Errorf("x"))), KindConflict},
		{"wrapped by component", NewWithComponent(OpPush, "coordinator", NewAuthError(OpMetadata, fmt.Errorf("x"))), KindNotAuthenticated},
		{"kindless outer", &SyncError{Op: OpSync, Err: NewQuotaError(OpStore, fmt.Errorf("x"))}, KindQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinelsMatchByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewConflictError(OpUpload, fmt.Errorf("marker mismatch")))

	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) = false, want true")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = true, want false")
	}
	if errors.Is(NewNetworkError(OpFetch, fmt.Errorf("x")), ErrQuotaExceeded) {
		t.Error("network error matched quota sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable sync error",
			err:  NewRetryable(OpSync, fmt.Errorf("temporary error")),
			want: true,
		},
		{
			name: "non-retryable sync error",
			err:  New(OpSync, fmt.Errorf("permanent error")),
			want: false,
		},
		{
			name: "non-sync error",
			err:  fmt.Errorf("regular error"),
			want: false,
		},
		{
			name: "wrapped retryable error",
			err:  fmt.Errorf("wrapped: %w", NewNetworkError(OpSync, fmt.Errorf("temporary"))),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsAs(t *testing.T) {
	var syncErr *SyncError
	err := fmt.Errorf("wrapped: %w", New(OpSync, fmt.Errorf("inner")))

	if !errors.As(err, &syncErr) {
		t.Error("errors.As() failed to detect SyncError")
	}

	if syncErr.Op != OpSync {
		t.Errorf("errors.As() Op = %v, want %v", syncErr.Op, OpSync)
	}
}

// Package errors provides the closed error taxonomy used across the sync core.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the closed taxonomy surfaced to callers.
type Kind string

const (
	KindNotAuthenticated Kind = "not_authenticated"
	KindNetwork          Kind = "network"
	KindConflict         Kind = "conflict"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindMalformed        Kind = "malformed"
	KindInternal         Kind = "internal"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeAuthFailure       ErrorCode = "AUTH_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync        Operation = "sync"
	OpPush        Operation = "push"
	OpPull        Operation = "pull"
	OpStore       Operation = "store"
	OpLoad        Operation = "load"
	OpMetadata    Operation = "metadata"
	OpFetch       Operation = "fetch"
	OpUpload      Operation = "upload"
	OpAuth        Operation = "auth"
	OpDecode      Operation = "decode"
	OpTransport   Operation = "transport"
	OpClose       Operation = "close"
	OpReconcile   Operation = "reconcile"
	OpPersistMeta Operation = "persist_meta"
)

// Sentinel errors matched with errors.Is against a SyncError of the same kind.
var (
	ErrNotAuthenticated = &SyncError{Kind: KindNotAuthenticated, Err: errors.New("not authenticated")}
	ErrNetwork          = &SyncError{Kind: KindNetwork, Err: errors.New("network unavailable")}
	ErrConflict         = &SyncError{Kind: KindConflict, Err: errors.New("remote changed")}
	ErrQuotaExceeded    = &SyncError{Kind: KindQuotaExceeded, Err: errors.New("quota exceeded")}
	ErrMalformed        = &SyncError{Kind: KindMalformed, Err: errors.New("malformed payload")}
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "gateway")
	Component string

	// Kind places the error in the closed taxonomy
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried by a later tick
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	switch {
	case e.Op == "" && e.Component == "":
		msg = "sync error"
	case e.Component != "":
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	default:
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a SyncError sentinel of the same kind.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok || t.Kind == "" {
		return false
	}
	return t.Op == "" && t.Component == "" && e.Kind == t.Kind
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewQuotaError reports that local persistence ran out of room.
func NewQuotaError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindQuotaExceeded,
		Err:       cause,
		Retryable: false,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "gateway",
		Kind:      KindConflict,
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindMalformed,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "gateway",
		Kind:      KindNetwork,
		Err:       cause,
		Retryable: true,
	}
}

// NewAuthError reports an expired or missing session.
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeAuthFailure,
		Op:        op,
		Component: "gateway",
		Kind:      KindNotAuthenticated,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:   op,
		Kind: KindOf(err),
		Err:  err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      KindOf(err),
		Retryable: IsRetryable(err),
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Kind:      KindOf(err),
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the taxonomy kind of err. Errors outside the taxonomy are
// KindInternal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var syncErr *SyncError
	for errors.As(err, &syncErr) {
		if syncErr.Kind != "" {
			return syncErr.Kind
		}
		if syncErr.Err == nil {
			break
		}
		err = syncErr.Err
	}
	return KindInternal
}

// IsKind reports whether err belongs to kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

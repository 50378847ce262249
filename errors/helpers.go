package errors

import "errors"

// Is is errors.Is, re-exported so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As, re-exported so callers need only this package.
func As(err error, target any) bool { return errors.As(err, target) }

// WrapOpComponent wraps err with a consistent Op and Component, keeping the
// kind and retryability of any SyncError already in the chain.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        Operation(op),
		Component: component,
		Kind:      KindOf(err),
		Retryable: IsRetryable(err),
		Err:       err,
	}
}

// WrapOpComponentKind wraps err with Op, Component, and an explicit Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        Operation(op),
		Component: component,
		Kind:      kind,
		Retryable: kind == KindNetwork || kind == KindConflict,
		Err:       err,
	}
}

// Message renders err as the single human-readable status line shown to users.
func Message(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindNotAuthenticated:
		return "Session expired. Sign in again to resume syncing."
	case KindNetwork:
		return "Offline. Changes are saved locally and will sync when the connection returns."
	case KindConflict:
		return "The shared file changed while saving. Your changes will be merged on the next sync."
	case KindQuotaExceeded:
		return "Local storage is full. Recent changes are kept in memory only."
	case KindMalformed:
		return "The shared file could not be read. Local data was kept."
	default:
		return "Sync failed: " + err.Error()
	}
}

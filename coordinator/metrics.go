package coordinator

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordSyncDuration records how long a push or pull took
	RecordSyncDuration(op string, d time.Duration)

	// RecordSyncEvents records how many records were uploaded and how many
	// were taken over from the remote copy
	RecordSyncEvents(pushed, pulled int)

	// RecordConflicts records how many local records a newer remote copy replaced
	RecordConflicts(count int)

	// RecordSyncErrors records failures by operation and error kind
	RecordSyncErrors(op, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordSyncDuration(op string, d time.Duration) {}
func (*NoOpMetricsCollector) RecordSyncEvents(pushed, pulled int)           {}
func (*NoOpMetricsCollector) RecordConflicts(count int)                     {}
func (*NoOpMetricsCollector) RecordSyncErrors(op, reason string)            {}

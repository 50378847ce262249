package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			config.Output = &buf
			logger := NewLogger(config)

			logger.Info("Info message", slog.Int("count", 42))

			testErr := errors.NewNetworkError(errors.OpFetch, fmt.Errorf("connection refused"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			childLogger := logger.WithComponent(Component("coordinator"))
			childLogger.Info("Child logger message")

			err := logger.LogOperation(
				context.Background(),
				Operation("push"),
				Component("coordinator"),
				func() error {
					time.Sleep(time.Millisecond)
					return nil
				},
			)
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, "Info message")
			assert.Contains(t, out, "Operation failed")
			assert.Contains(t, out, "operation completed")
		})
	}
}

func TestLogErrorIncludesKind(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf})

	logger.LogError(context.Background(),
		fmt.Errorf("wrapped: %w", errors.NewQuotaError(errors.OpStore, fmt.Errorf("full"))),
		"save failed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	syncErr, ok := record["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error group missing: %s", buf.String())
	assert.Equal(t, string(errors.KindQuotaExceeded), syncErr["kind"])
	assert.Equal(t, "store", syncErr["component"])
}

func TestLogOperationReturnsError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "text", Output: &buf})
	want := fmt.Errorf("boom")

	got := logger.LogOperation(context.Background(), Operation("upload"), Component("gateway"), func() error {
		return want
	})

	assert.Equal(t, want, got)
	assert.Contains(t, buf.String(), "operation failed")
}

func TestDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, levelVar := NewLoggerWithDynamicLevel(Config{Level: "info", Format: "text", Output: &buf})

	logger.Debug("hidden debug")
	assert.NotContains(t, buf.String(), "hidden debug")

	require.True(t, levelVar.SetFromString("debug"))
	logger.Debug("visible debug")
	assert.Contains(t, buf.String(), "visible debug")

	assert.False(t, levelVar.SetFromString("loud"))
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := &errors.SyncError{
		Op:        errors.OpSync,
		Component: "test",
		Code:      errors.ErrCodeStorageFailure,
		Kind:      errors.KindInternal,
		Err:       fmt.Errorf("underlying error"),
		Retryable: true,
		Metadata: map[string]interface{}{
			"retry_count": 3,
		},
	}

	logValue := SyncErrorValuer{SyncError: syncErr}.LogValue()
	assert.Equal(t, slog.KindGroup, logValue.Kind())
}

func TestContextExtraction(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithCorrelationID(context.Background(), "req-123")
	ctx = WithAccount(ctx, "acme")

	logger := NewLogger(Config{Level: "debug", Format: "text", Output: &buf})
	logger.WithContext(ctx).Info("Message with context")

	assert.Contains(t, buf.String(), "correlation_id=req-123")
	assert.Contains(t, buf.String(), "account=acme")
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("BIZSYNC_ENV", "development")
	t.Setenv("BIZSYNC_LOG_LEVEL", "WARN")

	config := GetConfigFromEnv()
	assert.Equal(t, EnvDevelopment, config.Environment)
	assert.Equal(t, "text", config.Format)
	assert.Equal(t, "warn", config.Level)
	assert.True(t, config.AddSource)
}

func BenchmarkLogger(b *testing.B) {
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &bytes.Buffer{}})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.InfoContext(ctx, "Benchmark message",
			slog.String("operation", "benchmark"),
			slog.Int("iteration", i),
		)
	}
}

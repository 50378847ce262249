package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/storage"
)

func setupTestDB(t *testing.T, quota int64) *Backend {
	t.Helper()
	config := DefaultConfig(filepath.Join(t.TempDir(), "replica.db"))
	config.QuotaBytes = quota
	config.Logger = logging.Discard()

	backend, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestBackendPutGetDelete(t *testing.T) {
	backend := setupTestDB(t, 0)
	ctx := context.Background()

	_, ok, err := backend.Get(ctx, "collection:projects")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Put(ctx, "collection:projects", []byte(`[{"id":"P1"}]`)))
	require.NoError(t, backend.Put(ctx, "collection:projects", []byte(`[{"id":"P2"}]`)))

	value, ok, err := backend.Get(ctx, "collection:projects")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"P2"}]`, string(value))

	keys, err := backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"collection:projects"}, keys)

	require.NoError(t, backend.Delete(ctx, "collection:projects"))
	require.NoError(t, backend.Delete(ctx, "collection:projects"))
	_, ok, err = backend.Get(ctx, "collection:projects")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendQuota(t *testing.T) {
	backend := setupTestDB(t, 64)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "a", make([]byte, 40)))

	err := backend.Put(ctx, "b", make([]byte, 40))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindQuotaExceeded, syncErrors.KindOf(err))

	// Replacing a value only counts the new size.
	require.NoError(t, backend.Put(ctx, "a", make([]byte, 60)))

	_, ok, err := backend.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected write must leave nothing behind")
}

func TestBackendContextCancellation(t *testing.T) {
	backend := setupTestDB(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backend.Put(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackendClose(t *testing.T) {
	backend := setupTestDB(t, 0)
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	_, _, err := backend.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, backend.Put(context.Background(), "k", nil), ErrStoreClosed)
}

func TestBackendWALEnabledByDefault(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wal.db")
	config := DefaultConfig(dbPath)
	require.True(t, config.EnableWAL)

	backend, err := New(config)
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Put(context.Background(), "k", []byte("v")))
	_, err = os.Stat(dbPath + "-wal")
	assert.NoError(t, err, "WAL file should exist when WAL mode is active")
}

func TestConfigDefaults(t *testing.T) {
	config := DefaultConfig("replica.db")
	config.setDefaults()

	assert.Equal(t, "kv", config.TableName)
	assert.Equal(t, 4, config.MaxOpenConns)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, "replica.db?_journal_mode=WAL", config.DataSourceName)

	mem := DefaultConfig("file::memory:?cache=shared")
	mem.setDefaults()
	assert.Equal(t, 1, mem.MaxOpenConns)
	assert.Equal(t, "file::memory:?cache=shared&_journal_mode=WAL", mem.DataSourceName)

	_, err := New(nil)
	assert.Error(t, err)
}

func TestDiskFullMapsToQuota(t *testing.T) {
	backend := setupTestDB(t, 0)
	err := backend.wrap(sqlite3.Error{Code: sqlite3.ErrFull}, opPut)
	assert.Equal(t, syncErrors.KindQuotaExceeded, syncErrors.KindOf(err))

	err = backend.wrap(fmt.Errorf("disk I/O error"), opPut)
	assert.Equal(t, syncErrors.KindInternal, syncErrors.KindOf(err))
}

// The store's quota fallback works the same on top of SQLite.
func TestStoreOnSQLiteTrimsActivity(t *testing.T) {
	backend := setupTestDB(t, 0)
	store := storage.New(backend, storage.Options{Logger: logging.Discard()})
	ctx := context.Background()

	entries := make([]entity.ActivityEntry, 40)
	for i := range entries {
		entries[i] = entity.NewActivity(time.Now(), "ana", entity.ActionCreate, entity.Leads, fmt.Sprintf("L%d", i))
	}
	require.NoError(t, store.SaveActivity(ctx, entries))
	backend.quota = 2048

	records := []entity.Record{entity.New(time.Now())}
	require.NoError(t, store.Save(ctx, entity.Leads, records))

	assert.Len(t, store.LoadActivity(ctx), storage.DefaultQuotaFloor)
	assert.Len(t, store.Load(ctx, entity.Leads), 1)
}

func BenchmarkBackendPut(b *testing.B) {
	config := DefaultConfig(filepath.Join(b.TempDir(), "bench.db"))
	config.Logger = logging.Discard()
	backend, err := New(config)
	if err != nil {
		b.Fatal(err)
	}
	defer backend.Close()

	value := make([]byte, 1024)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := backend.Put(ctx, fmt.Sprintf("k%d", i%100), value); err != nil {
			b.Fatal(err)
		}
	}
}

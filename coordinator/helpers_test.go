package coordinator

import (
	"context"
	stdSync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/document"
	"github.com/c0deZ3R0/bizsync/entity"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/session"
	"github.com/c0deZ3R0/bizsync/storage"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// recordingMetrics implements MetricsCollector for tests.
type recordingMetrics struct {
	mu        stdSync.Mutex
	durations map[string]int
	pushed    int
	pulled    int
	conflicts int
	errors    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{durations: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingMetrics) RecordSyncDuration(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[op]++
}

func (m *recordingMetrics) RecordSyncEvents(pushed, pulled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed += pushed
	m.pulled += pulled
}

func (m *recordingMetrics) RecordConflicts(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts += count
}

func (m *recordingMetrics) RecordSyncErrors(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op+"/"+reason]++
}

type fixture struct {
	store    *storage.Store
	gw       *remote.MemoryGateway
	sessions *session.Store
	metrics  *recordingMetrics
	c        *Coordinator
}

func fullAccess(wasConnected bool) session.Session {
	return session.Session{Identity: "ana@example.com", Capability: session.FullAccess, DeviceID: "dev-1", WasConnected: wasConnected}
}

func setupTestCoordinator(t *testing.T, sess session.Session, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.New(storage.NewMemoryBackend(0), storage.Options{Logger: logging.Discard()})
	sessions := session.NewStore(store, logging.Discard())
	if sess.DeviceID != "" {
		require.NoError(t, sessions.Save(ctx, sess))
	}

	metrics := newRecordingMetrics()
	opts.Logger = logging.Discard()
	opts.Metrics = metrics
	if opts.Heartbeat == 0 {
		opts.Heartbeat = time.Hour
	}
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}

	gw := remote.NewMemoryGateway()
	c := New(StoreReplica(store, merge.Options{}), gw, sessions, nil, opts)
	t.Cleanup(func() { _ = c.Stop() })

	return &fixture{store: store, gw: gw, sessions: sessions, metrics: metrics, c: c}
}

// connected returns a fixture that finished its first reconciliation.
func connected(t *testing.T, opts Options) *fixture {
	t.Helper()
	opts.DisableWatch = true
	f := setupTestCoordinator(t, fullAccess(false), opts)
	require.NoError(t, f.c.Start(context.Background()))
	require.NoError(t, f.c.Connect(context.Background()))
	return f
}

func (f *fixture) cursor() *cursor {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return f.c.cur
}

func record(id string, at time.Time) entity.Record {
	return entity.Record{ID: id, UpdatedAt: at}
}

// putRemote adds records to the remote document as another device would.
func putRemote(t *testing.T, gw *remote.MemoryGateway, c entity.Collection, records ...entity.Record) {
	t.Helper()
	doc, err := gw.Snapshot()
	require.NoError(t, err)
	if doc == nil {
		doc = document.New()
	}
	doc.Collections[c] = append(doc.Collections[c], records...)
	_, err = gw.Put(doc)
	require.NoError(t, err)
}

func remoteIDs(t *testing.T, gw *remote.MemoryGateway, c entity.Collection) []string {
	t.Helper()
	doc, err := gw.Snapshot()
	require.NoError(t, err)
	if doc == nil {
		return nil
	}
	return ids(doc.Collections[c])
}

func localIDs(f *fixture, c entity.Collection) []string {
	return ids(f.store.Load(context.Background(), c))
}

func ids(records []entity.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

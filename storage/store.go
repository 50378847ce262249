package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	stdSync "sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
)

const (
	collectionPrefix = "collection:"
	metaPrefix       = "meta:"
	activityKey      = "activity"
	lastSavedMeta    = "lastSavedAt"

	component = "store"
)

// Defaults for Options.
const (
	DefaultActivityCap = 500
	DefaultQuotaFloor  = 5
)

// CollectionKey returns the backend key holding collection c.
func CollectionKey(c entity.Collection) string { return collectionPrefix + string(c) }

// Options configures a Store.
type Options struct {
	// ActivityCap is the number of activity entries kept. Default 500.
	ActivityCap int
	// QuotaFloor is how many activity entries survive a quota fallback. Default 5.
	QuotaFloor int
	Logger     *logging.Logger
	// Now is the clock used for LastSavedAt; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.ActivityCap <= 0 {
		o.ActivityCap = DefaultActivityCap
	}
	if o.QuotaFloor <= 0 {
		o.QuotaFloor = DefaultQuotaFloor
	}
	if o.QuotaFloor > o.ActivityCap {
		o.QuotaFloor = o.ActivityCap
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the local replica. Reads fail soft and never return errors; writes
// are all-or-nothing per collection and fall back to trimming the activity
// log once when the backend is full.
type Store struct {
	backend Backend
	opts    Options
	logger  *logging.Logger

	// mu serializes writes so that a quota trim and its retry are not
	// interleaved with another writer.
	mu        stdSync.Mutex
	lastSaved time.Time
}

// New wraps backend.
func New(backend Backend, opts Options) *Store {
	opts.setDefaults()
	s := &Store{
		backend: backend,
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger).WithComponent(logging.Component(component)),
	}
	var at time.Time
	if ok, err := s.LoadMeta(context.Background(), lastSavedMeta, &at); ok && err == nil {
		s.lastSaved = at
	}
	return s
}

// ActivityCap returns the configured retention cap.
func (s *Store) ActivityCap() int { return s.opts.ActivityCap }

// Load returns the stored records of c. A missing key yields an empty slice;
// an unreadable one is logged and also yields an empty slice.
func (s *Store) Load(ctx context.Context, c entity.Collection) []entity.Record {
	var records []entity.Record
	if !s.loadJSON(ctx, CollectionKey(c), &records) || records == nil {
		return []entity.Record{}
	}
	return records
}

// Save replaces collection c with records.
func (s *Store) Save(ctx context.Context, c entity.Collection, records []entity.Record) error {
	if records == nil {
		records = []entity.Record{}
	}
	value, err := json.Marshal(records)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpStore), component, syncErrors.KindInternal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putWithFallback(ctx, CollectionKey(c), value, func() []byte {
		s.trimStoredActivity(ctx)
		return value
	})
}

// Collections returns every collection name with a stored value, plus the
// known collections, sorted.
func (s *Store) Collections(ctx context.Context) []entity.Collection {
	set := map[entity.Collection]struct{}{}
	for _, c := range entity.KnownCollections {
		set[c] = struct{}{}
	}
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "listing stored keys failed", slog.String("error", err.Error()))
	}
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, collectionPrefix); ok {
			set[entity.Collection(name)] = struct{}{}
		}
	}
	out := make([]entity.Collection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadAll loads every collection returned by Collections.
func (s *Store) LoadAll(ctx context.Context) map[entity.Collection][]entity.Record {
	out := map[entity.Collection][]entity.Record{}
	for _, c := range s.Collections(ctx) {
		out[c] = s.Load(ctx, c)
	}
	return out
}

// SaveAll saves every collection in snapshot. It keeps going after a failure
// and returns the first error.
func (s *Store) SaveAll(ctx context.Context, snapshot map[entity.Collection][]entity.Record) error {
	names := make([]entity.Collection, 0, len(snapshot))
	for c := range snapshot {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var first error
	for _, c := range names {
		if err := s.Save(ctx, c, snapshot[c]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadActivity returns the stored activity log, newest first.
func (s *Store) LoadActivity(ctx context.Context) []entity.ActivityEntry {
	var entries []entity.ActivityEntry
	if !s.loadJSON(ctx, activityKey, &entries) || entries == nil {
		return []entity.ActivityEntry{}
	}
	return entries
}

// SaveActivity replaces the activity log, truncated to the cap.
func (s *Store) SaveActivity(ctx context.Context, entries []entity.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveActivityLocked(ctx, entries)
}

// AppendActivity puts entries at the head of the log.
func (s *Store) AppendActivity(ctx context.Context, entries ...entity.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.LoadActivity(ctx)
	head := make([]entity.ActivityEntry, 0, len(entries)+len(current))
	for i := len(entries) - 1; i >= 0; i-- {
		head = append(head, entries[i])
	}
	return s.saveActivityLocked(ctx, append(head, current...))
}

func (s *Store) saveActivityLocked(ctx context.Context, entries []entity.ActivityEntry) error {
	if entries == nil {
		entries = []entity.ActivityEntry{}
	}
	if len(entries) > s.opts.ActivityCap {
		entries = entries[:s.opts.ActivityCap]
	}
	value, err := json.Marshal(entries)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpStore), component, syncErrors.KindInternal)
	}
	return s.putWithFallback(ctx, activityKey, value, func() []byte {
		floor := entries
		if len(floor) > s.opts.QuotaFloor {
			floor = floor[:s.opts.QuotaFloor]
		}
		trimmed, err := json.Marshal(floor)
		if err != nil {
			return value
		}
		return trimmed
	})
}

// putWithFallback writes value under key. On a quota failure it calls shrink,
// which frees space and returns the value to retry with, and retries once.
func (s *Store) putWithFallback(ctx context.Context, key string, value []byte, shrink func() []byte) error {
	err := s.backend.Put(ctx, key, value)
	if err == nil {
		s.markSaved(ctx)
		return nil
	}
	if !syncErrors.IsKind(err, syncErrors.KindQuotaExceeded) {
		s.logger.LogError(ctx, err, "local write failed", slog.String("key", key))
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpStore), component)
	}

	s.logger.WarnContext(ctx, "local storage full, trimming activity log",
		slog.String("key", key),
		slog.Int("floor", s.opts.QuotaFloor),
	)
	if err = s.backend.Put(ctx, key, shrink()); err != nil {
		s.logger.LogError(ctx, err, "local write abandoned after quota fallback", slog.String("key", key))
		if syncErrors.IsKind(err, syncErrors.KindQuotaExceeded) {
			return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpStore), component, syncErrors.KindQuotaExceeded)
		}
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpStore), component)
	}
	s.markSaved(ctx)
	return nil
}

// trimStoredActivity cuts the persisted activity log down to the floor.
// Failures are logged; the caller retries its own write regardless.
func (s *Store) trimStoredActivity(ctx context.Context) {
	entries := s.LoadActivity(ctx)
	if len(entries) <= s.opts.QuotaFloor {
		return
	}
	value, err := json.Marshal(entries[:s.opts.QuotaFloor])
	if err == nil {
		err = s.backend.Put(ctx, activityKey, value)
	}
	if err != nil {
		s.logger.LogError(ctx, err, "trimming activity log failed")
		return
	}
	s.logger.InfoContext(ctx, "activity log trimmed",
		slog.Int("from", len(entries)),
		slog.Int("to", s.opts.QuotaFloor),
	)
}

func (s *Store) markSaved(ctx context.Context) {
	now := s.opts.Now().UTC()
	s.lastSaved = now
	value, err := json.Marshal(now)
	if err != nil {
		return
	}
	if err := s.backend.Put(ctx, metaPrefix+lastSavedMeta, value); err != nil {
		s.logger.DebugContext(ctx, "recording last save time failed", slog.String("error", err.Error()))
	}
}

// LastSavedAt returns the time of the last successful write, zero if none.
func (s *Store) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// LoadMeta decodes the metadata value name into dst.
func (s *Store) LoadMeta(ctx context.Context, name string, dst any) (bool, error) {
	raw, ok, err := s.backend.Get(ctx, metaPrefix+name)
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, string(syncErrors.OpLoad), component)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, syncErrors.WrapOpComponentKind(fmt.Errorf("meta %s: %w", name, err),
			string(syncErrors.OpLoad), component, syncErrors.KindMalformed)
	}
	return true, nil
}

// SaveMeta stores v as the metadata value name. Metadata writes do not trim
// the activity log.
func (s *Store) SaveMeta(ctx context.Context, name string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpPersistMeta), component, syncErrors.KindInternal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(ctx, metaPrefix+name, value); err != nil {
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpPersistMeta), component)
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) loadJSON(ctx context.Context, key string, dst any) bool {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "local read failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable local value",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

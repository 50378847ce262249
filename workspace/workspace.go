// Package workspace is the surface the application edits data through. Every
// mutation is kept in memory, written through to the local store and
// announced to the coordinator, which pushes it after the debounce window.
package workspace

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/bizsync/coordinator"
	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/storage"
)

const component = "workspace"

var (
	// ErrReadOnly is returned by every mutation of a read-only session.
	ErrReadOnly = coordinator.ErrReadOnly
	// ErrNotFound is returned for unknown or soft-deleted records.
	ErrNotFound = stderrors.New("record not found")
)

// Fields are the user-defined values of a record, keyed by field name.
type Fields map[string]any

// Options configures a Workspace.
type Options struct {
	TieBreak merge.TieBreak
	Logger   *logging.Logger
	Now      func() time.Time
}

// ListOptions filters List.
type ListOptions struct {
	IncludeDeleted bool
}

// Workspace holds the working copy of every collection.
type Workspace struct {
	store  *storage.Store
	coord  *coordinator.Coordinator
	opts   Options
	logger *logging.Logger

	mu         stdSync.RWMutex
	records    map[entity.Collection][]entity.Record
	activity   []entity.ActivityEntry
	memoryOnly bool
}

var _ coordinator.Replica = (*Workspace)(nil)

// Open loads the local store into memory and makes the workspace the replica
// coord reconciles. Call it before coord.Start.
func Open(ctx context.Context, store *storage.Store, coord *coordinator.Coordinator, opts Options) *Workspace {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Workspace{
		store:    store,
		coord:    coord,
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger).WithComponent(logging.Component(component)),
		records:  store.LoadAll(ctx),
		activity: store.LoadActivity(ctx),
	}
	coord.UseReplica(w)
	return w
}

// List returns the records of c in stored order.
func (w *Workspace) List(c entity.Collection, opts ListOptions) []entity.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]entity.Record, 0, len(w.records[c]))
	for _, r := range w.records[c] {
		if r.Deleted() && !opts.IncludeDeleted {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// Get returns the live record id of c.
func (w *Workspace) Get(c entity.Collection, id string) (entity.Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	i := indexOf(w.records[c], id)
	if i < 0 || w.records[c][i].Deleted() {
		return entity.Record{}, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	return w.records[c][i].Clone(), nil
}

// Create adds a record with a fresh id to c.
func (w *Workspace) Create(ctx context.Context, c entity.Collection, fields Fields) (entity.Record, error) {
	actor, err := w.writer()
	if err != nil {
		return entity.Record{}, err
	}
	rec := entity.New(w.opts.Now())
	if err := apply(&rec, fields); err != nil {
		return entity.Record{}, err
	}

	w.mu.Lock()
	w.records[c] = append(w.records[c], rec)
	w.commitLocked(ctx, c, entity.NewActivity(w.opts.Now(), actor, entity.ActionCreate, c, rec.ID))
	w.mu.Unlock()

	w.coord.NotifyMutation()
	return rec.Clone(), nil
}

// Update sets fields on a live record and stamps it.
func (w *Workspace) Update(ctx context.Context, c entity.Collection, id string, fields Fields) (entity.Record, error) {
	return w.mutate(ctx, c, id, entity.ActionUpdate, func(r *entity.Record) error {
		if err := apply(r, fields); err != nil {
			return err
		}
		r.Touch(w.opts.Now())
		return nil
	})
}

// Delete soft-deletes a record. The record stays in the collection with a
// deletion mark so that the deletion reaches every device.
func (w *Workspace) Delete(ctx context.Context, c entity.Collection, id string) error {
	_, err := w.mutate(ctx, c, id, entity.ActionDelete, func(r *entity.Record) error {
		r.MarkDeleted(w.opts.Now())
		return nil
	})
	return err
}

func (w *Workspace) mutate(ctx context.Context, c entity.Collection, id, action string, change func(*entity.Record) error) (entity.Record, error) {
	actor, err := w.writer()
	if err != nil {
		return entity.Record{}, err
	}

	w.mu.Lock()
	i := indexOf(w.records[c], id)
	if i < 0 || w.records[c][i].Deleted() {
		w.mu.Unlock()
		return entity.Record{}, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	rec := w.records[c][i].Clone()
	if err := change(&rec); err != nil {
		w.mu.Unlock()
		return entity.Record{}, err
	}
	w.records[c][i] = rec
	w.commitLocked(ctx, c, entity.NewActivity(w.opts.Now(), actor, action, c, id))
	w.mu.Unlock()

	w.coord.NotifyMutation()
	return rec.Clone(), nil
}

// writer returns the identity mutations are attributed to, or ErrReadOnly.
// It must not be called with w.mu held.
func (w *Workspace) writer() (string, error) {
	sess := w.coord.Session()
	if sess.ReadOnly() {
		return "", ErrReadOnly
	}
	return sess.Identity, nil
}

// commitLocked records entry and writes collection c and the activity log
// through to the store. Store failures keep the change in memory only.
func (w *Workspace) commitLocked(ctx context.Context, c entity.Collection, entry entity.ActivityEntry) {
	w.activity = merge.ActivityLog(nil, append([]entity.ActivityEntry{entry}, w.activity...), w.store.ActivityCap())

	err := w.store.Save(ctx, c, w.records[c])
	if aerr := w.store.AppendActivity(ctx, entry); err == nil {
		err = aerr
	}
	w.noteStoreResult(ctx, err, slog.String("collection", string(c)))
}

func (w *Workspace) noteStoreResult(ctx context.Context, err error, attrs ...slog.Attr) {
	if err == nil {
		w.memoryOnly = false
		return
	}
	if !w.memoryOnly {
		w.logger.LogError(ctx, err, "changes exist only in memory", attrs...)
	}
	w.memoryOnly = true
}

// MemoryOnly reports whether the last write to the local store failed, so
// that recent changes would be lost if the process exited now.
func (w *Workspace) MemoryOnly() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.memoryOnly
}

// Activity returns up to limit entries, newest first. limit <= 0 returns all.
func (w *Workspace) Activity(limit int) []entity.ActivityEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := len(w.activity)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]entity.ActivityEntry, n)
	copy(out, w.activity)
	return out
}

// Snapshot implements coordinator.Replica.
func (w *Workspace) Snapshot(ctx context.Context) (map[entity.Collection][]entity.Record, []entity.ActivityEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	records := make(map[entity.Collection][]entity.Record, len(w.records))
	for c, rs := range w.records {
		cp := make([]entity.Record, len(rs))
		for i, r := range rs {
			cp[i] = r.Clone()
		}
		records[c] = cp
	}
	activity := make([]entity.ActivityEntry, len(w.activity))
	copy(activity, w.activity)
	return records, activity
}

// Absorb implements coordinator.Replica. The incoming state is merged over
// the working copy, so edits made while a pull was running are kept.
func (w *Workspace) Absorb(ctx context.Context, records map[entity.Collection][]entity.Record, activity []entity.ActivityEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged, _ := merge.Snapshot(merge.Options{TieBreak: w.opts.TieBreak}, w.records, records)
	w.records = merged
	w.activity = merge.ActivityLog(w.activity, activity, w.store.ActivityCap())

	err := w.store.SaveAll(ctx, w.records)
	if aerr := w.store.SaveActivity(ctx, w.activity); err == nil {
		err = aerr
	}
	w.noteStoreResult(ctx, err)
	if err != nil {
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpStore), component)
	}
	return nil
}

// LastSavedAt implements coordinator.Replica. It does not take w.mu because
// the coordinator calls it under its own lock.
func (w *Workspace) LastSavedAt() time.Time {
	return w.store.LastSavedAt()
}

// SyncNow pushes pending changes immediately.
func (w *Workspace) SyncNow(ctx context.Context) error { return w.coord.SyncNow(ctx) }

// Connect signs in and reconciles with the remote document.
func (w *Workspace) Connect(ctx context.Context) error { return w.coord.Connect(ctx) }

// Disconnect stops syncing.
func (w *Workspace) Disconnect(ctx context.Context) error { return w.coord.Disconnect(ctx) }

// Status reports the sync state.
func (w *Workspace) Status() coordinator.Status { return w.coord.Status() }

func apply(r *entity.Record, fields Fields) error {
	for name, value := range fields {
		if err := r.Set(name, value); err != nil {
			return syncErrors.NewValidationError(syncErrors.OpStore, err)
		}
	}
	return nil
}

func indexOf(records []entity.Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

package coordinator

import (
	"context"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/bizsync/entity"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/storage"
)

// Replica is the local copy the coordinator reconciles with the remote
// document.
type Replica interface {
	// Snapshot returns every collection and the activity log, newest first.
	Snapshot(ctx context.Context) (map[entity.Collection][]entity.Record, []entity.ActivityEntry)
	// Absorb merges records and activity into the local copy and persists
	// the result. Local changes made since the last Snapshot must survive.
	Absorb(ctx context.Context, records map[entity.Collection][]entity.Record, activity []entity.ActivityEntry) error
	// LastSavedAt is the time of the last successful local write.
	LastSavedAt() time.Time
}

type storeReplica struct {
	store *storage.Store
	opts  merge.Options
	mu    stdSync.Mutex
}

// StoreReplica reconciles directly against a Local Store.
func StoreReplica(store *storage.Store, opts merge.Options) Replica {
	return &storeReplica{store: store, opts: opts}
}

func (r *storeReplica) Snapshot(ctx context.Context) (map[entity.Collection][]entity.Record, []entity.ActivityEntry) {
	return r.store.LoadAll(ctx), r.store.LoadActivity(ctx)
}

func (r *storeReplica) Absorb(ctx context.Context, records map[entity.Collection][]entity.Record, activity []entity.ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, _ := merge.Snapshot(r.opts, r.store.LoadAll(ctx), records)
	err := r.store.SaveAll(ctx, merged)
	log := merge.ActivityLog(r.store.LoadActivity(ctx), activity, r.store.ActivityCap())
	if aerr := r.store.SaveActivity(ctx, log); err == nil {
		err = aerr
	}
	return err
}

func (r *storeReplica) LastSavedAt() time.Time {
	return r.store.LastSavedAt()
}

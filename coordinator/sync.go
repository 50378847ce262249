package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/bizsync/document"
	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/remote"
)

type mode int

const (
	// modeReconcile always fetches and pushes when the local copy holds
	// anything the remote lacks.
	modeReconcile mode = iota
	// modeHeartbeat does nothing unless the remote marker moved or a local
	// mutation is still unpushed.
	modeHeartbeat
	// modePush merges a moved remote first, then uploads.
	modePush
	// modePull merges the remote and never uploads.
	modePull
)

func (m mode) op() syncErrors.Operation {
	switch m {
	case modeReconcile:
		return syncErrors.OpReconcile
	case modePush:
		return syncErrors.OpPush
	case modePull:
		return syncErrors.OpPull
	default:
		return syncErrors.OpSync
	}
}

// loop runs the heartbeat and the debounced pushes of one connection. Ticks
// run on this goroutine, so background work of a connection never overlaps.
func (c *Coordinator) loop(cur *cursor) {
	defer c.wg.Done()
	heartbeat := time.NewTicker(c.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-cur.ctx.Done():
			return
		case <-heartbeat.C:
			c.tick(cur, modeHeartbeat)
		case <-cur.kick:
			c.tick(cur, modeHeartbeat)
		case <-cur.pushDue:
			c.tick(cur, modePush)
		}
	}
}

// watch turns remote change notifications into early heartbeat ticks.
func (c *Coordinator) watch(cur *cursor, n remote.ChangeNotifier) {
	defer c.wg.Done()
	err := n.Watch(cur.ctx, func() {
		select {
		case cur.kick <- struct{}{}:
		default:
		}
	})
	if err != nil && cur.ctx.Err() == nil {
		c.logger.WarnContext(cur.ctx, "change notifications stopped, relying on heartbeat",
			slog.String("error", err.Error()))
	}
}

// tick runs one background cycle unless another sync holds the guard, in
// which case it is skipped and the next tick tries again.
func (c *Coordinator) tick(cur *cursor, m mode) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debug("sync in flight, skipping tick", slog.String("mode", string(m.op())))
		return
	}
	defer c.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(cur.ctx, c.opts.OperationTimeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())

	err := c.cycle(ctx, cur, m)
	if cur.ctx.Err() != nil {
		return
	}
	c.finish(cur, m.op(), err)
}

// cycle brings a connection up to date and runs m. Connections that never
// authenticated or reconciled, such as one that went Offline at startup,
// catch up here.
func (c *Coordinator) cycle(ctx context.Context, cur *cursor, m mode) error {
	c.mu.Lock()
	authenticated, reconciled := cur.authenticated, cur.reconciled
	c.mu.Unlock()

	if !authenticated {
		if err := c.authenticate(ctx, cur, false); err != nil {
			return err
		}
	}
	if !reconciled && m != modePull {
		m = modeReconcile
	}
	if m != modePull && c.Session().ReadOnly() {
		return ErrReadOnly
	}
	err := c.runSync(ctx, cur, m)
	if err != nil && m == modePush {
		// A requested push that failed stays pending for the heartbeat.
		c.mu.Lock()
		cur.dirty = true
		c.mu.Unlock()
	}
	return err
}

// runSync is one pass of the state machine. The caller holds the guard.
func (c *Coordinator) runSync(ctx context.Context, cur *cursor, m mode) error {
	return c.logger.LogOperation(ctx, logging.Operation(m.op()), logging.Component(component), func() error {
		meta, err := c.gateway.Metadata(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		moved := !cur.reconciled || meta.Marker != cur.marker || meta.Exists != cur.remoteExists
		dirty := cur.dirty
		c.mu.Unlock()

		if m == modeHeartbeat && !moved && !dirty {
			return nil
		}
		if moved || m == modeReconcile || m == modePull {
			if err := c.pull(ctx, cur, meta); err != nil {
				return err
			}
		}
		if m == modePull {
			return nil
		}
		return c.push(ctx, cur)
	})
}

// pull fetches the remote document described by meta, merges it into the
// local copy and records it as the new base.
func (c *Coordinator) pull(ctx context.Context, cur *cursor, meta remote.Metadata) error {
	c.enter(cur, StateReconciling)
	start := time.Now()

	remoteDoc := document.New()
	if meta.Exists {
		doc, fetched, err := c.gateway.Fetch(ctx)
		if err != nil {
			return err
		}
		remoteDoc, meta = doc, fetched
	}
	if n := remoteDoc.InvalidCount(); n > 0 || remoteDoc.DroppedActivity > 0 {
		c.logger.WarnContext(ctx, "remote document has invalid entries, skipping them",
			slog.Int("records", n),
			slog.Int("activity", remoteDoc.DroppedActivity),
		)
	}

	replica := c.local()
	local, activity := replica.Snapshot(ctx)
	merged, stats := merge.Snapshot(c.mergeOpt, local, remoteDoc.Collections)
	log := merge.ActivityLog(activity, remoteDoc.ActivityLog, c.opts.ActivityCap)
	if err := replica.Absorb(ctx, merged, log); err != nil {
		// The merged state is still uploaded from the cursor's copy.
		c.logger.LogError(ctx, err, "merged state could not be saved locally")
	}

	c.mu.Lock()
	cur.marker = meta.Marker
	cur.remote = remoteDoc
	cur.remoteExists = meta.Exists
	cur.reconciled = true
	c.mu.Unlock()

	total := merge.Total(stats)
	c.metrics.RecordSyncDuration(string(syncErrors.OpPull), time.Since(start))
	c.metrics.RecordSyncEvents(0, total.Added+total.Replaced)
	if total.Replaced > 0 {
		c.metrics.RecordConflicts(total.Replaced)
	}
	c.logger.DebugContext(ctx, "remote merged",
		slog.String("marker", meta.Marker),
		slog.Int("added", total.Added),
		slog.Int("replaced", total.Replaced),
	)
	return nil
}

// push uploads the local copy merged over the last known remote content. A
// Conflict means the remote moved between the check and the upload; the new
// remote content is merged and the upload retried once.
func (c *Coordinator) push(ctx context.Context, cur *cursor) error {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		cur.dirty = false
		base := cur.marker
		c.mu.Unlock()

		doc, diverges := c.outgoing(ctx, cur)
		if !diverges {
			return nil
		}

		c.enter(cur, StatePushing)
		start := time.Now()
		meta, err := c.gateway.Upload(ctx, doc, base)
		if err == nil {
			c.mu.Lock()
			cur.marker = meta.Marker
			cur.remote = doc
			cur.remoteExists = true
			c.lastSync = c.opts.Now().UTC()
			c.mu.Unlock()

			c.metrics.RecordSyncDuration(string(syncErrors.OpPush), time.Since(start))
			c.metrics.RecordSyncEvents(doc.RecordCount(), 0)
			return nil
		}

		c.mu.Lock()
		cur.dirty = true
		c.mu.Unlock()
		if !syncErrors.IsKind(err, syncErrors.KindConflict) || attempt > 0 {
			return err
		}

		c.logger.InfoContext(ctx, "remote changed during upload, merging and retrying", slog.String("base", base))
		latest, merr := c.gateway.Metadata(ctx)
		if merr != nil {
			return merr
		}
		if perr := c.pull(ctx, cur, latest); perr != nil {
			return perr
		}
	}
}

// outgoing builds the document to upload and reports whether it differs
// from the remote copy the cursor last saw.
func (c *Coordinator) outgoing(ctx context.Context, cur *cursor) (*document.Document, bool) {
	local, activity := c.local().Snapshot(ctx)

	c.mu.Lock()
	remoteDoc, exists := cur.remote, cur.remoteExists
	deviceID := c.sess.DeviceID
	c.mu.Unlock()
	if remoteDoc == nil {
		remoteDoc = document.New()
	}

	merged, _ := merge.Snapshot(c.mergeOpt, local, remoteDoc.Collections)
	log := merge.ActivityLog(activity, remoteDoc.ActivityLog, c.opts.ActivityCap)

	doc := document.New()
	doc.UpdatedAt = c.opts.Now().UTC()
	doc.DeviceID = deviceID
	doc.Collections = merged
	doc.ActivityLog = log
	for k, v := range remoteDoc.Extra {
		doc.Extra[k] = v
	}
	for name, raws := range remoteDoc.Invalid {
		doc.Invalid[name] = raws
	}

	remoteLog := remoteDoc.ActivityLog
	if len(remoteLog) > c.opts.ActivityCap {
		remoteLog = remoteLog[:c.opts.ActivityCap]
	}
	diverges := !exists || !sameActivity(log, remoteLog)
	for name, records := range merged {
		if diverges {
			break
		}
		diverges = merge.Diverges(records, remoteDoc.Collections[name])
	}
	return doc, diverges
}

func sameActivity(a, b []entity.ActivityEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

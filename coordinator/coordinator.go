// Package coordinator drives synchronization between the local replica and
// the remote document: a reconciliation pass after connecting, a debounced
// push after local mutations and a heartbeat that pulls remote changes.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/session"
	"github.com/c0deZ3R0/bizsync/storage"
)

const component = "coordinator"

// Default timings.
const (
	DefaultDebounce         = 3 * time.Second
	DefaultHeartbeat        = 45 * time.Second
	DefaultStartupTimeout   = 5 * time.Second
	DefaultOperationTimeout = 30 * time.Second
)

var (
	// ErrSyncInFlight is returned when a sync is requested while another one
	// is running. The request is dropped, not queued.
	ErrSyncInFlight = stderrors.New("sync already in progress")
	// ErrReadOnly is returned when a read-only session asks to push.
	ErrReadOnly = stderrors.New("session is read-only")
	// ErrNotConnected is returned by SyncNow before Connect succeeded.
	ErrNotConnected = stderrors.New("not connected")
	// ErrClosed is returned after Stop.
	ErrClosed = stderrors.New("coordinator is stopped")
)

// Options tunes a Coordinator. Zero values take the defaults.
type Options struct {
	Debounce         time.Duration
	Heartbeat        time.Duration
	StartupTimeout   time.Duration
	OperationTimeout time.Duration

	TieBreak    merge.TieBreak
	ActivityCap int

	// DisableWatch ignores change notifications from the gateway; only the
	// heartbeat then detects remote changes.
	DisableWatch bool

	Metrics MetricsCollector
	Logger  *logging.Logger
	Now     func() time.Time
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.ActivityCap <= 0 {
		o.ActivityCap = storage.DefaultActivityCap
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// cursor is the state of one connection. It is created when a connection
// starts and thrown away on disconnect; nothing in it is persisted. Fields
// other than ctx, cancel, kick and pushDue are guarded by Coordinator.mu.
type cursor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	kick    chan struct{}
	pushDue chan struct{}

	authenticated bool
	reconciled    bool
	marker        string
	remote        *document.Document
	remoteExists  bool
	// dirty is set by local mutations and cleared when a push takes its
	// snapshot, so a dropped push is retried by the next heartbeat.
	dirty     bool
	pushTimer *time.Timer
}

func newCursor(parent context.Context) *cursor {
	ctx, cancel := context.WithCancel(parent)
	return &cursor{
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
		pushDue: make(chan struct{}, 1),
	}
}

// Coordinator owns the sync lifecycle for one account on one device.
type Coordinator struct {
	gateway  remote.Gateway
	sessions *session.Store
	auth     session.Authenticator
	opts     Options
	mergeOpt merge.Options
	logger   *logging.Logger
	metrics  MetricsCollector

	base       context.Context
	baseCancel context.CancelFunc
	inFlight   atomic.Bool
	wg         stdSync.WaitGroup

	mu          stdSync.Mutex
	replica     Replica
	sess        session.Session
	state       State
	errKind     syncErrors.Kind
	lastErr     string
	lastSync    time.Time
	connected   bool
	cur         *cursor
	subscribers []func(Status)
	// pending holds status changes not yet handed to subscribers, in the
	// order they happened. The dispatch goroutine drains it.
	pending     []Status
	wake        chan struct{}
	dispatching bool
	started     bool
	closed      bool
}

// New returns a stopped coordinator. auth may be nil, in which case every
// stored session is trusted as is.
func New(replica Replica, gateway remote.Gateway, sessions *session.Store, auth session.Authenticator, opts Options) *Coordinator {
	opts.setDefaults()
	if auth == nil {
		auth = session.StaticAuthenticator{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gateway:    gateway,
		sessions:   sessions,
		auth:       auth,
		opts:       opts,
		mergeOpt:   merge.Options{TieBreak: opts.TieBreak},
		logger:     logging.OrDefault(opts.Logger).WithComponent(logging.Component(component)),
		metrics:    opts.Metrics,
		base:       base,
		baseCancel: cancel,
		replica:    replica,
		state:      StateDisconnected,
		wake:       make(chan struct{}, 1),
	}
}

// UseReplica replaces the local copy the coordinator reconciles. It must be
// called before Start.
func (c *Coordinator) UseReplica(r Replica) {
	c.mu.Lock()
	c.replica = r
	c.mu.Unlock()
}

func (c *Coordinator) local() Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica
}

// Start restores the previous session and returns without waiting for the
// network. When the session was connected before, the connection is
// re-established in the background; if that does not finish within the
// startup timeout the coordinator goes Offline.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	sess, err := c.sessions.Restore(ctx)
	if err != nil {
		c.logger.LogError(ctx, err, "could not restore session, continuing as guest")
		sess = session.Guest("")
	}

	c.mu.Lock()
	c.sess = sess
	switch {
	case sess.ReadOnly():
		c.state = StateIdle
	case sess.WasConnected:
		cur := c.openCursorLocked()
		c.wg.Add(1)
		go c.startupConnect(cur)
	}
	c.publishLocked()
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "coordinator started",
		slog.String("identity", sess.Identity),
		slog.Bool("read_only", sess.ReadOnly()),
		slog.Bool("reconnecting", sess.WasConnected && !sess.ReadOnly()),
	)
	return nil
}

func (c *Coordinator) startupConnect(cur *cursor) {
	defer c.wg.Done()
	if !c.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(cur.ctx, c.opts.StartupTimeout)
	defer cancel()

	var timedOut atomic.Bool
	safety := time.AfterFunc(c.opts.StartupTimeout, func() {
		timedOut.Store(true)
		cancel()
		c.goOffline(cur, false)
	})
	err := c.connect(ctx, cur, false)
	safety.Stop()

	if err != nil && (timedOut.Load() || stderrors.Is(ctx.Err(), context.DeadlineExceeded)) {
		c.goOffline(cur, true)
		return
	}
	c.finish(cur, syncErrors.OpReconcile, err)
}

// goOffline moves a connection that has not settled to Offline. With force
// it also overrides a busy state left behind by a cancelled operation.
func (c *Coordinator) goOffline(cur *cursor, force bool) {
	c.mu.Lock()
	if c.cur != cur || !(c.state.Busy() || (force && c.state != StateError)) {
		c.mu.Unlock()
		return
	}
	c.state = StateOffline
	c.errKind = syncErrors.KindNetwork
	c.lastErr = "Could not reach the shared file in time. Working offline."
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Warn("startup connection timed out, continuing offline",
		slog.Duration("timeout", c.opts.StartupTimeout))
}

// Connect authenticates interactively and reconciles with the remote
// document. It blocks until the first reconciliation finished or failed.
func (c *Coordinator) Connect(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer c.inFlight.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closeCursorLocked()
	cur := c.openCursorLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(cur.ctx, cancel)
	defer stop()

	err := c.connect(ctx, cur, true)
	c.finish(cur, syncErrors.OpReconcile, err)
	return err
}

// connect authenticates and runs the first reconciliation. The caller holds
// the in-flight guard.
func (c *Coordinator) connect(ctx context.Context, cur *cursor, interactive bool) error {
	if err := c.authenticate(ctx, cur, interactive); err != nil {
		return err
	}
	if c.Session().ReadOnly() {
		return nil
	}
	return c.runSync(ctx, cur, modeReconcile)
}

func (c *Coordinator) authenticate(ctx context.Context, cur *cursor, interactive bool) error {
	c.enter(cur, StateAuthenticating)

	sess := c.Session()
	var err error
	if interactive {
		sess, err = c.auth.Interactive(ctx, sess)
	} else {
		sess, err = c.auth.Silent(ctx, sess)
	}
	if err != nil {
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpAuth), component)
	}

	sess.WasConnected = !sess.ReadOnly()
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.LogError(ctx, err, "could not persist session")
	}

	c.mu.Lock()
	c.sess = sess
	c.connected = true
	cur.authenticated = true
	if !sess.ReadOnly() || c.cur != cur {
		c.mu.Unlock()
		return nil
	}
	// Read-only sessions run no timers and stay Idle.
	c.closeCursorLocked()
	c.state = StateIdle
	c.errKind, c.lastErr = "", ""
	c.publishLocked()
	c.mu.Unlock()
	return nil
}

// Disconnect stops syncing and remembers that the user chose to.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closeCursorLocked()
	c.connected = false
	c.state = StateDisconnected
	c.errKind, c.lastErr = "", ""
	c.sess.WasConnected = false
	c.publishLocked()
	c.mu.Unlock()

	return c.sessions.SetConnected(ctx, false)
}

// Stop cancels timers and in-flight operations and waits for background
// goroutines. The persisted connection preference is left untouched.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCursorLocked()
	c.connected = false
	c.state = StateDisconnected
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
	return nil
}

// NotifyMutation schedules a push after the debounce window. Each call
// restarts the window, so a burst of edits produces one push.
func (c *Coordinator) NotifyMutation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.cur
	if cur == nil || c.sess.ReadOnly() {
		return
	}
	cur.dirty = true
	if cur.pushTimer != nil {
		cur.pushTimer.Stop()
	}
	cur.pushTimer = time.AfterFunc(c.opts.Debounce, func() {
		select {
		case cur.pushDue <- struct{}{}:
		default:
		}
	})
}

// SyncNow pushes immediately, bypassing the debounce window.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.ReadOnly() {
		c.mu.Unlock()
		return ErrReadOnly
	}
	cur := c.cur
	if cur == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if cur.pushTimer != nil {
		cur.pushTimer.Stop()
	}
	c.mu.Unlock()

	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer c.inFlight.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(cur.ctx, cancel)
	defer stop()

	err := c.cycle(ctx, cur, modePush)
	c.finish(cur, syncErrors.OpPush, err)
	return err
}

// PullOnce merges the remote document into the local copy without pushing.
// It is the only remote operation available to read-only sessions.
func (c *Coordinator) PullOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	cur := c.cur
	ephemeral := cur == nil
	if ephemeral {
		cur = newCursor(ctx)
		cur.authenticated = c.connected
	}
	c.mu.Unlock()
	if ephemeral {
		defer cur.cancel()
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer c.inFlight.Store(false)

	err := c.cycle(ctx, cur, modePull)
	c.finish(cur, syncErrors.OpPull, err)
	return err
}

// Subscribe registers handler for every status change. Handlers run one at
// a time on a dedicated goroutine and see changes in the order they happened;
// a handler must not call Stop.
func (c *Coordinator) Subscribe(handler func(Status)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.subscribers = append(c.subscribers, handler)
	if !c.dispatching {
		c.dispatching = true
		c.wg.Add(1)
		go c.dispatch()
	}
	return nil
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Session returns the session the coordinator runs under.
func (c *Coordinator) Session() session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Coordinator) statusLocked() Status {
	st := Status{
		State:      c.state,
		Connection: connectionFor(c.state, c.connected),
		ErrorKind:  c.errKind,
		LastError:  c.lastErr,
		LastSyncAt: c.lastSync,
		Identity:   c.sess.Identity,
		ReadOnly:   c.sess.ReadOnly(),
	}
	if c.replica != nil {
		st.LastLocalSaveAt = c.replica.LastSavedAt()
	}
	if c.cur != nil {
		st.Marker = c.cur.marker
	}
	return st
}

func (c *Coordinator) openCursorLocked() *cursor {
	cur := newCursor(c.base)
	c.cur = cur
	c.wg.Add(1)
	go c.loop(cur)
	if n, ok := c.gateway.(remote.ChangeNotifier); ok && !c.opts.DisableWatch {
		c.wg.Add(1)
		go c.watch(cur, n)
	}
	return cur
}

func (c *Coordinator) closeCursorLocked() {
	if c.cur == nil {
		return
	}
	if c.cur.pushTimer != nil {
		c.cur.pushTimer.Stop()
	}
	c.cur.cancel()
	c.cur = nil
}

// enter records a transition made by an operation running on cur. Transitions
// of a connection that has been closed are dropped.
func (c *Coordinator) enter(cur *cursor, s State) {
	c.mu.Lock()
	if cur.ctx.Err() != nil || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.publishLocked()
	c.mu.Unlock()
}

// finish settles the state after an operation on cur.
func (c *Coordinator) finish(cur *cursor, op syncErrors.Operation, err error) {
	if stderrors.Is(err, ErrSyncInFlight) {
		return
	}
	if err != nil {
		c.metrics.RecordSyncErrors(string(op), string(syncErrors.KindOf(err)))
	}

	c.mu.Lock()
	if cur.ctx.Err() != nil && c.cur != cur {
		// Disconnected or stopped meanwhile; the new state already stands.
		c.mu.Unlock()
		return
	}
	if err == nil {
		if c.state == StateIdle && c.errKind == "" {
			c.mu.Unlock()
			return
		}
		c.state = StateIdle
		c.errKind, c.lastErr = "", ""
	} else {
		c.state = StateError
		c.errKind = syncErrors.KindOf(err)
		c.lastErr = syncErrors.Message(err)
		if c.errKind == syncErrors.KindNotAuthenticated {
			// Only an explicit Connect recovers from an expired session.
			c.connected = false
			if c.cur == cur {
				c.closeCursorLocked()
			}
		}
	}
	c.publishLocked()
	c.mu.Unlock()
}

// publishLocked queues the current status for subscribers. Queuing under
// c.mu keeps delivery in the order the transitions were made.
func (c *Coordinator) publishLocked() {
	if len(c.subscribers) == 0 {
		return
	}
	c.pending = append(c.pending, c.statusLocked())
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued status changes on a single goroutine until the
// coordinator stops.
func (c *Coordinator) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.wake:
			c.deliverPending()
		case <-c.base.Done():
			c.deliverPending()
			return
		}
	}
}

func (c *Coordinator) deliverPending() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		subscribers := slices.Clone(c.subscribers)
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, st := range batch {
			for _, h := range subscribers {
				c.deliver(h, st)
			}
		}
	}
}

func (c *Coordinator) deliver(h func(Status), st Status) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("status subscriber panicked", slog.Any("panic", r))
		}
	}()
	h(st)
}

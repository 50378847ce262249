package remote

import (
	"context"
	"fmt"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// Op names a gateway call for failure injection and counters.
type Op string

const (
	OpMetadata Op = "metadata"
	OpFetch    Op = "fetch"
	OpUpload   Op = "upload"
)

// Calls counts gateway invocations.
type Calls struct {
	Metadata int
	Fetch    int
	Upload   int
}

// MemoryGateway keeps the document in process memory. It is the test double
// for every gateway consumer and also backs the guest mode of the CLI.
type MemoryGateway struct {
	mu       stdSync.Mutex
	data     []byte
	exists   bool
	revision int
	updated  time.Time
	maxBytes int

	failures map[Op][]error
	hooks    map[Op]func(ctx context.Context) error
	calls    Calls

	watchers map[int]func()
	nextID   int
}

var (
	_ Gateway        = (*MemoryGateway)(nil)
	_ ChangeNotifier = (*MemoryGateway)(nil)
)

// NewMemoryGateway returns a gateway with no document.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		failures: map[Op][]error{},
		hooks:    map[Op]func(ctx context.Context) error{},
		watchers: map[int]func(){},
	}
}

// SetMaxBytes makes uploads larger than n fail with QuotaExceeded.
func (m *MemoryGateway) SetMaxBytes(n int) {
	m.mu.Lock()
	m.maxBytes = n
	m.mu.Unlock()
}

// FailNext queues err to be returned by the next call of op.
func (m *MemoryGateway) FailNext(op Op, err error) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], err)
	m.mu.Unlock()
}

// OnCall installs a hook run at the start of every call of op, before any
// state is read. A non-nil error from the hook is returned by the call.
// Hooks may block, which lets tests hold a call in flight.
func (m *MemoryGateway) OnCall(op Op, hook func(ctx context.Context) error) {
	m.mu.Lock()
	if hook == nil {
		delete(m.hooks, op)
	} else {
		m.hooks[op] = hook
	}
	m.mu.Unlock()
}

// Calls returns the invocation counters.
func (m *MemoryGateway) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Put replaces the document out of band, as another device would.
func (m *MemoryGateway) Put(doc *document.Document) (Metadata, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return Metadata{}, err
	}
	m.mu.Lock()
	meta := m.storeLocked(data)
	m.mu.Unlock()
	m.notify()
	return meta, nil
}

// PutRaw stores data verbatim, valid or not.
func (m *MemoryGateway) PutRaw(data []byte) Metadata {
	m.mu.Lock()
	meta := m.storeLocked(append([]byte(nil), data...))
	m.mu.Unlock()
	m.notify()
	return meta
}

// Snapshot decodes the stored document, nil if there is none.
func (m *MemoryGateway) Snapshot() (*document.Document, error) {
	m.mu.Lock()
	data, exists := m.data, m.exists
	m.mu.Unlock()
	if !exists {
		return nil, nil
	}
	return document.Decode(data)
}

func (m *MemoryGateway) begin(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNetwork)
	}
	m.mu.Lock()
	switch op {
	case OpMetadata:
		m.calls.Metadata++
	case OpFetch:
		m.calls.Fetch++
	case OpUpload:
		m.calls.Upload++
	}
	hook := m.hooks[op]
	var injected error
	if queue := m.failures[op]; len(queue) > 0 {
		injected, m.failures[op] = queue[0], queue[1:]
	}
	m.mu.Unlock()

	if injected != nil {
		return injected
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNetwork)
	}
	return nil
}

func (m *MemoryGateway) Metadata(ctx context.Context) (Metadata, error) {
	if err := m.begin(ctx, OpMetadata); err != nil {
		return Metadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metaLocked(), nil
}

func (m *MemoryGateway) Fetch(ctx context.Context) (*document.Document, Metadata, error) {
	if err := m.begin(ctx, OpFetch); err != nil {
		return nil, Metadata{}, err
	}
	m.mu.Lock()
	data, meta := m.data, m.metaLocked()
	m.mu.Unlock()

	if !meta.Exists {
		return document.New(), meta, nil
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, meta, err
	}
	return doc, meta, nil
}

func (m *MemoryGateway) Upload(ctx context.Context, doc *document.Document, baseMarker string) (Metadata, error) {
	if err := m.begin(ctx, OpUpload); err != nil {
		return Metadata{}, err
	}
	data, err := document.Encode(doc)
	if err != nil {
		return Metadata{}, syncErrors.WrapOpComponentKind(err, string(OpUpload), component, syncErrors.KindMalformed)
	}

	m.mu.Lock()
	if m.maxBytes > 0 && len(data) > m.maxBytes {
		m.mu.Unlock()
		return Metadata{}, syncErrors.WrapOpComponentKind(
			fmt.Errorf("document of %d bytes exceeds the %d byte limit", len(data), m.maxBytes),
			string(OpUpload), component, syncErrors.KindQuotaExceeded)
	}
	if err := CheckBase(m.metaLocked(), baseMarker); err != nil {
		m.mu.Unlock()
		return Metadata{}, err
	}
	meta := m.storeLocked(data)
	m.mu.Unlock()

	m.notify()
	return meta, nil
}

// Watch implements ChangeNotifier.
func (m *MemoryGateway) Watch(ctx context.Context, onChange func()) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = onChange
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryGateway) storeLocked(data []byte) Metadata {
	m.data = data
	m.exists = true
	m.revision++
	m.updated = time.Now().UTC()
	return m.metaLocked()
}

func (m *MemoryGateway) metaLocked() Metadata {
	if !m.exists {
		return Metadata{}
	}
	return Metadata{
		Marker:    fmt.Sprintf("rev-%d", m.revision),
		Exists:    true,
		UpdatedAt: m.updated,
		Size:      int64(len(m.data)),
	}
}

func (m *MemoryGateway) notify() {
	m.mu.Lock()
	watchers := make([]func(), 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()
	for _, w := range watchers {
		go w()
	}
}

// Package filedoc keeps the remote document as a JSON file in a folder that
// several devices share (a mounted drive or a synced directory).
package filedoc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdSync "sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
)

const component = "gateway/file"

// Options configures a Gateway.
type Options struct {
	// MaxBytes rejects larger uploads with QuotaExceeded. Zero means unlimited.
	MaxBytes int64
	Logger   *logging.Logger
}

// Gateway reads and writes one file. Writes go to a temporary file in the
// same directory and are renamed into place, so readers never see a partial
// document. The marker combines a content hash with the modification time.
type Gateway struct {
	path   string
	opts   Options
	logger *logging.Logger

	// mu makes the marker check and the rename in Upload atomic within this
	// process.
	mu stdSync.Mutex
}

var (
	_ remote.Gateway        = (*Gateway)(nil)
	_ remote.ChangeNotifier = (*Gateway)(nil)
)

// New returns a gateway for path, creating its directory if needed.
func New(path string, opts Options) (*Gateway, error) {
	if path == "" {
		return nil, fmt.Errorf("filedoc: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, classify(err, syncErrors.OpTransport)
	}
	return &Gateway{
		path:   path,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).WithComponent(logging.Component(component)),
	}, nil
}

// Path returns the document file path.
func (g *Gateway) Path() string { return g.path }

func (g *Gateway) Metadata(ctx context.Context) (remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpMetadata)
	}
	_, meta, err := g.read()
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpMetadata)
	}
	return meta, nil
}

func (g *Gateway) Fetch(ctx context.Context) (*document.Document, remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.Metadata{}, classify(err, syncErrors.OpFetch)
	}
	data, meta, err := g.read()
	if err != nil {
		return nil, remote.Metadata{}, classify(err, syncErrors.OpFetch)
	}
	if !meta.Exists {
		return document.New(), meta, nil
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, meta, err
	}
	return doc, meta, nil
}

func (g *Gateway) Upload(ctx context.Context, doc *document.Document, baseMarker string) (remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	data, err := document.Encode(doc)
	if err != nil {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpUpload), component, syncErrors.KindMalformed)
	}
	if g.opts.MaxBytes > 0 && int64(len(data)) > g.opts.MaxBytes {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(
			fmt.Errorf("document of %d bytes exceeds the %d byte limit", len(data), g.opts.MaxBytes),
			string(syncErrors.OpUpload), component, syncErrors.KindQuotaExceeded)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, current, err := g.read()
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	if err := remote.CheckBase(current, baseMarker); err != nil {
		return remote.Metadata{}, err
	}
	if err := writeFileAtomic(g.path, data, 0o644); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}

	_, meta, err := g.read()
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	g.logger.DebugContext(ctx, "document written",
		slog.String("path", g.path),
		slog.String("marker", meta.Marker),
		slog.Int64("size", meta.Size),
	)
	return meta, nil
}

// Watch reports changes to the document file. The directory is watched
// rather than the file because every write replaces the file by rename.
func (g *Gateway) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return classify(err, syncErrors.OpTransport)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(g.path)); err != nil {
		return classify(err, syncErrors.OpTransport)
	}
	name := filepath.Base(g.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.WarnContext(ctx, "file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (g *Gateway) read() ([]byte, remote.Metadata, error) {
	data, err := os.ReadFile(g.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, remote.Metadata{}, nil
	}
	if err != nil {
		return nil, remote.Metadata{}, err
	}
	info, err := os.Stat(g.path)
	if err != nil {
		return nil, remote.Metadata{}, err
	}
	sum := sha256.Sum256(data)
	return data, remote.Metadata{
		Marker:    fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:8]), info.ModTime().UnixNano()),
		Exists:    true,
		UpdatedAt: info.ModTime().UTC(),
		Size:      int64(len(data)),
	}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// classify maps file system failures onto the gateway taxonomy. A folder we
// may not read is an authorization problem; a full disk is a quota problem;
// anything else means the share is unreachable.
func classify(err error, op syncErrors.Operation) error {
	switch {
	case stderrors.Is(err, fs.ErrPermission):
		return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNotAuthenticated)
	case stderrors.Is(err, syscall.ENOSPC):
		return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindQuotaExceeded)
	default:
		return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNetwork)
	}
}

// Package remote defines the gateway to the single shared remote document and
// an in-process implementation of it.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// Metadata describes the remote document without its content. Marker changes
// whenever the content changes; it is opaque to callers.
type Metadata struct {
	Marker    string    `json:"marker" yaml:"marker"`
	Exists    bool      `json:"exists" yaml:"exists"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	Size      int64     `json:"size,omitempty" yaml:"size,omitempty"`
}

// Gateway reads and writes the remote document. Every error carries a kind
// from the closed taxonomy: NotAuthenticated, Network, Conflict,
// QuotaExceeded or Malformed.
type Gateway interface {
	// Metadata reports whether the document exists and its current marker.
	Metadata(ctx context.Context) (Metadata, error)

	// Fetch returns the decoded document. A missing document is returned as
	// an empty one with Exists == false.
	Fetch(ctx context.Context) (*document.Document, Metadata, error)

	// Upload replaces the document whose marker is baseMarker. An empty
	// baseMarker only creates a missing document. Either way the upload fails
	// with Conflict when the remote is no longer in the expected state.
	Upload(ctx context.Context, doc *document.Document, baseMarker string) (Metadata, error)
}

// ChangeNotifier is implemented by gateways that can push change hints.
// Watch blocks until ctx is done, calling onChange whenever the remote may
// have changed. Hints only shorten polling; they are never relied on.
type ChangeNotifier interface {
	Watch(ctx context.Context, onChange func()) error
}

// Close releases the gateway's resources if it holds any.
func Close(g Gateway) error {
	if c, ok := g.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CheckBase returns a Conflict unless current is the state an upload based
// on baseMarker expects: a missing document for an empty base, otherwise a
// document whose marker is baseMarker.
func CheckBase(current Metadata, baseMarker string) error {
	switch {
	case baseMarker == "" && current.Exists:
		return syncErrors.NewConflictError(syncErrors.OpUpload,
			fmt.Errorf("remote document %s was created meanwhile", current.Marker))
	case baseMarker != "" && current.Exists && current.Marker != baseMarker:
		return syncErrors.NewConflictError(syncErrors.OpUpload,
			fmt.Errorf("remote marker is %s, upload was based on %s", current.Marker, baseMarker))
	}
	return nil
}

const component = "gateway"

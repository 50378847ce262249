package remote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/document"
	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

func sampleDoc(ids ...string) *document.Document {
	doc := document.New()
	for _, id := range ids {
		doc.Collections[entity.Projects] = append(doc.Collections[entity.Projects],
			entity.Record{ID: id, UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)})
	}
	return doc
}

func TestMemoryGatewayMissingDocument(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	meta, err := g.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, meta.Exists)
	assert.Empty(t, meta.Marker)

	doc, meta, err := g.Fetch(ctx)
	require.NoError(t, err)
	assert.False(t, meta.Exists)
	assert.Empty(t, doc.Collections)
}

func TestMemoryGatewayUploadDetectsConflicts(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	first, err := g.Upload(ctx, sampleDoc("P1"), "")
	require.NoError(t, err)
	assert.True(t, first.Exists)

	second, err := g.Upload(ctx, sampleDoc("P1", "P2"), first.Marker)
	require.NoError(t, err)
	assert.NotEqual(t, first.Marker, second.Marker)

	_, err = g.Upload(ctx, sampleDoc("P3"), first.Marker)
	require.Error(t, err)
	assert.True(t, syncErrors.Is(err, syncErrors.ErrConflict))

	_, err = g.Upload(ctx, sampleDoc("P4"), "")
	assert.Equal(t, syncErrors.KindConflict, syncErrors.KindOf(err), "an empty base only creates")

	doc, meta, err := g.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Marker, meta.Marker)
	assert.Len(t, doc.Collections[entity.Projects], 2, "the conflicting uploads must not land")
	assert.Equal(t, Calls{Metadata: 0, Fetch: 1, Upload: 4}, g.Calls())
}

func TestMemoryGatewayFailureInjection(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	g.FailNext(OpMetadata, syncErrors.NewNetworkError(syncErrors.OpMetadata, fmt.Errorf("offline")))

	_, err := g.Metadata(ctx)
	assert.Equal(t, syncErrors.KindNetwork, syncErrors.KindOf(err))

	_, err = g.Metadata(ctx)
	assert.NoError(t, err, "injected failures are consumed once")
}

func TestMemoryGatewayQuotaAndMalformed(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	g.SetMaxBytes(10)
	_, err := g.Upload(ctx, sampleDoc("P1"), "")
	assert.Equal(t, syncErrors.KindQuotaExceeded, syncErrors.KindOf(err))

	g.PutRaw([]byte(`{"schemaVersion": 1, "collections": {"projects": "nope"}}`))
	_, _, err = g.Fetch(ctx)
	assert.Equal(t, syncErrors.KindMalformed, syncErrors.KindOf(err))
}

func TestMemoryGatewayHookAndCancellation(t *testing.T) {
	g := NewMemoryGateway()
	release := make(chan struct{})
	g.OnCall(OpUpload, func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Upload(ctx, sampleDoc("P1"), "")
	require.Error(t, err)

	close(release)
	_, err = g.Upload(context.Background(), sampleDoc("P1"), "")
	assert.NoError(t, err)
}

func TestMemoryGatewayWatch(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx, func() { changed <- struct{}{} }) }()

	require.Eventually(t, func() bool {
		if _, err := g.Put(sampleDoc("P1")); err != nil {
			return false
		}
		select {
		case <-changed:
			return true
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	assert.NoError(t, Close(NewMemoryGateway()))
}

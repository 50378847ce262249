package entity

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPreservesUnknownFields(t *testing.T) {
	in := []byte(`{"id":"p1","updatedAt":"2024-03-01T10:00:00Z","name":"Roof","budget":{"amount":1200,"currency":"EUR"},"futureField":[1,2,3]}`)

	var r Record
	require.NoError(t, json.Unmarshal(in, &r))
	assert.Equal(t, "p1", r.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), r.UpdatedAt)
	assert.False(t, r.Deleted())
	assert.Contains(t, r.Fields, "futureField")

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestRecordAcceptsEpochMillis(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","updatedAt":1709287200000,"deletedAt":1709287300000}`), &r))

	assert.Equal(t, time.UnixMilli(1709287200000).UTC(), r.UpdatedAt)
	require.NotNil(t, r.DeletedAt)
	assert.True(t, r.Deleted())
}

func TestRecordRejectsMissingID(t *testing.T) {
	var r Record
	assert.Error(t, json.Unmarshal([]byte(`{"updatedAt":"2024-03-01T10:00:00Z"}`), &r))
}

func TestTouchIsStrictlyMonotonic(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := Record{ID: "p1", UpdatedAt: base}

	r.Touch(base.Add(-time.Hour))
	assert.True(t, r.UpdatedAt.After(base), "touch with a stale clock must still advance")

	prev := r.UpdatedAt
	r.Touch(prev)
	assert.True(t, r.UpdatedAt.After(prev))

	later := prev.Add(time.Minute)
	r.Touch(later)
	assert.Equal(t, later, r.UpdatedAt)
}

func TestMarkDeletedStampsBothTimestamps(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := New(now.Add(-time.Minute))

	r.MarkDeleted(now)
	require.NotNil(t, r.DeletedAt)
	assert.Equal(t, now, r.UpdatedAt)
	assert.Equal(t, now, *r.DeletedAt)
}

func TestSetAndGet(t *testing.T) {
	r := New(time.Now())
	require.NoError(t, r.Set("name", "Acme GmbH"))
	assert.Error(t, r.Set("updatedAt", "nope"))

	var name string
	ok, err := r.Get("name", &name)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Acme GmbH", name)

	ok, err = r.Get("missing", &name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	r := New(time.Now())
	require.NoError(t, r.Set("name", "a"))
	r.MarkDeleted(time.Now())

	c := r.Clone()
	require.NoError(t, c.Set("name", "b"))
	*c.DeletedAt = time.Time{}

	var name string
	_, _ = r.Get("name", &name)
	assert.Equal(t, "a", name)
	assert.False(t, r.DeletedAt.IsZero())
}

func TestNewIDIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

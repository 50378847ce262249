// Package entity defines the records that live in synchronized collections
// and the activity log entries that audit changes to them.
package entity

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

// Collection names a synchronized set of records of one kind.
type Collection string

const (
	Projects    Collection = "projects"
	Customers   Collection = "customers"
	TeamMembers Collection = "teamMembers"
	Vendors     Collection = "vendors"
	Leads       Collection = "leads"
)

// KnownCollections lists the collections every workspace starts with.
var KnownCollections = []Collection{Projects, Customers, TeamMembers, Vendors, Leads}

const (
	fieldID        = "id"
	fieldUpdatedAt = "updatedAt"
	fieldDeletedAt = "deletedAt"
)

// NewID returns a fresh record id. ULIDs sort by creation time and are never reused.
func NewID() string {
	return ulid.Make().String()
}

// Record is one entity in a collection. Only the identity and timestamps are
// interpreted; every other field is carried verbatim so that fields written by
// newer app versions survive a round trip.
type Record struct {
	ID        string
	UpdatedAt time.Time
	DeletedAt *time.Time
	Fields    map[string]json.RawMessage
}

// New builds a record with a fresh id stamped at now.
func New(now time.Time) Record {
	return Record{ID: NewID(), UpdatedAt: now.UTC(), Fields: map[string]json.RawMessage{}}
}

// Deleted reports whether the record carries a soft-delete mark.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Touch refreshes UpdatedAt. The new value is always strictly after the old
// one, even when the wall clock stalls or steps backwards.
func (r *Record) Touch(now time.Time) {
	now = now.UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Millisecond)
	}
	r.UpdatedAt = now
}

// MarkDeleted soft-deletes the record.
func (r *Record) MarkDeleted(now time.Time) {
	r.Touch(now)
	at := r.UpdatedAt
	r.DeletedAt = &at
}

// Set stores value under field. Reserved fields are rejected.
func (r *Record) Set(field string, value any) error {
	switch field {
	case fieldID, fieldUpdatedAt, fieldDeletedAt:
		return fmt.Errorf("field %q is managed by the sync core", field)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode field %q: %w", field, err)
	}
	if r.Fields == nil {
		r.Fields = map[string]json.RawMessage{}
	}
	r.Fields[field] = raw
	return nil
}

// Get decodes field into dst and reports whether it was present.
func (r Record) Get(field string, dst any) (bool, error) {
	raw, ok := r.Fields[field]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	if r.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// MarshalJSON writes the record as one flat object with keys in sorted order.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(r.Fields)+3)
	for k, v := range r.Fields {
		obj[k] = v
	}
	id, err := json.Marshal(r.ID)
	if err != nil {
		return nil, err
	}
	obj[fieldID] = id
	obj[fieldUpdatedAt] = formatTime(r.UpdatedAt)
	if r.DeletedAt != nil {
		obj[fieldDeletedAt] = formatTime(*r.DeletedAt)
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts timestamps as RFC 3339 strings or epoch milliseconds.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	var out Record
	if raw, ok := obj[fieldID]; ok {
		if err := json.Unmarshal(raw, &out.ID); err != nil {
			return fmt.Errorf("record id: %w", err)
		}
	}
	if out.ID == "" {
		return fmt.Errorf("record without id")
	}
	if raw, ok := obj[fieldUpdatedAt]; ok {
		t, err := parseTime(raw)
		if err != nil {
			return fmt.Errorf("record %s updatedAt: %w", out.ID, err)
		}
		out.UpdatedAt = t
	}
	if raw, ok := obj[fieldDeletedAt]; ok && !isNull(raw) {
		t, err := parseTime(raw)
		if err != nil {
			return fmt.Errorf("record %s deletedAt: %w", out.ID, err)
		}
		out.DeletedAt = &t
	}
	delete(obj, fieldID)
	delete(obj, fieldUpdatedAt)
	delete(obj, fieldDeletedAt)
	out.Fields = obj
	*r = out
	return nil
}

func formatTime(t time.Time) json.RawMessage {
	return json.RawMessage(strconv.Quote(t.UTC().Format(time.RFC3339Nano)))
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s is neither RFC 3339 nor epoch milliseconds", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

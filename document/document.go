// Package document defines the single shared remote document: a versioned
// JSON object holding every synchronized collection and the activity log.
// Fields this version does not know about are carried through untouched.
package document

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	stdSync "sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// SchemaVersion is the newest layout this package reads and the one it writes.
const SchemaVersion = 1

const (
	keySchemaVersion = "schemaVersion"
	keyUpdatedAt     = "updatedAt"
	keyDeviceID      = "deviceId"
	keyCollections   = "collections"
	keyActivityLog   = "activityLog"

	schemaURL = "https://bizsync.local/schemas/document.schema.json"
)

//go:embed document.schema.json
var schemaJSON []byte

// schemaSet holds the document layout and the per-entry schemas that
// records and activity entries are checked against one by one.
type schemaSet struct {
	document *jsonschema.Schema
	record   *jsonschema.Schema
	activity *jsonschema.Schema
}

var (
	schemaOnce stdSync.Once
	schemas    schemaSet
	schemaErr  error
)

func compiled() (schemaSet, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		if schemas.document, schemaErr = c.Compile(schemaURL); schemaErr != nil {
			return
		}
		if schemas.record, schemaErr = c.Compile(schemaURL + "#/$defs/record"); schemaErr != nil {
			return
		}
		schemas.activity, schemaErr = c.Compile(schemaURL + "#/$defs/activity")
	})
	return schemas, schemaErr
}

// Document is the decoded remote file.
type Document struct {
	SchemaVersion int
	UpdatedAt     time.Time
	DeviceID      string
	Collections   map[entity.Collection][]entity.Record
	ActivityLog   []entity.ActivityEntry

	// Extra holds top-level fields written by other versions.
	Extra map[string]json.RawMessage
	// Invalid holds collection entries that are not valid records. They take
	// no part in merging and are written back exactly as they were read.
	Invalid map[entity.Collection][]json.RawMessage
	// DroppedActivity counts activity entries skipped because they were
	// invalid.
	DroppedActivity int
}

// New returns an empty document at the current schema version.
func New() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Collections:   map[entity.Collection][]entity.Record{},
		ActivityLog:   []entity.ActivityEntry{},
		Extra:         map[string]json.RawMessage{},
		Invalid:       map[entity.Collection][]json.RawMessage{},
	}
}

// PeekSchemaVersion reads schemaVersion without decoding the document.
func PeekSchemaVersion(data []byte) (int, bool) {
	v := gjson.GetBytes(data, keySchemaVersion)
	if !v.Exists() {
		return 0, false
	}
	return int(v.Int()), true
}

// Decode validates and decodes data. A blank payload is an empty document.
// Documents written before schemaVersion existed kept each collection as a
// top-level array; those are lifted into Collections.
//
// Only the layout is fatal: a single bad record is kept in Invalid and a bad
// activity entry is dropped, so the rest of the document stays usable.
func Decode(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}
	if v, ok := PeekSchemaVersion(data); ok && v > SchemaVersion {
		return nil, malformed(fmt.Errorf("schema version %d is newer than supported version %d", v, SchemaVersion))
	}

	sch, err := compiled()
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpDecode), "document", syncErrors.KindInternal)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, malformed(err)
	}
	if err := sch.document.Validate(inst); err != nil {
		return nil, malformed(err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, malformed(err)
	}

	doc := New()
	_, versioned := top[keySchemaVersion]
	for key, raw := range top {
		var err error
		switch key {
		case keySchemaVersion:
			// Always rewritten as SchemaVersion.
		case keyUpdatedAt:
			if !bytes.Equal(raw, []byte("null")) {
				err = json.Unmarshal(raw, &doc.UpdatedAt)
			}
		case keyDeviceID:
			err = json.Unmarshal(raw, &doc.DeviceID)
		case keyCollections:
			var collections map[entity.Collection][]json.RawMessage
			if err = json.Unmarshal(raw, &collections); err == nil {
				for c, entries := range collections {
					doc.addEntries(sch.record, c, entries)
				}
			}
		case keyActivityLog:
			var entries []json.RawMessage
			if err = json.Unmarshal(raw, &entries); err == nil {
				doc.addActivity(sch.activity, entries)
			}
		default:
			doc.Extra[key] = raw
		}
		if err != nil {
			return nil, malformed(fmt.Errorf("field %s: %w", key, err))
		}
	}
	if !versioned {
		if err := liftLegacyCollections(doc, sch.record); err != nil {
			return nil, malformed(err)
		}
	}
	doc.normalize()
	return doc, nil
}

func liftLegacyCollections(doc *Document, record *jsonschema.Schema) error {
	for _, c := range entity.KnownCollections {
		raw, ok := doc.Extra[string(c)]
		if !ok || len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("legacy collection %s: %w", c, err)
		}
		doc.addEntries(record, c, entries)
		delete(doc.Extra, string(c))
	}
	return nil
}

func (d *Document) addEntries(sch *jsonschema.Schema, c entity.Collection, entries []json.RawMessage) {
	records := make([]entity.Record, 0, len(entries))
	for _, raw := range entries {
		var r entity.Record
		if err := validEntry(sch, raw, &r); err != nil {
			d.Invalid[c] = append(d.Invalid[c], raw)
			continue
		}
		records = append(records, r)
	}
	d.Collections[c] = records
}

func (d *Document) addActivity(sch *jsonschema.Schema, entries []json.RawMessage) {
	log := make([]entity.ActivityEntry, 0, len(entries))
	for _, raw := range entries {
		var e entity.ActivityEntry
		if err := validEntry(sch, raw, &e); err != nil {
			d.DroppedActivity++
			continue
		}
		log = append(log, e)
	}
	d.ActivityLog = log
}

func validEntry(sch *jsonschema.Schema, raw json.RawMessage, dst any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// InvalidCount returns the number of entries kept in Invalid.
func (d *Document) InvalidCount() int {
	n := 0
	for _, entries := range d.Invalid {
		n += len(entries)
	}
	return n
}

func (d *Document) normalize() {
	if d.Collections == nil {
		d.Collections = map[entity.Collection][]entity.Record{}
	}
	for c, records := range d.Collections {
		if records == nil {
			d.Collections[c] = []entity.Record{}
		}
	}
	if d.ActivityLog == nil {
		d.ActivityLog = []entity.ActivityEntry{}
	}
	if d.Extra == nil {
		d.Extra = map[string]json.RawMessage{}
	}
	if d.Invalid == nil {
		d.Invalid = map[entity.Collection][]json.RawMessage{}
	}
	d.SchemaVersion = SchemaVersion
}

// Encode writes the document, including every preserved unknown field.
func Encode(d *Document) ([]byte, error) {
	return json.Marshal(d)
}

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+5)
	for k, v := range d.Extra {
		out[k] = v
	}
	collections := make(map[entity.Collection][]any, len(d.Collections)+len(d.Invalid))
	for c, records := range d.Collections {
		entries := make([]any, 0, len(records)+len(d.Invalid[c]))
		for _, r := range records {
			entries = append(entries, r)
		}
		collections[c] = entries
	}
	for c, raws := range d.Invalid {
		for _, raw := range raws {
			collections[c] = append(collections[c], raw)
		}
	}
	activity := d.ActivityLog
	if activity == nil {
		activity = []entity.ActivityEntry{}
	}

	out[keySchemaVersion] = SchemaVersion
	out[keyCollections] = collections
	out[keyActivityLog] = activity
	if d.DeviceID != "" {
		out[keyDeviceID] = d.DeviceID
	}
	if !d.UpdatedAt.IsZero() {
		out[keyUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Names returns the collection names in the document, sorted.
func (d *Document) Names() []entity.Collection {
	names := make([]entity.Collection, 0, len(d.Collections))
	for c := range d.Collections {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// RecordCount returns the number of records across all collections.
func (d *Document) RecordCount() int {
	n := 0
	for _, records := range d.Collections {
		n += len(records)
	}
	return n
}

func malformed(err error) error {
	return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpDecode), "document", syncErrors.KindMalformed)
}

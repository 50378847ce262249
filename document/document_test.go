package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

func TestDecodeBlankIsEmptyDocument(t *testing.T) {
	for _, in := range []string{"", "   \n"} {
		doc, err := Decode([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, doc.SchemaVersion)
		assert.Empty(t, doc.Collections)
		assert.Empty(t, doc.ActivityLog)
	}
}

func TestRoundTripPreservesUnknownFields(t *testing.T) {
	in := `{
		"schemaVersion": 1,
		"updatedAt": "2024-03-01T10:00:00Z",
		"deviceId": "dev-1",
		"payrollSettings": {"currency": "EUR"},
		"collections": {
			"projects": [{"id": "P1", "updatedAt": "2024-03-01T10:00:00Z", "name": "Roof", "phase": {"n": 2}}],
			"invoices": [{"id": "I1", "updatedAt": 1709287200000}]
		},
		"activityLog": [{"id": "a1", "timestamp": "2024-03-01T10:00:00Z", "actor": "ana", "action": "create", "subjectId": "P1", "subjectType": "projects"}]
	}`

	doc, err := Decode([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", doc.DeviceID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), doc.UpdatedAt)
	assert.Contains(t, doc.Extra, "payrollSettings")
	assert.Len(t, doc.Collections[entity.Projects], 1)
	assert.Len(t, doc.Collections[entity.Collection("invoices")], 1)
	assert.Equal(t, 2, doc.RecordCount())
	assert.Equal(t, []entity.Collection{"invoices", "projects"}, doc.Names())

	out, err := Encode(doc)
	require.NoError(t, err)

	again, err := Decode(out)
	require.NoError(t, err)
	assert.JSONEq(t, string(doc.Extra["payrollSettings"]), string(again.Extra["payrollSettings"]))
	var phase map[string]int
	ok, err := again.Collections[entity.Projects][0].Get("phase", &phase)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, phase["n"])
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	_, err := Decode([]byte(`{"schemaVersion": 2, "collections": {}}`))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindMalformed, syncErrors.KindOf(err))
}

func TestDecodeRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{"schemaVersion": 1,`},
		{"array root", `[1, 2]`},
		{"collection not an array", `{"schemaVersion": 1, "collections": {"projects": {"id": "P1"}}}`},
		{"activity not an array", `{"schemaVersion": 1, "collections": {}, "activityLog": {"id": "a1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			assert.True(t, syncErrors.Is(err, syncErrors.ErrMalformed))
		})
	}
}

func TestDecodeKeepsInvalidRecordsAside(t *testing.T) {
	in := `{
		"schemaVersion": 1,
		"collections": {
			"projects": [
				{"id": "P1", "updatedAt": "2024-03-01T10:00:00Z", "name": "Roof"},
				{"name": "no id"},
				{"id": "P2", "updatedAt": true},
				{"id": "P3", "updatedAt": "yesterday"},
				"stray"
			],
			"customers": [{"id": ""}]
		},
		"activityLog": [
			{"id": "a1", "timestamp": "2024-03-01T10:00:00Z", "actor": "ana", "action": "create", "subjectId": "P1", "subjectType": "projects"},
			{"actor": "bob"}
		]
	}`

	doc, err := Decode([]byte(in))
	require.NoError(t, err)
	require.Len(t, doc.Collections[entity.Projects], 1)
	assert.Equal(t, "P1", doc.Collections[entity.Projects][0].ID)
	assert.NotNil(t, doc.Collections[entity.Customers])
	assert.Empty(t, doc.Collections[entity.Customers])
	assert.Len(t, doc.Invalid[entity.Projects], 4)
	assert.Len(t, doc.Invalid[entity.Customers], 1)
	assert.Equal(t, 5, doc.InvalidCount())
	assert.Equal(t, 1, doc.RecordCount())
	require.Len(t, doc.ActivityLog, 1)
	assert.Equal(t, 1, doc.DroppedActivity)

	out, err := Encode(doc)
	require.NoError(t, err)
	again, err := Decode(out)
	require.NoError(t, err)
	assert.Len(t, again.Collections[entity.Projects], 1)
	require.Len(t, again.Invalid[entity.Projects], 4)
	for i, raw := range doc.Invalid[entity.Projects] {
		assert.JSONEq(t, string(raw), string(again.Invalid[entity.Projects][i]))
	}
	assert.JSONEq(t, `{"id": ""}`, string(again.Invalid[entity.Customers][0]))
}

func TestDecodeLiftsLegacyCollections(t *testing.T) {
	doc, err := Decode([]byte(`{"projects": [{"id": "P1", "updatedAt": 1709287200000}], "customers": [], "theme": "dark"}`))
	require.NoError(t, err)

	assert.Len(t, doc.Collections[entity.Projects], 1)
	assert.NotNil(t, doc.Collections[entity.Customers])
	assert.NotContains(t, doc.Extra, "projects")
	assert.Contains(t, doc.Extra, "theme")
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
}

func TestPeekSchemaVersion(t *testing.T) {
	v, ok := PeekSchemaVersion([]byte(`{"schemaVersion": 7, "collections": {}}`))
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = PeekSchemaVersion([]byte(`{"collections": {}}`))
	assert.False(t, ok)
}

func TestEncodeEmptyDocument(t *testing.T) {
	out, err := Encode(New())
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion":1,"collections":{},"activityLog":[]}`, string(out))
}

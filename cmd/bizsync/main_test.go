package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/bizsync/internal/config"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/session"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BIZSYNC_LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "bizsync %v", args)
	return out
}

func TestVersion(t *testing.T) {
	isolate(t)
	out := mustRun(t, "version")
	assert.Contains(t, out, version)
}

func TestRecordsLifecycle(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	_, err := run(t, "--data-dir", dir, "add", "customers", "name=Acme")
	require.Error(t, err, "guests cannot write")

	mustRun(t, "--data-dir", dir, "login", "--identity", "ana@example.com")
	id := string(bytes.TrimSpace([]byte(mustRun(t, "--data-dir", dir, "add", "customers", "name=Acme", "tier=2"))))
	require.NotEmpty(t, id)

	var listed []recordView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "--data-dir", dir, "list", "customers", "-o", "json")), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.Equal(t, "Acme", listed[0].Fields["name"])
	assert.EqualValues(t, 2, listed[0].Fields["tier"])

	table := mustRun(t, "--data-dir", dir, "list", "customers")
	assert.Contains(t, table, id)
	assert.Contains(t, table, `name="Acme"`)

	mustRun(t, "--data-dir", dir, "delete", "customers", id)
	assert.NotContains(t, mustRun(t, "--data-dir", dir, "list", "customers"), id)
	assert.Contains(t, mustRun(t, "--data-dir", dir, "list", "customers", "--deleted"), id+" (deleted)")

	var report statusReport
	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, "--data-dir", dir, "status")), &report))
	assert.Equal(t, "ana@example.com", report.Identity)
	assert.Equal(t, 0, report.Records["customers"])
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 2, report.Activity)
	assert.NotNil(t, report.LastLocalSaveAt)

	_, err = run(t, "--data-dir", dir, "list", "invoices")
	assert.ErrorContains(t, err, "unknown collection")
}

func TestLogoutKeepsData(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	mustRun(t, "--data-dir", dir, "login", "--identity", "ana@example.com")
	mustRun(t, "--data-dir", dir, "add", "vendors", "name=Parts Co")
	mustRun(t, "--data-dir", dir, "logout")

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "--data-dir", dir, "status", "-o", "json")), &report))
	assert.Equal(t, session.GuestIdentity, report.Identity)
	assert.True(t, report.ReadOnly)
	assert.Equal(t, 1, report.Records["vendors"])
}

func TestTwoDevicesSyncThroughSharedFile(t *testing.T) {
	isolate(t)
	shared := filepath.Join(t.TempDir(), "shared.json")
	devA, devB := t.TempDir(), t.TempDir()

	mustRun(t, "--data-dir", devA, "--remote", shared, "login", "--identity", "ana@example.com")
	mustRun(t, "--data-dir", devA, "--remote", shared, "add", "leads", "name=Globex")
	mustRun(t, "--data-dir", devA, "--remote", shared, "sync")

	_, err := os.Stat(shared)
	require.NoError(t, err, "sync writes the shared document")

	mustRun(t, "--data-dir", devB, "--remote", shared, "login", "--identity", "bo@example.com")
	mustRun(t, "--data-dir", devB, "--remote", shared, "sync", "-o", "json")

	var listed []recordView
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "--data-dir", devB, "list", "leads", "-o", "json")), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "Globex", listed[0].Fields["name"])

	var report statusReport
	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, "--data-dir", devB, "--remote", shared, "status", "--probe")), &report))
	require.NotNil(t, report.Remote)
	assert.True(t, report.Remote.Exists)
	assert.True(t, report.WasConnected)
}

func TestSyncRequiresSignIn(t *testing.T) {
	isolate(t)
	_, err := run(t, "--data-dir", t.TempDir(), "sync")
	assert.ErrorContains(t, err, "not signed in")
}

func TestTokenAndVerifiedLogin(t *testing.T) {
	isolate(t)
	cfgPath := filepath.Join(t.TempDir(), "bizsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("remote:\n  secret: s3cret\n"), 0o600))
	dir := t.TempDir()

	_, err := run(t, "--config", cfgPath, "token")
	assert.Error(t, err, "subject is required")

	tok := string(bytes.TrimSpace([]byte(mustRun(t, "--config", cfgPath, "token", "--subject", "cy@example.com", "--capability", "read_only"))))
	claims, err := session.ParseToken(tok, []byte("s3cret"), nil)
	require.NoError(t, err)
	assert.Equal(t, session.ReadOnly, claims.Capability)

	out := mustRun(t, "--config", cfgPath, "--data-dir", dir, "login", "--token", tok, "--identity", "ignored")
	assert.Contains(t, out, "cy@example.com")

	_, err = run(t, "--config", cfgPath, "--data-dir", dir, "login", "--token", "garbage")
	assert.Error(t, err)
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"name=Acme", "tier=2", "vip=true", "note=two words", "tags=[\"a\"]"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", fields["name"])
	assert.EqualValues(t, 2, fields["tier"])
	assert.Equal(t, true, fields["vip"])
	assert.Equal(t, "two words", fields["note"])
	assert.Equal(t, []any{"a"}, fields["tags"])

	_, err = parseFields([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFields([]string{"=x"})
	assert.Error(t, err)
}

func TestDocumentStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	tests := []struct {
		store  string
		wantDB bool
	}{
		{"memory", false},
		{dir, false},
	}
	for _, tt := range tests {
		a := &app{cfg: &config.Config{Server: config.Server{Store: tt.store}}, logger: logging.Discard()}
		open, db, err := a.documentStore()
		require.NoError(t, err, tt.store)
		assert.Equal(t, tt.wantDB, db != nil)
		gw, err := open("acme")
		require.NoError(t, err)
		assert.NotNil(t, gw)
	}
	_, err := os.Stat(dir)
	assert.NoError(t, err, "directory store is created")
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, render(io.Discard, "xml", struct{}{}))
}

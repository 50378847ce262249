package dsn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/remote/filedoc"
	"github.com/c0deZ3R0/bizsync/remote/httpdoc"
	"github.com/c0deZ3R0/bizsync/remote/pgdoc"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Account: "acme", Logger: logging.Discard()}

	tests := []struct {
		name string
		dsn  string
		want any
	}{
		{"memory", "memory://", &remote.MemoryGateway{}},
		{"file url", "file://" + filepath.Join(dir, "doc.json"), &filedoc.Gateway{}},
		{"bare path", filepath.Join(dir, "bare.json"), &filedoc.Gateway{}},
		{"https", "https://docs.example.com", &httpdoc.Gateway{}},
		{"postgres", "postgres://user@localhost/db?sslmode=disable", &pgdoc.Gateway{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Open(tt.dsn, opts)
			require.NoError(t, err)
			assert.IsType(t, tt.want, g)
			require.NoError(t, remote.Close(g))
		})
	}
}

func TestOpenFilePath(t *testing.T) {
	dir := t.TempDir()
	g, err := Open("file://"+filepath.Join(dir, "shared", "acme.json"), Options{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shared", "acme.json"), g.(*filedoc.Gateway).Path())
}

func TestOpenPostgresAccountFromQuery(t *testing.T) {
	g, err := Open("postgresql://localhost/db?account=globex&sslmode=disable", Options{})
	require.NoError(t, err)
	assert.IsType(t, &pgdoc.Gateway{}, g)

	_, err = Open("postgres://localhost/db", Options{})
	assert.Error(t, err, "account is required")
}

func TestOpenInvalid(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://host/doc", "file://"} {
		_, err := Open(raw, Options{Account: "acme"})
		assert.ErrorIs(t, err, ErrInvalidDSN, raw)
	}
	_, err := Open("https://docs.example.com", Options{})
	assert.Error(t, err)
}

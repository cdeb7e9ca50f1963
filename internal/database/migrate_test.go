package database

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
}

func TestListMigrations_OrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"000010_later.up.sql",
		"000002_attachments.up.sql",
		"000002_attachments.down.sql",
		"000001_read_receipts.up.sql",
		"notes.txt",
		"latest_fix.up.sql",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000003_dir.up.sql"), 0o755))

	got, err := ListMigrations(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, []Migration{
		{Version: 1, File: "000001_read_receipts.up.sql"},
		{Version: 2, File: "000002_attachments.up.sql"},
		{Version: 10, File: "000010_later.up.sql"},
	}, got)
}

func TestListMigrations_RejectsDuplicateVersions(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "000001_a.up.sql", "1_b.up.sql")

	_, err := ListMigrations(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "duplicate migration version 1")
}

func TestListMigrations_MissingDir(t *testing.T) {
	_, err := ListMigrations(filepath.Join(t.TempDir(), "missing"), slog.Default())
	assert.Error(t, err)
}

func TestListMigrations_ShippedFiles(t *testing.T) {
	got, err := ListMigrations(filepath.Join("..", "..", "migrations"), slog.Default())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)
}

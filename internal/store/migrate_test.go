package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesArePaired(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	ups, err := migrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := os.Stat(down)
		assert.NoError(t, err, "missing down migration for %s", filepath.Base(up))
	}
}

func TestMigrationFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o755))

	files, err := migrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001_a.up.sql", filepath.Base(files[0]))
	assert.Equal(t, "0002_b.up.sql", filepath.Base(files[1]))
}

func TestHistoryMigrationRejectsLocalIDs(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_history.up.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "local")
}

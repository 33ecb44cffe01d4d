package postgres

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	require.NoError(t, err)

	migrations, err := LoadMigrations(sub)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.SQL)
	}
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS medicine_lines")
}

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	files := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10")},
		"002_early.sql": {Data: []byte("SELECT 2")},
		"README.md":     {Data: []byte("docs")},
		"draft.sql":     {Data: []byte("SELECT 0")},
		"abc_bad.sql":   {Data: []byte("SELECT 0")},
	}

	migrations, err := LoadMigrations(files)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 2, migrations[0].Version)
	assert.Equal(t, 10, migrations[1].Version)
	assert.Equal(t, "010_late.sql", migrations[1].Name)
}

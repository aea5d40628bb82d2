package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsFromFSSortsVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, int64(1), migrations[0].Version)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Equal(t, int64(2), migrations[1].Version)
}

func TestLoadMigrationsFromFSRejectsBrokenSets(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"missing down": {
			"sql/migrations/0001_init.up.sql": {Data: []byte("SELECT 1;")},
		},
		"invalid name": {
			"sql/migrations/not_a_migration.sql": {Data: []byte("SELECT 1;")},
		},
		"empty body": {
			"sql/migrations/0001_init.up.sql":   {Data: []byte("  \n")},
			"sql/migrations/0001_init.down.sql": {Data: []byte("SELECT 1;")},
		},
		"name mismatch": {
			"sql/migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
			"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
		},
	}

	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrationsFromFS(fsys)
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedMigrationsAreLoadable(t *testing.T) {
	migrations, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Contains(t, migrations[0].UpSQL, "failed_reconciliations")
}

func TestMigrationStatePending(t *testing.T) {
	assert.True(t, MigrationState{Version: 0, Latest: 1}.Pending())
	assert.False(t, MigrationState{Version: 1, Latest: 1}.Pending())
}

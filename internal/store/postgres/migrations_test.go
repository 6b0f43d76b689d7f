package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	t.Run("embedded", func(t *testing.T) {
		migrations, err := loadMigrations(migrationsFS, "migrations")
		require.NoError(t, err)
		require.NotEmpty(t, migrations)
		require.Equal(t, 1, migrations[0].version)
		require.Contains(t, migrations[0].sql, "CREATE TABLE cert_groups")
	})

	t.Run("ordered by version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/10_later.sql":  {Data: []byte("SELECT 10")},
			"m/2_second.sql":  {Data: []byte("SELECT 2")},
			"m/1_initial.sql": {Data: []byte("SELECT 1")},
			"m/README.md":     {Data: []byte("ignored")},
		}
		migrations, err := loadMigrations(fsys, "m")
		require.NoError(t, err)
		require.Len(t, migrations, 3)
		require.Equal(t, []int{1, 2, 10}, []int{migrations[0].version, migrations[1].version, migrations[2].version})
		require.Equal(t, "10_later.sql", migrations[2].name)
	})

	t.Run("errors", func(t *testing.T) {
		tests := map[string]fstest.MapFS{
			"duplicate version": {
				"m/1_a.sql": {Data: []byte("SELECT 1")},
				"m/1_b.sql": {Data: []byte("SELECT 1")},
			},
			"missing version": {"m/initial.sql": {Data: []byte("SELECT 1")}},
			"zero version":    {"m/0_initial.sql": {Data: []byte("SELECT 1")}},
		}
		for name, fsys := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := loadMigrations(fsys, "m")
				require.Error(t, err)
			})
		}
	})
}

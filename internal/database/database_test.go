package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/bullion?sslmode=disable", MigrationURL("postgres://u:p@db:5432/bullion?sslmode=disable"))
	require.Equal(t, "pgx5://db/bullion", MigrationURL("postgresql://db/bullion"))
	require.Equal(t, "pgx5://db/bullion", MigrationURL("pgx5://db/bullion"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}

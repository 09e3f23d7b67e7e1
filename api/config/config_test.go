package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresURL(t *testing.T) {
	t.Run("explicit url wins", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "postgres://u:p@db:6543/runs")
		require.Equal(t, "postgres://u:p@db:6543/runs", PostgresURL())
	})

	t.Run("built from parts", func(t *testing.T) {
		t.Setenv("POSTGRES_URL", "")
		t.Setenv("POSTGRES_HOST", "pg")
		t.Setenv("POSTGRES_PORT", "5433")
		t.Setenv("POSTGRES_DB", "analyst")
		t.Setenv("POSTGRES_USER", "svc")
		t.Setenv("POSTGRES_PASSWORD", "s3cret")
		t.Setenv("POSTGRES_SSLMODE", "")
		require.Equal(t, "postgres://svc:s3cret@pg:5433/analyst?sslmode=disable", PostgresURL())
	})
}

func TestAnalyticsBackend(t *testing.T) {
	t.Setenv("ANALYTICS_BACKEND", "")
	require.Equal(t, BackendClickHouse, AnalyticsBackend())

	t.Setenv("ANALYTICS_BACKEND", "postgres")
	require.Equal(t, BackendPostgres, AnalyticsBackend())

	t.Setenv("ANALYTICS_BACKEND", "mysql")
	require.Equal(t, BackendClickHouse, AnalyticsBackend())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

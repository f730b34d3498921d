package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("BUSINESS_TIMEZONE", "")
	t.Setenv("ENGINE_WORKERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	require.Equal(t, "Asia/Kolkata", cfg.Location.String())
	require.Equal(t, 8, cfg.EngineWorkers)
	require.Equal(t, 2*time.Minute, cfg.EngineLeaseTTL)
	require.NotEmpty(t, cfg.EngineInstanceID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("BUSINESS_TIMEZONE", "UTC")
	t.Setenv("ENGINE_WORKERS", "3")
	t.Setenv("ENGINE_TICK_INTERVAL", "30s")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("PUBLIC_BASE_PATH", "/engine/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	require.Equal(t, time.UTC, cfg.Location)
	require.Equal(t, 3, cfg.EngineWorkers)
	require.Equal(t, 30*time.Second, cfg.EngineTickInterval)
	require.True(t, cfg.RedisTLS)
	require.Equal(t, "/engine", cfg.PublicBasePath)
}

func TestLoadErrorsNameTheVariable(t *testing.T) {
	cases := map[string][2]string{
		"bad int":      {"ENGINE_WORKERS", "many"},
		"zero workers": {"ENGINE_WORKERS", "0"},
		"bad duration": {"ENGINE_LEASE_TTL", "soon"},
		"bad zone":     {"BUSINESS_TIMEZONE", "Mars/Olympus"},
		"bad driver":   {"DATABASE_DRIVER", "mysql"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), kv[0])
		})
	}

	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("DATABASE_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "")
		_, err := Load()
		require.ErrorContains(t, err, "DATABASE_URL")
	})
}

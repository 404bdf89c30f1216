package persist

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"southwinds.dev/atrest/internal/codec"
)

const (
	pgTestImage = "postgres:16-alpine"
	pgTestDB    = "atrest"
	pgTestUser  = "atrest"
	pgTestPass  = "atrest"
)

// newTestPool starts PostgreSQL in a container. Skips if Docker is unavailable.
func newTestPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgc, err := tcpg.Run(ctx, pgTestImage,
		tcpg.WithDatabase(pgTestDB),
		tcpg.WithUsername(pgTestUser),
		tcpg.WithPassword(pgTestPass),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = pgc.Terminate(ctx) })

	dsn, err := pgc.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, dsn
}

func TestPostgresTable(t *testing.T) {
	pool, dsn := newTestPool(t)
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		table, err := NewPostgresTable(ctx, pool, "portfolios_json", codec.JSON{})
		require.NoError(t, err)
		testTableImplementation(t, table)
		assert.NoError(t, table.Ping(ctx))
	})

	t.Run("msgpack", func(t *testing.T) {
		table, err := NewPostgresTable(ctx, pool, "portfolios-msgpack", codec.MsgPack{})
		require.NoError(t, err)
		testTableImplementation(t, table)
	})

	t.Run("FromConfig", func(t *testing.T) {
		table, err := NewTable(TableConfig{
			Type:   TableTypePostgres,
			Config: map[string]interface{}{"dsn": dsn, "max_conns": 2},
		}, "assets")
		require.NoError(t, err)
		defer table.Close()

		_, err = table.Add(ctx, Document{KeyField: "a1", "portfolioId": "p-1"})
		require.NoError(t, err)
		n, err := table.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

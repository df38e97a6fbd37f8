package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/db"
	"casedesk/internal/migrate"
)

func TestMigrateIsIdempotentAndReportsStatus(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 2)

	st, err := migrate.Status(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, migrate.SchemaStatus{Current: latest, Latest: latest}, st)
	assert.True(t, st.UpToDate())
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE schema_version SET version=?`, latest+1)
	require.NoError(t, err)

	err = migrate.MigrateContext(ctx, conn)
	assert.ErrorIs(t, err, migrate.ErrSchemaTooNew)

	st, err := migrate.Status(ctx, conn)
	require.NoError(t, err)
	assert.False(t, st.UpToDate())
	assert.Equal(t, latest+1, st.Current)
}

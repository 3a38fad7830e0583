package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/authbridge/internal/db/bunx"
)

func TestApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:migrations_test?mode=memory&cache=shared", bunx.Options{})
	require.NoError(t, err)
	defer bunx.Close(db)

	assert.True(t, IsSQLite(db))
	assert.False(t, IsPostgreSQL(db))

	groupID, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.NotZero(t, groupID)

	for _, table := range []string{"users", "iam_users", "iam_accounts", "iam_sessions"} {
		_, err := db.NewSelect().Table(table).Limit(1).Exec(ctx)
		assert.NoError(t, err, table)
	}

	groupID, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, groupID, "second apply is a no-op")

	migrator := migrate.NewMigrator(db, Migrations)
	group, err := migrator.Rollback(ctx)
	require.NoError(t, err)
	assert.NotZero(t, group.ID)

	_, err = db.NewSelect().Table("users").Limit(1).Exec(ctx)
	assert.Error(t, err)
}

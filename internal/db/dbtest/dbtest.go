// Package dbtest opens throwaway SQLite databases with the schema applied.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/authbridge/internal/db/bunx"
	"github.com/terraconstructs/authbridge/internal/migrations"
)

// Open returns an in-memory database private to the calling test, migrated
// and closed on cleanup.
func Open(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := bunx.NewDB(context.Background(), dsn, bunx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bunx.Close(db) })

	_, err = migrations.Apply(context.Background(), db)
	require.NoError(t, err)
	return db
}

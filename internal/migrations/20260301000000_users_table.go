package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000000, down_20260301000000)
}

// up_20260301000000 creates the canonical users table
func up_20260301000000(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_users_iam_id ON users(iam_id)`)
	if err != nil {
		return fmt.Errorf("failed to create users iam_id index: %w", err)
	}
	return nil
}

func down_20260301000000(ctx context.Context, db *bun.DB) error {
	return dropTables(ctx, db, "users")
}

package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

// up_20260301000001 creates the IAM subsystem tables. Accounts and sessions
// cascade when their IAM user is deleted.
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.IAMUser)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create iam_users table: %w", err)
	}

	_, err = db.NewCreateTable().
		Model((*models.IAMAccount)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "iam_users" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create iam_accounts table: %w", err)
	}

	_, err = db.NewCreateTable().
		Model((*models.IAMSession)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "iam_users" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create iam_sessions table: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_iam_sessions_user_id ON iam_sessions(user_id)`)
	if err != nil {
		return fmt.Errorf("failed to create iam_sessions user_id index: %w", err)
	}
	return nil
}

func down_20260301000001(ctx context.Context, db *bun.DB) error {
	return dropTables(ctx, db, "iam_sessions", "iam_accounts", "iam_users")
}

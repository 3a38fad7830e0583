package bunx

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUIDv7 string for primary keys and token ids.
// It works on both PostgreSQL and SQLite without gen_random_uuid().
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

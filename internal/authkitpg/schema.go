package authkitpg

import (
	"context"
)

// EnsureSchema creates the profiles table if it does not exist. The layout matches the table
// migrated by authkit.DatabaseProfileStore so both adapters can share a database.
func EnsureSchema(ctx context.Context, db Executor) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    provider_subject_id TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    nickname TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    delegated_access_token TEXT NOT NULL DEFAULT '',
    created_at_unix BIGINT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profiles_provider_subject ON profiles (provider_subject_id);
`)
	return err
}

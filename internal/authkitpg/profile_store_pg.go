package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/storyauth/internal/authkit"
)

var errEmptyProviderSubjectID = errors.New("profile_store.pg.empty_provider_subject_id")

// Executor is the subset of *pgxpool.Pool used by the store.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresProfileStore persists user profiles in PostgreSQL.
type PostgresProfileStore struct {
	db  Executor
	now func() time.Time
}

// NewPostgresProfileStore constructs a Postgres store.
func NewPostgresProfileStore(db Executor) *PostgresProfileStore {
	return &PostgresProfileStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertProfile inserts or refreshes the profile for the provider subject and returns its user id.
func (store *PostgresProfileStore) UpsertProfile(ctx context.Context, userInfo authkit.CanonicalUserInfo) (string, error) {
	if strings.TrimSpace(userInfo.ProviderSubjectID) == "" {
		return "", fmt.Errorf("profile_store.pg.upsert: %w", errEmptyProviderSubjectID)
	}
	var applicationUserID string
	row := store.db.QueryRow(ctx, `
INSERT INTO profiles (user_id, provider_subject_id, email, display_name, nickname, avatar_url, created_at_unix, updated_at_unix)
VALUES ($1, $2, $3, $4, $4, $5, $6, $6)
ON CONFLICT (provider_subject_id) DO UPDATE
SET email = EXCLUDED.email,
    display_name = EXCLUDED.display_name,
    avatar_url = EXCLUDED.avatar_url,
    updated_at_unix = EXCLUDED.updated_at_unix
RETURNING user_id
`, uuid.NewString(), userInfo.ProviderSubjectID, userInfo.Email, userInfo.DisplayName, userInfo.AvatarURL, store.now().Unix())
	if scanErr := row.Scan(&applicationUserID); scanErr != nil {
		return "", fmt.Errorf("profile_store.pg.upsert: %w", scanErr)
	}
	return applicationUserID, nil
}

// GetProfile loads a profile by application user id.
func (store *PostgresProfileStore) GetProfile(ctx context.Context, applicationUserID string) (authkit.Profile, error) {
	profile := authkit.Profile{}
	row := store.db.QueryRow(ctx, `
SELECT user_id, provider_subject_id, email, display_name, nickname, avatar_url, delegated_access_token
FROM profiles
WHERE user_id = $1
`, applicationUserID)
	scanErr := row.Scan(
		&profile.UserID,
		&profile.ProviderSubjectID,
		&profile.Email,
		&profile.DisplayName,
		&profile.Nickname,
		&profile.AvatarURL,
		&profile.DelegatedAccessToken,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.Profile{}, fmt.Errorf("profile_store.pg.get: %w", authkit.ErrProfileNotFound)
		}
		return authkit.Profile{}, fmt.Errorf("profile_store.pg.get: %w", scanErr)
	}
	return profile, nil
}

// UpdateDelegatedAccessToken stores the latest delegated access token on the profile.
func (store *PostgresProfileStore) UpdateDelegatedAccessToken(ctx context.Context, applicationUserID string, accessToken string) error {
	tag, err := store.db.Exec(ctx, `
UPDATE profiles
SET delegated_access_token = $1, updated_at_unix = $2
WHERE user_id = $3
`, accessToken, store.now().Unix(), applicationUserID)
	if err != nil {
		return fmt.Errorf("profile_store.pg.update_delegated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile_store.pg.update_delegated: %w", authkit.ErrProfileNotFound)
	}
	return nil
}

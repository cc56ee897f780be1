package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("profile_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("profile_store.empty_database_url")
	errEmptyProviderSubID  = errors.New("profile_store.empty_provider_subject_id")
	errSQLiteEmptyPath     = errors.New("profile_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("profile_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("profile_store.unsupported_no_scheme")
)

// DatabaseProfileStore persists user profiles using GORM.
type DatabaseProfileStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseProfileStore) Driver() string {
	return store.driverLabel
}

type profileRecord struct {
	UserID               string `gorm:"column:user_id;primaryKey"`
	ProviderSubjectID    string `gorm:"column:provider_subject_id;uniqueIndex;not null"`
	Email                string `gorm:"column:email;not null;default:''"`
	DisplayName          string `gorm:"column:display_name;not null;default:''"`
	Nickname             string `gorm:"column:nickname;not null;default:''"`
	AvatarURL            string `gorm:"column:avatar_url;not null;default:''"`
	DelegatedAccessToken string `gorm:"column:delegated_access_token;not null;default:''"`
	CreatedAtUnix        int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix        int64  `gorm:"column:updated_at_unix;not null"`
}

func (profileRecord) TableName() string {
	return "profiles"
}

func (record profileRecord) toProfile() Profile {
	return Profile{
		UserID:               record.UserID,
		ProviderSubjectID:    record.ProviderSubjectID,
		Email:                record.Email,
		DisplayName:          record.DisplayName,
		Nickname:             record.Nickname,
		AvatarURL:            record.AvatarURL,
		DelegatedAccessToken: record.DelegatedAccessToken,
	}
}

// NewDatabaseProfileStore constructs a GORM-backed store and migrates the profiles table.
func NewDatabaseProfileStore(ctx context.Context, databaseURL string) (*DatabaseProfileStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("profile_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("profile_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&profileRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("profile_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseProfileStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// UpsertProfile inserts a profile for a new provider subject or refreshes the provider-owned
// fields of an existing one. The nickname of a new profile starts as the display name.
func (store *DatabaseProfileStore) UpsertProfile(ctx context.Context, userInfo CanonicalUserInfo) (string, error) {
	if strings.TrimSpace(userInfo.ProviderSubjectID) == "" {
		return "", fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, errEmptyProviderSubID)
	}
	nowUnix := time.Now().UTC().Unix()
	candidate := profileRecord{
		UserID:            uuid.NewString(),
		ProviderSubjectID: userInfo.ProviderSubjectID,
		Email:             userInfo.Email,
		DisplayName:       userInfo.DisplayName,
		Nickname:          userInfo.DisplayName,
		AvatarURL:         userInfo.AvatarURL,
		CreatedAtUnix:     nowUnix,
		UpdatedAtUnix:     nowUnix,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "avatar_url", "updated_at_unix"}),
	}).Create(&candidate).Error
	if err != nil {
		return "", fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, err)
	}

	var stored profileRecord
	if findErr := store.db.WithContext(ctx).Where("provider_subject_id = ?", userInfo.ProviderSubjectID).Take(&stored).Error; findErr != nil {
		return "", fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, findErr)
	}
	return stored.UserID, nil
}

// GetProfile loads a profile by application user id.
func (store *DatabaseProfileStore) GetProfile(ctx context.Context, applicationUserID string) (Profile, error) {
	var record profileRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", applicationUserID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("profile_store.get.%s: %w", store.driverLabel, ErrProfileNotFound)
		}
		return Profile{}, fmt.Errorf("profile_store.get.%s: %w", store.driverLabel, err)
	}
	return record.toProfile(), nil
}

// UpdateDelegatedAccessToken stores the latest delegated access token on the profile.
func (store *DatabaseProfileStore) UpdateDelegatedAccessToken(ctx context.Context, applicationUserID string, accessToken string) error {
	result := store.db.WithContext(ctx).Model(&profileRecord{}).
		Where("user_id = ?", applicationUserID).
		Updates(map[string]any{
			"delegated_access_token": accessToken,
			"updated_at_unix":        time.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("profile_store.update_delegated.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("profile_store.update_delegated.%s: %w", store.driverLabel, ErrProfileNotFound)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("profile_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("profile_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("profile_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("profile_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

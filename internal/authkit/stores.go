package authkit

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound indicates that the key is absent or has expired.
var ErrStateNotFound = errors.New("state_store.not_found")

// StateStore is a key-value store with per-key TTL shared by every instance of the service.
// Each operation stands alone; no multi-key atomicity is offered.
type StateStore interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetForever(ctx context.Context, key string, value string) error
	// Get returns ErrStateNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Take reads and deletes the key in one step; ErrStateNotFound when absent.
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

const (
	refreshTokenKeyPrefix     = "RT:"
	authStateKeyPrefix        = "STATE:"
	pkceVerifierKeyPrefix     = "PKCE:"
	delegatedRefreshKeyPrefix = "G_RT:"
	blacklistKeyPrefix        = "BL:"
)

// RefreshTokenKey addresses the single live session refresh token of a user.
func RefreshTokenKey(userID string) string { return refreshTokenKeyPrefix + userID }

// AuthStateKey addresses the CSRF state record issued with an authorization URL.
func AuthStateKey(state string) string { return authStateKeyPrefix + state }

// PKCEVerifierKey addresses the PKCE code verifier of a user's pending authorization.
func PKCEVerifierKey(userID string) string { return pkceVerifierKeyPrefix + userID }

// DelegatedRefreshKey addresses the encrypted delegated refresh credential of a user.
func DelegatedRefreshKey(userID string) string { return delegatedRefreshKeyPrefix + userID }

// BlacklistKey addresses the revocation marker of an access token.
func BlacklistKey(accessToken string) string { return blacklistKeyPrefix + accessToken }

// ProfileStore persists identity-linked user profiles keyed by provider subject id.
type ProfileStore interface {
	// UpsertProfile creates or refreshes the profile and returns the application user id.
	UpsertProfile(ctx context.Context, userInfo CanonicalUserInfo) (applicationUserID string, err error)
	GetProfile(ctx context.Context, applicationUserID string) (Profile, error)
	UpdateDelegatedAccessToken(ctx context.Context, applicationUserID string, accessToken string) error
}

// ErrProfileNotFound is returned when no profile matches the application user id.
var ErrProfileNotFound = errors.New("profile_store.not_found")

// Profile is the application-side view of a user.
type Profile struct {
	UserID               string
	ProviderSubjectID    string
	Email                string
	DisplayName          string
	Nickname             string
	AvatarURL            string
	DelegatedAccessToken string
}

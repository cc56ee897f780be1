package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/storyauth/internal/authkit"
	"go.uber.org/zap"
)

var errEmptyProviderSubjectID = errors.New("profile_store.memory.empty_provider_subject_id")

// InMemoryProfiles is a profile store used for development and local runs.
type InMemoryProfiles struct {
	mutex     sync.RWMutex
	profiles  map[string]authkit.Profile
	bySubject map[string]string
}

// NewInMemoryProfiles constructs an empty store.
func NewInMemoryProfiles() *InMemoryProfiles {
	return &InMemoryProfiles{
		profiles:  make(map[string]authkit.Profile),
		bySubject: make(map[string]string),
	}
}

// UpsertProfile inserts or refreshes a profile keyed by provider subject id.
func (store *InMemoryProfiles) UpsertProfile(ctx context.Context, userInfo authkit.CanonicalUserInfo) (string, error) {
	if strings.TrimSpace(userInfo.ProviderSubjectID) == "" {
		return "", errEmptyProviderSubjectID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	applicationUserID, exists := store.bySubject[userInfo.ProviderSubjectID]
	if !exists {
		applicationUserID = uuid.NewString()
		store.bySubject[userInfo.ProviderSubjectID] = applicationUserID
		store.profiles[applicationUserID] = authkit.Profile{
			UserID:            applicationUserID,
			ProviderSubjectID: userInfo.ProviderSubjectID,
			Nickname:          userInfo.DisplayName,
		}
	}
	record := store.profiles[applicationUserID]
	record.Email = userInfo.Email
	record.DisplayName = userInfo.DisplayName
	record.AvatarURL = userInfo.AvatarURL
	store.profiles[applicationUserID] = record
	return applicationUserID, nil
}

// GetProfile returns a profile by application user id.
func (store *InMemoryProfiles) GetProfile(ctx context.Context, applicationUserID string) (authkit.Profile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.profiles[applicationUserID]
	if !ok {
		return authkit.Profile{}, fmt.Errorf("profile_store.memory.get: %w", authkit.ErrProfileNotFound)
	}
	return record, nil
}

// UpdateDelegatedAccessToken stores the latest delegated access token on the profile.
func (store *InMemoryProfiles) UpdateDelegatedAccessToken(ctx context.Context, applicationUserID string, accessToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.profiles[applicationUserID]
	if !ok {
		return fmt.Errorf("profile_store.memory.update_delegated: %w", authkit.ErrProfileNotFound)
	}
	record.DelegatedAccessToken = accessToken
	store.profiles[applicationUserID] = record
	return nil
}

// HandleWhoAmI resolves the authenticated user's profile payload. It expects authkit.RequireSession
// to run first.
func HandleWhoAmI(profiles authkit.ProfileStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile store is required")
	}

	return func(contextGin *gin.Context) {
		applicationUserID, found := authkit.AuthenticatedUserID(contextGin)
		if !found {
			logger.Warn("missing authenticated user on context",
				zap.String("code", "api.me.missing_user"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		profile, profileErr := profiles.GetProfile(contextGin.Request.Context(), applicationUserID)
		if profileErr != nil {
			if errors.Is(profileErr, authkit.ErrProfileNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", applicationUserID))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", applicationUserID),
				zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    profile.UserID,
			"user_email": profile.Email,
			"display":    profile.DisplayName,
			"nickname":   profile.Nickname,
			"avatar_url": profile.AvatarURL,
		})
	}
}

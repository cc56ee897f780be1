package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	metricLoginSuccess   = "auth.login.success"
	metricLoginFailure   = "auth.login.failure"
	metricRefreshSuccess = "auth.refresh.success"
	metricRefreshFailure = "auth.refresh.failure"
	metricLogout         = "auth.logout"
)

// SessionTokens is the access/refresh pair returned to the client.
type SessionTokens struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	// AccessExpiresAt is informational; clients rely on the 401 access_token_expired response.
	AccessExpiresAt time.Time
}

// SessionService issues, refreshes, and revokes the application's own session tokens.
type SessionService struct {
	codec           *TokenCodec
	verifier        IdentityVerifier
	profiles        ProfileStore
	stateStore      StateStore
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	metrics         MetricsRecorder
	logger          *zap.Logger
}

// SessionOption customizes a SessionService.
type SessionOption func(*SessionService)

// WithSessionMetrics attaches a metrics recorder.
func WithSessionMetrics(recorder MetricsRecorder) SessionOption {
	return func(service *SessionService) {
		if recorder != nil {
			service.metrics = recorder
		}
	}
}

// WithSessionLogger attaches a logger.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(service *SessionService) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// NewSessionService wires the session façade.
func NewSessionService(configuration ServerConfig, codec *TokenCodec, verifier IdentityVerifier, profiles ProfileStore, stateStore StateStore, options ...SessionOption) (*SessionService, error) {
	switch {
	case codec == nil:
		return nil, errors.New("session.new: token codec is required")
	case verifier == nil:
		return nil, errors.New("session.new: identity verifier is required")
	case profiles == nil:
		return nil, errors.New("session.new: profile store is required")
	case stateStore == nil:
		return nil, errors.New("session.new: state store is required")
	case configuration.AccessTokenTTL <= 0 || configuration.RefreshTokenTTL <= 0:
		return nil, errors.New("session.new: token lifetimes must be positive")
	}
	service := &SessionService{
		codec:           codec,
		verifier:        verifier,
		profiles:        profiles,
		stateStore:      stateStore,
		accessTokenTTL:  configuration.AccessTokenTTL,
		refreshTokenTTL: configuration.RefreshTokenTTL,
		metrics:         NewCounterMetrics(),
		logger:          zap.NewNop(),
	}
	for _, option := range options {
		option(service)
	}
	return service, nil
}

// Login verifies the identity credential, upserts the profile, and issues a new token pair.
// The stored refresh token of the user is overwritten.
func (service *SessionService) Login(ctx context.Context, identityCredential string) (SessionTokens, error) {
	userInfo, err := service.verifier.Verify(ctx, identityCredential)
	if err != nil {
		service.metrics.Increment(metricLoginFailure)
		service.logger.Warn("login credential rejected", zap.String("code", "auth.login.verification_failed"), zap.Error(err))
		if !errors.Is(err, ErrCredentialVerificationFailed) {
			err = fmt.Errorf("%v: %w", err, ErrCredentialVerificationFailed)
		}
		return SessionTokens{}, fmt.Errorf("session.login.verify: %w", err)
	}

	userID, err := service.profiles.UpsertProfile(ctx, userInfo)
	if err != nil || strings.TrimSpace(userID) == "" {
		service.metrics.Increment(metricLoginFailure)
		service.logger.Error("login profile upsert failed", zap.String("code", "auth.login.profile_upsert_failed"), zap.Error(err))
		if err == nil {
			err = errors.New("empty user id")
		}
		return SessionTokens{}, fmt.Errorf("session.login.profile: %w", err)
	}

	accessToken, accessExpiresAt, err := service.codec.Mint(userID, service.accessTokenTTL)
	if err != nil {
		service.metrics.Increment(metricLoginFailure)
		return SessionTokens{}, fmt.Errorf("session.login.mint_access: %w", err)
	}
	refreshToken, _, err := service.codec.Mint(userID, service.refreshTokenTTL)
	if err != nil {
		service.metrics.Increment(metricLoginFailure)
		return SessionTokens{}, fmt.Errorf("session.login.mint_refresh: %w", err)
	}
	if err := service.stateStore.Set(ctx, RefreshTokenKey(userID), refreshToken, service.refreshTokenTTL); err != nil {
		service.metrics.Increment(metricLoginFailure)
		service.logger.Error("login refresh token persist failed", zap.String("code", "auth.login.persist_failed"), zap.String("user_id", userID), zap.Error(err))
		return SessionTokens{}, fmt.Errorf("session.login.persist: %w", err)
	}

	service.metrics.Increment(metricLoginSuccess)
	service.logger.Info("login succeeded", zap.String("code", "auth.login.success"), zap.String("user_id", userID))
	return SessionTokens{
		UserID:          userID,
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// Refresh mints a new access token for a live refresh token. The refresh token itself is
// returned unchanged.
func (service *SessionService) Refresh(ctx context.Context, refreshToken string) (SessionTokens, error) {
	status, userID := service.codec.inspect(refreshToken)
	switch status {
	case TokenValid:
	case TokenExpired:
		service.metrics.Increment(metricRefreshFailure)
		return SessionTokens{}, fmt.Errorf("session.refresh.classify: %w", ErrRefreshTokenExpired)
	default:
		service.metrics.Increment(metricRefreshFailure)
		return SessionTokens{}, fmt.Errorf("session.refresh.classify: %w", ErrInvalidToken)
	}

	stored, err := service.stateStore.Get(ctx, RefreshTokenKey(userID))
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		service.metrics.Increment(metricRefreshFailure)
		return SessionTokens{}, fmt.Errorf("session.refresh.lookup: %w", err)
	}
	if err != nil || stored != refreshToken {
		service.metrics.Increment(metricRefreshFailure)
		service.logger.Warn("refresh token no longer current", zap.String("code", "auth.refresh.revoked"), zap.String("user_id", userID))
		return SessionTokens{}, fmt.Errorf("session.refresh.compare: %w", ErrRefreshTokenRevoked)
	}

	accessToken, accessExpiresAt, err := service.codec.Mint(userID, service.accessTokenTTL)
	if err != nil {
		service.metrics.Increment(metricRefreshFailure)
		return SessionTokens{}, fmt.Errorf("session.refresh.mint: %w", err)
	}
	service.metrics.Increment(metricRefreshSuccess)
	return SessionTokens{
		UserID:          userID,
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// Logout deletes the user's refresh token and blacklists a still-valid access token for exactly
// its remaining lifetime.
func (service *SessionService) Logout(ctx context.Context, accessToken string) error {
	status := service.codec.Classify(accessToken)
	if status == TokenInvalid {
		return fmt.Errorf("session.logout.classify: %w", ErrInvalidToken)
	}
	userID, err := service.codec.subjectIgnoringExpiry(accessToken)
	if err != nil {
		return fmt.Errorf("session.logout.subject: %w", err)
	}
	if err := service.stateStore.Delete(ctx, RefreshTokenKey(userID)); err != nil {
		service.logger.Error("logout refresh token delete failed", zap.String("code", "auth.logout.delete_failed"), zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("session.logout.delete: %w", err)
	}

	if status == TokenValid {
		remaining, err := service.codec.RemainingLifetime(accessToken)
		if err != nil {
			return fmt.Errorf("session.logout.expiry: %w", err)
		}
		if remaining > 0 {
			if err := service.stateStore.Set(ctx, BlacklistKey(accessToken), "logout", remaining); err != nil {
				service.logger.Error("logout blacklist write failed", zap.String("code", "auth.logout.blacklist_failed"), zap.String("user_id", userID), zap.Error(err))
				return fmt.Errorf("session.logout.blacklist: %w", err)
			}
		}
	}

	service.metrics.Increment(metricLogout)
	service.logger.Info("logout completed", zap.String("code", "auth.logout"), zap.String("user_id", userID), zap.String("token_status", status.String()))
	return nil
}

// Authenticate is the protected-request check: the token must classify VALID and must not be
// blacklisted. It returns the user id carried by the token.
func (service *SessionService) Authenticate(ctx context.Context, accessToken string) (string, error) {
	status, userID := service.codec.inspect(accessToken)
	switch status {
	case TokenValid:
	case TokenExpired:
		return "", fmt.Errorf("session.authenticate.classify: %w", ErrAccessTokenExpired)
	default:
		return "", fmt.Errorf("session.authenticate.classify: %w", ErrInvalidToken)
	}
	revoked, err := service.stateStore.Exists(ctx, BlacklistKey(accessToken))
	if err != nil {
		return "", fmt.Errorf("session.authenticate.blacklist: %w", err)
	}
	if revoked {
		return "", fmt.Errorf("session.authenticate.blacklist: %w", ErrAccessTokenRevoked)
	}
	return userID, nil
}

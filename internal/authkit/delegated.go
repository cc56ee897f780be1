package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	metricDelegatedURLIssued      = "auth.delegated.url_issued"
	metricDelegatedGranted        = "auth.delegated.granted"
	metricDelegatedExchangeFailed = "auth.delegated.exchange_failed"
	metricDelegatedRefreshSuccess = "auth.delegated.refresh.success"
	metricDelegatedRefreshFailure = "auth.delegated.refresh.failure"
	metricDelegatedRevoked        = "auth.delegated.revoked"

	invalidGrantErrorCode = "invalid_grant"
)

// AuthorizationRequest is the redirect target handed to the client to start delegated consent.
type AuthorizationRequest struct {
	AuthorizationURL string
	State            string
}

// DelegatedAuthCoordinator runs the PKCE authorization-code flow that grants upload access.
type DelegatedAuthCoordinator struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	stateStore  StateStore
	cipher      SecretCipher
	profiles    ProfileStore
	metrics     MetricsRecorder
	logger      *zap.Logger
}

// DelegatedAuthOption customizes a coordinator.
type DelegatedAuthOption func(*DelegatedAuthCoordinator)

// WithDelegatedHTTPClient overrides the client used for provider token calls.
func WithDelegatedHTTPClient(client *http.Client) DelegatedAuthOption {
	return func(coordinator *DelegatedAuthCoordinator) {
		if client != nil {
			coordinator.httpClient = client
		}
	}
}

// WithDelegatedMetrics attaches a metrics recorder.
func WithDelegatedMetrics(recorder MetricsRecorder) DelegatedAuthOption {
	return func(coordinator *DelegatedAuthCoordinator) {
		if recorder != nil {
			coordinator.metrics = recorder
		}
	}
}

// WithDelegatedLogger attaches a logger.
func WithDelegatedLogger(logger *zap.Logger) DelegatedAuthOption {
	return func(coordinator *DelegatedAuthCoordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// NewDelegatedAuthCoordinator wires the coordinator from immutable configuration.
func NewDelegatedAuthCoordinator(configuration ServerConfig, stateStore StateStore, secretCipher SecretCipher, profiles ProfileStore, options ...DelegatedAuthOption) (*DelegatedAuthCoordinator, error) {
	if stateStore == nil {
		return nil, errors.New("delegated.new: state store is required")
	}
	if secretCipher == nil {
		return nil, errors.New("delegated.new: cipher is required")
	}
	if profiles == nil {
		return nil, errors.New("delegated.new: profile store is required")
	}
	if strings.TrimSpace(configuration.GoogleClientID) == "" || strings.TrimSpace(configuration.GoogleRedirectURI) == "" {
		return nil, errors.New("delegated.new: client id and redirect uri are required")
	}
	coordinator := &DelegatedAuthCoordinator{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.GoogleClientID,
			ClientSecret: configuration.GoogleClientSecret,
			RedirectURL:  configuration.GoogleRedirectURI,
			Scopes:       configuration.DelegatedScopes(),
			Endpoint: oauth2.Endpoint{
				AuthURL:   configuration.authURL(),
				TokenURL:  configuration.tokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: configuration.providerTimeout()},
		stateStore: stateStore,
		cipher:     secretCipher,
		profiles:   profiles,
		metrics:    NewCounterMetrics(),
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(coordinator)
	}
	return coordinator, nil
}

// BeginAuthorization issues a CSRF state and PKCE verifier and returns the provider consent URL.
func (coordinator *DelegatedAuthCoordinator) BeginAuthorization(ctx context.Context, userID string) (AuthorizationRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return AuthorizationRequest{}, fmt.Errorf("delegated.begin: %w", ErrInvalidToken)
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	if err := coordinator.stateStore.Set(ctx, AuthStateKey(state), userID, AuthorizationStateTTL); err != nil {
		coordinator.logger.Error("delegated state persist failed", zap.String("code", "auth.delegated.state_persist_failed"), zap.String("user_id", userID), zap.Error(err))
		return AuthorizationRequest{}, fmt.Errorf("delegated.begin.state: %w", err)
	}
	if err := coordinator.stateStore.Set(ctx, PKCEVerifierKey(userID), encodePKCERecord(state, verifier), AuthorizationStateTTL); err != nil {
		coordinator.logger.Error("delegated verifier persist failed", zap.String("code", "auth.delegated.verifier_persist_failed"), zap.String("user_id", userID), zap.Error(err))
		return AuthorizationRequest{}, fmt.Errorf("delegated.begin.verifier: %w", err)
	}

	authorizationURL := coordinator.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	coordinator.metrics.Increment(metricDelegatedURLIssued)
	coordinator.logger.Info("delegated authorization url issued", zap.String("code", "auth.delegated.url_issued"), zap.String("user_id", userID))
	return AuthorizationRequest{AuthorizationURL: authorizationURL, State: state}, nil
}

// CompleteAuthorization consumes the state and verifier, exchanges the code, and stores the
// encrypted delegated refresh credential. It returns the user that started the flow.
func (coordinator *DelegatedAuthCoordinator) CompleteAuthorization(ctx context.Context, code string, state string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", fmt.Errorf("delegated.complete.state: empty: %w", ErrInvalidOrExpiredState)
	}
	userID, err := coordinator.stateStore.Take(ctx, AuthStateKey(state))
	if err != nil {
		return "", coordinator.singleUseFailure("delegated.complete.state", err)
	}
	record, err := coordinator.stateStore.Get(ctx, PKCEVerifierKey(userID))
	if err != nil {
		return "", coordinator.singleUseFailure("delegated.complete.verifier", err)
	}
	recordState, verifier, ok := decodePKCERecord(record)
	if !ok || recordState != state {
		coordinator.logger.Warn("delegated verifier belongs to another authorization", zap.String("code", "auth.delegated.superseded_state"), zap.String("user_id", userID))
		return "", fmt.Errorf("delegated.complete.verifier: superseded: %w", ErrInvalidOrExpiredState)
	}
	if err := coordinator.stateStore.Delete(ctx, PKCEVerifierKey(userID)); err != nil {
		return "", fmt.Errorf("delegated.complete.verifier: %w", err)
	}
	if strings.TrimSpace(code) == "" {
		coordinator.metrics.Increment(metricDelegatedExchangeFailed)
		return "", fmt.Errorf("delegated.complete.code: empty: %w", ErrTokenExchangeFailed)
	}

	token, err := coordinator.oauthConfig.Exchange(coordinator.providerContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		coordinator.metrics.Increment(metricDelegatedExchangeFailed)
		coordinator.logger.Warn("delegated code exchange failed", zap.String("code", "auth.delegated.exchange_failed"), zap.String("user_id", userID), zap.Error(err))
		return "", fmt.Errorf("delegated.complete.exchange: %v: %w", err, ErrTokenExchangeFailed)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		coordinator.metrics.Increment(metricDelegatedExchangeFailed)
		coordinator.logger.Warn("delegated exchange response incomplete", zap.String("code", "auth.delegated.exchange_incomplete"), zap.String("user_id", userID))
		return "", fmt.Errorf("delegated.complete.exchange: missing tokens: %w", ErrTokenExchangeFailed)
	}

	if err := coordinator.storeRefreshCredential(ctx, userID, token.RefreshToken); err != nil {
		return "", fmt.Errorf("delegated.complete.persist: %w", err)
	}
	coordinator.saveAccessToken(ctx, userID, token.AccessToken)

	coordinator.metrics.Increment(metricDelegatedGranted)
	coordinator.logger.Info("delegated access granted", zap.String("code", "auth.delegated.granted"), zap.String("user_id", userID))
	return userID, nil
}

// RefreshDelegatedAccess trades the stored refresh credential for a fresh delegated access token.
func (coordinator *DelegatedAuthCoordinator) RefreshDelegatedAccess(ctx context.Context, userID string) (string, error) {
	encrypted, err := coordinator.stateStore.Get(ctx, DelegatedRefreshKey(userID))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			coordinator.metrics.Increment(metricDelegatedRefreshFailure)
			return "", fmt.Errorf("delegated.refresh.lookup: %w", ErrDelegatedCredentialMissing)
		}
		coordinator.metrics.Increment(metricDelegatedRefreshFailure)
		return "", fmt.Errorf("delegated.refresh.lookup: %w", err)
	}
	refreshCredential, err := coordinator.cipher.Decrypt(encrypted)
	if err != nil {
		coordinator.metrics.Increment(metricDelegatedRefreshFailure)
		coordinator.logger.Error("delegated credential decrypt failed", zap.String("code", "auth.delegated.decrypt_failed"), zap.String("user_id", userID), zap.Error(err))
		return "", fmt.Errorf("delegated.refresh.decrypt: %w: %w", ErrDelegatedCredentialExpired, err)
	}

	tokenSource := coordinator.oauthConfig.TokenSource(coordinator.providerContext(ctx), &oauth2.Token{RefreshToken: refreshCredential})
	token, err := tokenSource.Token()
	if err != nil {
		coordinator.metrics.Increment(metricDelegatedRefreshFailure)
		classified := classifyRefreshError(err)
		coordinator.logger.Warn("delegated refresh failed", zap.String("code", "auth.delegated.refresh_failed"), zap.String("user_id", userID), zap.String("error_code", ErrorCode(classified)), zap.Error(err))
		return "", classified
	}
	if token.AccessToken == "" {
		coordinator.metrics.Increment(metricDelegatedRefreshFailure)
		return "", fmt.Errorf("delegated.refresh.response: missing access token: %w", ErrDelegatedRefreshFailed)
	}

	if token.RefreshToken != "" && token.RefreshToken != refreshCredential {
		if err := coordinator.storeRefreshCredential(ctx, userID, token.RefreshToken); err != nil {
			coordinator.logger.Warn("delegated credential rotation not persisted", zap.String("code", "auth.delegated.rotation_failed"), zap.String("user_id", userID), zap.Error(err))
		}
	}
	coordinator.saveAccessToken(ctx, userID, token.AccessToken)

	coordinator.metrics.Increment(metricDelegatedRefreshSuccess)
	return token.AccessToken, nil
}

// HasDelegatedAccess reports whether a delegated refresh credential is stored. It does not
// contact the provider.
func (coordinator *DelegatedAuthCoordinator) HasDelegatedAccess(ctx context.Context, userID string) (bool, error) {
	exists, err := coordinator.stateStore.Exists(ctx, DelegatedRefreshKey(userID))
	if err != nil {
		return false, fmt.Errorf("delegated.status: %w", err)
	}
	return exists, nil
}

// RevokeDelegatedAccess forgets the delegated refresh credential.
func (coordinator *DelegatedAuthCoordinator) RevokeDelegatedAccess(ctx context.Context, userID string) error {
	if err := coordinator.stateStore.Delete(ctx, DelegatedRefreshKey(userID)); err != nil {
		return fmt.Errorf("delegated.revoke: %w", err)
	}
	coordinator.metrics.Increment(metricDelegatedRevoked)
	coordinator.logger.Info("delegated access revoked", zap.String("code", "auth.delegated.revoked"), zap.String("user_id", userID))
	return nil
}

func (coordinator *DelegatedAuthCoordinator) storeRefreshCredential(ctx context.Context, userID string, refreshCredential string) error {
	encrypted, err := coordinator.cipher.Encrypt(refreshCredential)
	if err != nil {
		coordinator.logger.Error("delegated credential encrypt failed", zap.String("code", "auth.delegated.encrypt_failed"), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	if err := coordinator.stateStore.SetForever(ctx, DelegatedRefreshKey(userID), encrypted); err != nil {
		coordinator.logger.Error("delegated credential persist failed", zap.String("code", "auth.delegated.persist_failed"), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// saveAccessToken hands the access token to the profile store. Failures are logged and do not
// void the grant.
func (coordinator *DelegatedAuthCoordinator) saveAccessToken(ctx context.Context, userID string, accessToken string) {
	if err := coordinator.profiles.UpdateDelegatedAccessToken(ctx, userID, accessToken); err != nil {
		coordinator.logger.Warn("delegated access token not saved on profile", zap.String("code", "auth.delegated.profile_update_failed"), zap.String("user_id", userID), zap.Error(err))
	}
}

// The PKCE record carries the state it was issued with so a verifier from a newer
// authorization is never sent with an older state.
const pkceRecordSeparator = "|"

func encodePKCERecord(state string, verifier string) string {
	return state + pkceRecordSeparator + verifier
}

func decodePKCERecord(record string) (string, string, bool) {
	state, verifier, found := strings.Cut(record, pkceRecordSeparator)
	if !found || state == "" || verifier == "" {
		return "", "", false
	}
	return state, verifier, true
}

func (coordinator *DelegatedAuthCoordinator) singleUseFailure(operation string, err error) error {
	if errors.Is(err, ErrStateNotFound) {
		coordinator.logger.Warn("delegated callback state rejected", zap.String("code", "auth.delegated.invalid_state"), zap.String("step", operation))
		return fmt.Errorf("%s: %w", operation, ErrInvalidOrExpiredState)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func (coordinator *DelegatedAuthCoordinator) providerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, coordinator.httpClient)
}

// classifyRefreshError separates a dead refresh credential from transient provider failures.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return fmt.Errorf("delegated.refresh.call: %v: %w", err, ErrDelegatedRefreshFailed)
	}
	statusCode := 0
	if retrieveErr.Response != nil {
		statusCode = retrieveErr.Response.StatusCode
	}
	switch {
	case statusCode == http.StatusBadRequest && retrieveErr.ErrorCode == invalidGrantErrorCode:
		return fmt.Errorf("delegated.refresh.invalid_grant: %w", ErrDelegatedCredentialExpired)
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return fmt.Errorf("delegated.refresh.status_%d: %w", statusCode, ErrDelegatedAccessExpired)
	default:
		return fmt.Errorf("delegated.refresh.status_%d: %w", statusCode, ErrDelegatedRefreshFailed)
	}
}

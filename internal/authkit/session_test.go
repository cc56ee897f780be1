package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeProfileStore struct {
	mutex      sync.Mutex
	bySubject  map[string]string
	profiles   map[string]Profile
	upsertErr  error
	updateErr  error
	nextUserID int
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{bySubject: map[string]string{}, profiles: map[string]Profile{}}
}

func (store *fakeProfileStore) UpsertProfile(ctx context.Context, userInfo CanonicalUserInfo) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.upsertErr != nil {
		return "", store.upsertErr
	}
	userID, ok := store.bySubject[userInfo.ProviderSubjectID]
	if !ok {
		store.nextUserID++
		userID = fmt.Sprintf("user-%d", store.nextUserID)
		store.bySubject[userInfo.ProviderSubjectID] = userID
		store.profiles[userID] = Profile{UserID: userID, ProviderSubjectID: userInfo.ProviderSubjectID, Nickname: userInfo.DisplayName}
	}
	profile := store.profiles[userID]
	profile.Email = userInfo.Email
	profile.DisplayName = userInfo.DisplayName
	profile.AvatarURL = userInfo.AvatarURL
	store.profiles[userID] = profile
	return userID, nil
}

func (store *fakeProfileStore) GetProfile(ctx context.Context, applicationUserID string) (Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profile, ok := store.profiles[applicationUserID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return profile, nil
}

func (store *fakeProfileStore) UpdateDelegatedAccessToken(ctx context.Context, applicationUserID string, accessToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.updateErr != nil {
		return store.updateErr
	}
	profile, ok := store.profiles[applicationUserID]
	if !ok {
		return ErrProfileNotFound
	}
	profile.DelegatedAccessToken = accessToken
	store.profiles[applicationUserID] = profile
	return nil
}

type failingStateStore struct {
	StateStore
}

func (failingStateStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, fmt.Errorf("state_store.test: %w", ErrStateStoreUnavailable)
}

type sessionFixture struct {
	clock    *controllableClock
	codec    *TokenCodec
	store    *MemoryStateStore
	profiles *fakeProfileStore
	metrics  *CounterMetrics
	service  *SessionService
}

var testUserInfo = CanonicalUserInfo{
	ProviderSubjectID: "google-sub-1",
	Email:             "user@example.com",
	DisplayName:       "Story User",
	EmailVerified:     true,
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	clock := newControllableClock(time.Now().UTC().Truncate(time.Second))
	codec := newTestCodec(t, clock)
	store := NewMemoryStateStore("")
	profiles := newFakeProfileStore()
	metrics := NewCounterMetrics()
	verifier := &recordingVerifier{userInfo: testUserInfo}
	service, err := NewSessionService(ServerConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}, codec, verifier, profiles, store, WithSessionMetrics(metrics), WithSessionLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("session service: %v", err)
	}
	return &sessionFixture{clock: clock, codec: codec, store: store, profiles: profiles, metrics: metrics, service: service}
}

func TestSessionLoginIssuesTokensAndPersistsRefreshToken(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if fixture.codec.Classify(tokens.AccessToken) != TokenValid || fixture.codec.Classify(tokens.RefreshToken) != TokenValid {
		t.Fatalf("expected both tokens to be valid")
	}
	subject, _ := fixture.codec.SubjectOf(tokens.AccessToken)
	if subject != tokens.UserID {
		t.Fatalf("expected subject %s, got %s", tokens.UserID, subject)
	}
	stored, err := fixture.store.Get(context.Background(), RefreshTokenKey(tokens.UserID))
	if err != nil || stored != tokens.RefreshToken {
		t.Fatalf("expected refresh token to be stored, got %q %v", stored, err)
	}
	if fixture.metrics.Count(metricLoginSuccess) != 1 {
		t.Fatalf("expected login success metric")
	}
}

func TestSessionLoginRejectsUnverifiedCredential(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	fixture.service.verifier = &recordingVerifier{err: errors.New("provider down")}
	if _, err := fixture.service.Login(context.Background(), "credential"); !errors.Is(err, ErrCredentialVerificationFailed) {
		t.Fatalf("expected ErrCredentialVerificationFailed, got %v", err)
	}
	if fixture.metrics.Count(metricLoginFailure) != 1 {
		t.Fatalf("expected login failure metric")
	}
}

func TestSessionLoginOverwritesPreviousRefreshToken(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	first, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("expected the same profile for repeated logins")
	}
	if _, err := fixture.service.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected the losing refresh token to be revoked, got %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("expected the latest refresh token to work, got %v", err)
	}
}

func TestSessionRefreshReturnsSameRefreshToken(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fixture.clock.Advance(time.Second)
	refreshed, err := fixture.service.Refresh(context.Background(), tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken != tokens.RefreshToken {
		t.Fatalf("expected refresh token to be returned unchanged")
	}
	if refreshed.AccessToken == tokens.AccessToken {
		t.Fatalf("expected a new access token")
	}
	if fixture.codec.Classify(refreshed.AccessToken) != TokenValid {
		t.Fatalf("expected refreshed access token to be valid")
	}
}

func TestSessionRefreshFailures(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	neverIssued, _, err := fixture.codec.Mint(tokens.UserID, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), neverIssued); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected ErrRefreshTokenRevoked for never-issued token, got %v", err)
	}

	orphan, _, err := fixture.codec.Mint("user-without-record", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), orphan); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected ErrRefreshTokenRevoked without record, got %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	fixture.clock.Advance(8 * 24 * time.Hour)
	if _, err := fixture.service.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
	if fixture.metrics.Count(metricRefreshFailure) != 4 {
		t.Fatalf("expected 4 refresh failures, got %d", fixture.metrics.Count(metricRefreshFailure))
	}
}

func TestSessionLogoutBlacklistsAccessToken(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	userID, err := fixture.service.Authenticate(context.Background(), tokens.AccessToken)
	if err != nil || userID != tokens.UserID {
		t.Fatalf("expected access token to authenticate, got %q %v", userID, err)
	}

	if err := fixture.service.Logout(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if fixture.codec.Classify(tokens.AccessToken) != TokenValid {
		t.Fatalf("expected the token itself to remain cryptographically valid")
	}
	if _, err := fixture.service.Authenticate(context.Background(), tokens.AccessToken); !errors.Is(err, ErrAccessTokenRevoked) {
		t.Fatalf("expected ErrAccessTokenRevoked, got %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected refresh after logout to fail with ErrRefreshTokenRevoked, got %v", err)
	}
}

func TestSessionLogoutBlacklistTTLMatchesRemainingLifetime(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	recorder := &ttlRecordingStore{StateStore: fixture.store}
	fixture.service.stateStore = recorder

	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fixture.clock.Advance(5 * time.Minute)
	if err := fixture.service.Logout(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	ttl, ok := recorder.ttls[BlacklistKey(tokens.AccessToken)]
	if !ok {
		t.Fatalf("expected a blacklist entry")
	}
	if ttl != 10*time.Minute {
		t.Fatalf("expected blacklist ttl of 10m, got %v", ttl)
	}
}

func TestSessionLogoutWithExpiredTokenSkipsBlacklist(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	recorder := &ttlRecordingStore{StateStore: fixture.store}
	fixture.service.stateStore = recorder

	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fixture.clock.Advance(time.Hour)
	if err := fixture.service.Logout(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := recorder.ttls[BlacklistKey(tokens.AccessToken)]; ok {
		t.Fatalf("expected no blacklist entry for an expired token")
	}
	exists, _ := fixture.store.Exists(context.Background(), RefreshTokenKey(tokens.UserID))
	if exists {
		t.Fatalf("expected refresh record to be deleted")
	}
	if err := fixture.service.Logout(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestSessionAuthenticate(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture(t)
	tokens, err := fixture.service.Login(context.Background(), "credential")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := fixture.service.Authenticate(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	fixture.service.stateStore = failingStateStore{StateStore: fixture.store}
	if _, err := fixture.service.Authenticate(context.Background(), tokens.AccessToken); !errors.Is(err, ErrStateStoreUnavailable) {
		t.Fatalf("expected fail-closed ErrStateStoreUnavailable, got %v", err)
	}
	fixture.service.stateStore = fixture.store

	fixture.clock.Advance(16 * time.Minute)
	if _, err := fixture.service.Authenticate(context.Background(), tokens.AccessToken); !errors.Is(err, ErrAccessTokenExpired) {
		t.Fatalf("expected ErrAccessTokenExpired, got %v", err)
	}
}

type ttlRecordingStore struct {
	StateStore
	mutex sync.Mutex
	ttls  map[string]time.Duration
}

func (store *ttlRecordingStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	store.mutex.Lock()
	if store.ttls == nil {
		store.ttls = map[string]time.Duration{}
	}
	store.ttls[key] = ttl
	store.mutex.Unlock()
	return store.StateStore.Set(ctx, key, value, ttl)
}

// countdownClock reports before for a fixed number of reads and after from then on.
type countdownClock struct {
	mutex     sync.Mutex
	remaining int
	before    time.Time
	after     time.Time
}

func (clock *countdownClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	if clock.remaining > 0 {
		clock.remaining--
		return clock.before
	}
	return clock.after
}

func TestSessionExpiryDuringCheckIsReportedAsExpiry(t *testing.T) {
	t.Parallel()

	for reads := 0; reads <= 6; reads++ {
		reads := reads
		t.Run(fmt.Sprintf("reads_%d", reads), func(t *testing.T) {
			fixture := newSessionFixture(t)
			tokens, err := fixture.service.Login(context.Background(), "credential")
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			loginTime := fixture.clock.Now()
			afterExpiry := loginTime.Add(8 * 24 * time.Hour)

			fixture.service.codec = newTestCodec(t, &countdownClock{remaining: reads, before: loginTime, after: afterExpiry})
			userID, err := fixture.service.Authenticate(context.Background(), tokens.AccessToken)
			switch {
			case err == nil:
				if userID != tokens.UserID {
					t.Fatalf("expected user %s, got %s", tokens.UserID, userID)
				}
			case !errors.Is(err, ErrAccessTokenExpired):
				t.Fatalf("expected success or ErrAccessTokenExpired, got %v", err)
			}

			fixture.service.codec = newTestCodec(t, &countdownClock{remaining: reads, before: loginTime, after: afterExpiry})
			refreshed, err := fixture.service.Refresh(context.Background(), tokens.RefreshToken)
			switch {
			case err == nil:
				if refreshed.UserID != tokens.UserID {
					t.Fatalf("expected user %s, got %s", tokens.UserID, refreshed.UserID)
				}
			case !errors.Is(err, ErrRefreshTokenExpired):
				t.Fatalf("expected success or ErrRefreshTokenExpired, got %v", err)
			}
		})
	}
}

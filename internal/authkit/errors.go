package authkit

import (
	"errors"
	"net/http"
)

var (
	// ErrCredentialVerificationFailed indicates the provider rejected or could not vouch for the identity credential.
	ErrCredentialVerificationFailed = errors.New("auth.credential_verification_failed")

	// ErrInvalidToken indicates a session token that failed signature or structure checks.
	ErrInvalidToken = errors.New("auth.invalid_token")
	// ErrRefreshTokenExpired indicates a correctly signed refresh token past its expiry.
	ErrRefreshTokenExpired = errors.New("auth.refresh_token_expired")
	// ErrRefreshTokenRevoked indicates the presented refresh token no longer matches the stored record.
	ErrRefreshTokenRevoked = errors.New("auth.refresh_token_revoked")
	// ErrAccessTokenExpired indicates a correctly signed access token past its expiry; the client should refresh.
	ErrAccessTokenExpired = errors.New("auth.access_token_expired")
	// ErrAccessTokenRevoked indicates an access token that was blacklisted by logout.
	ErrAccessTokenRevoked = errors.New("auth.access_token_revoked")

	// ErrInvalidOrExpiredState indicates a missing, replayed, or expired CSRF state or PKCE verifier.
	ErrInvalidOrExpiredState = errors.New("auth.invalid_or_expired_state")
	// ErrTokenExchangeFailed indicates the provider refused the authorization code exchange.
	ErrTokenExchangeFailed = errors.New("auth.token_exchange_failed")

	// ErrDelegatedCredentialMissing indicates delegation was never granted (or was revoked).
	ErrDelegatedCredentialMissing = errors.New("auth.delegated_credential_missing")
	// ErrDelegatedCredentialExpired indicates the stored delegated refresh credential is dead; re-consent is required.
	ErrDelegatedCredentialExpired = errors.New("auth.delegated_credential_expired")
	// ErrDelegatedAccessExpired indicates a transient provider-side rejection; retry without new consent.
	ErrDelegatedAccessExpired = errors.New("auth.delegated_access_expired")
	// ErrDelegatedRefreshFailed indicates a provider outage or network failure during refresh; retryable.
	ErrDelegatedRefreshFailed = errors.New("auth.delegated_refresh_failed")

	// ErrCipherFailure indicates corrupted ciphertext or a misconfigured encryption key.
	ErrCipherFailure = errors.New("auth.cipher_failure")

	// ErrStateStoreUnavailable indicates the ephemeral state backend failed.
	ErrStateStoreUnavailable = errors.New("auth.state_store_unavailable")
)

type errorMapping struct {
	sentinel error
	status   int
	code     string
}

// Evaluated in order. A cipher failure during refresh also wraps ErrDelegatedCredentialExpired,
// which must win.
var errorMappings = []errorMapping{
	{ErrCredentialVerificationFailed, http.StatusUnauthorized, "credential_verification_failed"},
	{ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{ErrRefreshTokenExpired, http.StatusUnauthorized, "refresh_token_expired"},
	{ErrRefreshTokenRevoked, http.StatusUnauthorized, "refresh_token_revoked"},
	{ErrAccessTokenExpired, http.StatusUnauthorized, "access_token_expired"},
	{ErrAccessTokenRevoked, http.StatusUnauthorized, "access_token_revoked"},
	{ErrInvalidOrExpiredState, http.StatusBadRequest, "invalid_state"},
	{ErrTokenExchangeFailed, http.StatusUnauthorized, "token_exchange_failed"},
	{ErrDelegatedCredentialMissing, http.StatusForbidden, "delegated_credential_missing"},
	{ErrDelegatedCredentialExpired, http.StatusForbidden, "delegated_credential_expired"},
	{ErrDelegatedAccessExpired, http.StatusUnauthorized, "delegated_access_expired"},
	{ErrDelegatedRefreshFailed, http.StatusBadGateway, "delegated_refresh_failed"},
	{ErrCipherFailure, http.StatusInternalServerError, "cipher_failure"},
	{ErrStateStoreUnavailable, http.StatusServiceUnavailable, "state_store_unavailable"},
}

// HTTPStatusFor maps a taxonomy error to the HTTP status surfaced to clients.
func HTTPStatusFor(err error) int {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.sentinel) {
			return mapping.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorCode maps a taxonomy error to the stable code written in JSON error bodies.
func ErrorCode(err error) string {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.sentinel) {
			return mapping.code
		}
	}
	return "internal_error"
}

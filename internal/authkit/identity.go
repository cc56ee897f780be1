package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/api/idtoken"
)

// CanonicalUserInfo is the provider-neutral identity handed to the profile store.
type CanonicalUserInfo struct {
	ProviderSubjectID string
	Email             string
	DisplayName       string
	AvatarURL         string
	EmailVerified     bool
}

// IdentityVerifier validates a provider identity credential.
type IdentityVerifier interface {
	Verify(ctx context.Context, identityCredential string) (CanonicalUserInfo, error)
}

const maxTokenInfoBodyBytes = 1 << 20

// flexibleBool accepts both JSON booleans and the "true"/"false" strings the tokeninfo endpoint emits.
type flexibleBool bool

func (value *flexibleBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.ToLower(string(data)), `"`) {
	case "true":
		*value = true
	case "false", "", "null":
		*value = false
	default:
		return fmt.Errorf("flexible_bool: unexpected %s", string(data))
	}
	return nil
}

type tokenInfoResponse struct {
	Subject       string       `json:"sub"`
	Audience      string       `json:"aud"`
	Email         string       `json:"email"`
	EmailVerified flexibleBool `json:"email_verified"`
	Name          string       `json:"name"`
	Picture       string       `json:"picture"`
}

// TokenInfoVerifier introspects ID tokens through the provider's tokeninfo endpoint.
type TokenInfoVerifier struct {
	httpClient *http.Client
	endpoint   string
	clientID   string
}

// NewTokenInfoVerifier builds a verifier that checks the audience against clientID.
func NewTokenInfoVerifier(httpClient *http.Client, endpoint string, clientID string) *TokenInfoVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultProviderHTTPTimeout}
	}
	if endpoint == "" {
		endpoint = DefaultGoogleTokenInfoURL
	}
	return &TokenInfoVerifier{httpClient: httpClient, endpoint: endpoint, clientID: clientID}
}

// Verify calls the tokeninfo endpoint with the credential as a query parameter.
func (verifier *TokenInfoVerifier) Verify(ctx context.Context, identityCredential string) (CanonicalUserInfo, error) {
	if strings.TrimSpace(identityCredential) == "" {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo: empty credential: %w", ErrCredentialVerificationFailed)
	}
	endpoint, err := url.Parse(verifier.endpoint)
	if err != nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.endpoint: %v: %w", err, ErrCredentialVerificationFailed)
	}
	query := endpoint.Query()
	query.Set("id_token", identityCredential)
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.request: %v: %w", err, ErrCredentialVerificationFailed)
	}
	response, err := verifier.httpClient.Do(request)
	if err != nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.call: %v: %w", err, ErrCredentialVerificationFailed)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxTokenInfoBodyBytes))
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.status_%d: %w", response.StatusCode, ErrCredentialVerificationFailed)
	}

	var payload tokenInfoResponse
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxTokenInfoBodyBytes)).Decode(&payload); decodeErr != nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.decode: %v: %w", decodeErr, ErrCredentialVerificationFailed)
	}
	if verifier.clientID != "" && payload.Audience != verifier.clientID {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.audience: %w", ErrCredentialVerificationFailed)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return CanonicalUserInfo{}, fmt.Errorf("identity.tokeninfo.subject: %w", ErrCredentialVerificationFailed)
	}
	return CanonicalUserInfo{
		ProviderSubjectID: payload.Subject,
		Email:             payload.Email,
		DisplayName:       payload.Name,
		AvatarURL:         payload.Picture,
		EmailVerified:     bool(payload.EmailVerified),
	}, nil
}

// GoogleTokenValidator is the subset of idtoken.Validator used for signature-based verification.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the default Google validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleIDTokenVerifier checks ID token signatures locally against Google's published keys.
type GoogleIDTokenVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleIDTokenVerifier wraps a validator for the given audience.
func NewGoogleIDTokenVerifier(validator GoogleTokenValidator, clientID string) *GoogleIDTokenVerifier {
	return &GoogleIDTokenVerifier{validator: validator, clientID: clientID}
}

// Verify validates the ID token and normalizes its claims.
func (verifier *GoogleIDTokenVerifier) Verify(ctx context.Context, identityCredential string) (CanonicalUserInfo, error) {
	if strings.TrimSpace(identityCredential) == "" {
		return CanonicalUserInfo{}, fmt.Errorf("identity.idtoken: empty credential: %w", ErrCredentialVerificationFailed)
	}
	payload, err := verifier.validator.Validate(ctx, identityCredential, verifier.clientID)
	if err != nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.idtoken.validate: %v: %w", err, ErrCredentialVerificationFailed)
	}
	if payload == nil {
		return CanonicalUserInfo{}, fmt.Errorf("identity.idtoken.payload: %w", ErrCredentialVerificationFailed)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return CanonicalUserInfo{}, fmt.Errorf("identity.idtoken.issuer: %w", ErrCredentialVerificationFailed)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	if strings.TrimSpace(googleSub) == "" {
		return CanonicalUserInfo{}, fmt.Errorf("identity.idtoken.subject: %w", ErrCredentialVerificationFailed)
	}
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)
	return CanonicalUserInfo{
		ProviderSubjectID: googleSub,
		Email:             userEmail,
		DisplayName:       userDisplayName,
		AvatarURL:         avatarURL,
		EmailVerified:     emailVerified,
	}, nil
}

// DevelopmentBypassToken is the credential accepted by DevelopmentBypassVerifier.
const DevelopmentBypassToken = "test"

var errBypassWithoutFallback = errors.New("identity.bypass: no fallback verifier")

// DevelopmentBypassVerifier accepts a fixed bypass credential and delegates everything else.
// It must only be wired when development mode is configured.
type DevelopmentBypassVerifier struct {
	fallback    IdentityVerifier
	bypassToken string
	identity    CanonicalUserInfo
}

// NewDevelopmentBypassVerifier wraps fallback with the development bypass.
func NewDevelopmentBypassVerifier(fallback IdentityVerifier) *DevelopmentBypassVerifier {
	return &DevelopmentBypassVerifier{
		fallback:    fallback,
		bypassToken: DevelopmentBypassToken,
		identity: CanonicalUserInfo{
			ProviderSubjectID: "dev-test-user",
			Email:             "test@example.com",
			DisplayName:       "Test User",
			AvatarURL:         "https://example.com/default_profile.jpg",
			EmailVerified:     true,
		},
	}
}

// Verify returns the development identity for the bypass token.
func (verifier *DevelopmentBypassVerifier) Verify(ctx context.Context, identityCredential string) (CanonicalUserInfo, error) {
	if identityCredential == verifier.bypassToken {
		return verifier.identity, nil
	}
	if verifier.fallback == nil {
		return CanonicalUserInfo{}, fmt.Errorf("%v: %w", errBypassWithoutFallback, ErrCredentialVerificationFailed)
	}
	return verifier.fallback.Verify(ctx, identityCredential)
}

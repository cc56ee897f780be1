package authkit

import (
	"time"
)

const (
	// DefaultGoogleAuthURL is the Google authorization endpoint.
	DefaultGoogleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	// DefaultGoogleTokenURL is the Google token endpoint used for code exchange and refresh grants.
	DefaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	// DefaultGoogleTokenInfoURL is the Google ID token introspection endpoint.
	DefaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	// DefaultUploadScope is the narrow scope requested by the delegated flow.
	DefaultUploadScope = "https://www.googleapis.com/auth/youtube.upload"
	// DefaultProviderHTTPTimeout bounds every outbound provider call.
	DefaultProviderHTTPTimeout = 10 * time.Second

	// AuthorizationStateTTL bounds the CSRF state and PKCE verifier records.
	AuthorizationStateTTL = 10 * time.Minute
)

// ServerConfig carries the immutable settings resolved at startup.
type ServerConfig struct {
	SigningSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GoogleAuthURL      string
	GoogleTokenURL     string
	GoogleTokenInfoURL string
	UploadScope        string

	ProviderHTTPTimeout time.Duration

	EncryptionKey       string
	EncryptionAlgorithm CipherAlgorithm

	DevMode bool

	CallbackSuccessURL string
	CallbackErrorURL   string
}

// DelegatedScopes returns the identity scopes plus the narrow upload scope.
func (configuration ServerConfig) DelegatedScopes() []string {
	uploadScope := configuration.UploadScope
	if uploadScope == "" {
		uploadScope = DefaultUploadScope
	}
	return []string{"openid", "email", "profile", uploadScope}
}

func (configuration ServerConfig) providerTimeout() time.Duration {
	if configuration.ProviderHTTPTimeout <= 0 {
		return DefaultProviderHTTPTimeout
	}
	return configuration.ProviderHTTPTimeout
}

func (configuration ServerConfig) authURL() string {
	if configuration.GoogleAuthURL == "" {
		return DefaultGoogleAuthURL
	}
	return configuration.GoogleAuthURL
}

func (configuration ServerConfig) tokenURL() string {
	if configuration.GoogleTokenURL == "" {
		return DefaultGoogleTokenURL
	}
	return configuration.GoogleTokenURL
}

func (configuration ServerConfig) tokenInfoURL() string {
	if configuration.GoogleTokenInfoURL == "" {
		return DefaultGoogleTokenInfoURL
	}
	return configuration.GoogleTokenInfoURL
}

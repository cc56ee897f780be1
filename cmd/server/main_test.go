package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/storyauth/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func setRequiredConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", testSigningKey)
	viper.Set("access_token_ttl", time.Minute)
	viper.Set("refresh_token_ttl", time.Hour)
	viper.Set("google_client_id", "client-id")
	viper.Set("google_client_secret", "client-secret")
	viper.Set("google_redirect_uri", "https://api.example.com/auth/oauth2/callback")
	viper.Set("encryption_key", "credential-encryption-secret")
	viper.Set("state_key_prefix", "storyauth")
}

func TestLoadServerConfigRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name            string
		override        func()
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			override:        func() { viper.Set("jwt_signing_key", "") },
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			override:        func() { viper.Set("access_token_ttl", 0) },
			expectedMessage: "config.invalid_access_token_ttl: access_token_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			override:        func() { viper.Set("refresh_token_ttl", -time.Second) },
			expectedMessage: "config.invalid_refresh_token_ttl: refresh_token_ttl must be greater than zero",
		},
		{
			name:            "missing client id",
			override:        func() { viper.Set("google_client_id", "") },
			expectedMessage: "config.missing_google_client_id: google_client_id must be provided",
		},
		{
			name:            "missing redirect uri",
			override:        func() { viper.Set("google_redirect_uri", "") },
			expectedMessage: "config.missing_google_redirect_uri: google_redirect_uri must be provided",
		},
		{
			name:            "missing encryption key",
			override:        func() { viper.Set("encryption_key", "") },
			expectedMessage: "config.missing_encryption_key: encryption_key must be provided",
		},
		{
			name:            "unknown cipher",
			override:        func() { viper.Set("encryption_algorithm", "rot13") },
			expectedMessage: "config.invalid_encryption_algorithm: encryption_algorithm must be aes-256-gcm or chacha20-poly1305",
		},
		{
			name:            "unknown environment",
			override:        func() { viper.Set("environment", "staging") },
			expectedMessage: "config.invalid_environment: environment must be development or production",
		},
		{
			name: "dev mode in production",
			override: func() {
				viper.Set("environment", "production")
				viper.Set("dev_mode", true)
			},
			expectedMessage: "config.dev_mode_in_production: dev_mode must not be enabled in production",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			setRequiredConfig()
			testCase.override()

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigRejectsShortSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredConfig()
	viper.Set("jwt_signing_key", "short")

	_, err := LoadServerConfig()
	if err == nil || !strings.HasPrefix(err.Error(), "config.invalid_jwt_signing_key: ") {
		t.Fatalf("expected invalid signing key error, got %v", err)
	}
}

func TestLoadServerConfigProducesServerConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredConfig()
	viper.Set("environment", "Production")
	viper.Set("encryption_algorithm", "chacha20-poly1305")
	viper.Set("callback_success_url", "storycut://oauth/success")

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if serverConfig.SigningSecret != testSigningKey || serverConfig.AccessTokenTTL != time.Minute || serverConfig.RefreshTokenTTL != time.Hour {
		t.Fatalf("unexpected token settings: %+v", serverConfig)
	}
	if serverConfig.EncryptionAlgorithm != authkit.CipherChaCha20 {
		t.Fatalf("expected chacha20 cipher, got %q", serverConfig.EncryptionAlgorithm)
	}
	if serverConfig.DevMode {
		t.Fatalf("expected dev mode to be off")
	}
	if serverConfig.CallbackSuccessURL != "storycut://oauth/success" {
		t.Fatalf("unexpected callback url %q", serverConfig.CallbackSuccessURL)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing dotenv file to be ignored, got %v", err)
	}

	const variableName = "APP_STORYAUTH_DOTENV_PROBE"
	_ = os.Unsetenv(variableName)
	t.Cleanup(func() { _ = os.Unsetenv(variableName) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(variableName+"=loaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("expected dotenv load to succeed, got %v", err)
	}
	if os.Getenv(variableName) != "loaded" {
		t.Fatalf("expected dotenv value to be exported, got %q", os.Getenv(variableName))
	}
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	setRequiredConfig()
	viper.Set("identity_verifier", "idtoken")

	if err := runServer(commandWithConfig(t), nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerRejectsUnknownSelections(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name            string
		override        func()
		expectedMessage string
	}{
		{
			name:            "identity verifier",
			override:        func() { viper.Set("identity_verifier", "saml") },
			expectedMessage: "config.invalid_identity_verifier: identity_verifier must be tokeninfo or idtoken",
		},
		{
			name: "database driver",
			override: func() {
				viper.Set("database_url", "sqlite:file:"+uuid.NewString()+"?mode=memory&cache=shared")
				viper.Set("database_driver", "mongo")
			},
			expectedMessage: "config.invalid_database_driver: database_driver must be gorm or pgx",
		},
		{
			name:            "cors without origins",
			override:        func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			restoreServe := withServeHTTPStub(func(server *http.Server) error {
				t.Fatalf("server must not start")
				return nil
			})
			defer restoreServe()

			setRequiredConfig()
			testCase.override()

			err := runServer(commandWithConfig(t), nil)
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestRunServerDevelopmentFlowWithRedisAndDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	redisServer := miniredis.RunT(t)

	setRequiredConfig()
	viper.Set("dev_mode", true)
	viper.Set("redis_url", "redis://"+redisServer.Addr())
	viper.Set("database_url", "sqlite:file:"+uuid.NewString()+"?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})

	var handler http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		handler = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}

	loginRecorder := httptest.NewRecorder()
	handler.ServeHTTP(loginRecorder, httptest.NewRequest(http.MethodPost, "/auth/test-login", nil))
	if loginRecorder.Code != http.StatusOK {
		t.Fatalf("expected dev login to succeed, got %d: %s", loginRecorder.Code, loginRecorder.Body.String())
	}
	var tokens struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(loginRecorder.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if !redisServer.Exists("storyauth:RT:" + tokens.UserID) {
		t.Fatalf("expected refresh token to be stored in redis")
	}

	meRequest := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	meRequest.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	meRecorder := httptest.NewRecorder()
	handler.ServeHTTP(meRecorder, meRequest)
	if meRecorder.Code != http.StatusOK || !strings.Contains(meRecorder.Body.String(), "test@example.com") {
		t.Fatalf("expected profile response, got %d: %s", meRecorder.Code, meRecorder.Body.String())
	}

	metricsRecorder := httptest.NewRecorder()
	handler.ServeHTTP(metricsRecorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metricsRecorder.Code != http.StatusOK || !strings.Contains(metricsRecorder.Body.String(), `storyauth_events_total{event="auth.login.success"} 1`) {
		t.Fatalf("expected login counter in metrics, got %d: %s", metricsRecorder.Code, metricsRecorder.Body.String())
	}
}

func TestRunServerInMemoryStoresWithoutDevMode(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	var handler http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		handler = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	setRequiredConfig()
	viper.Set("identity_verifier", "idtoken")

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory stores, got %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/auth/test-login", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected dev login to be absent, got %d", recorder.Code)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}

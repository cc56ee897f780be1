package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/storyauth/internal/authkit"
	"github.com/tyemirov/storyauth/internal/authkitpg"
	"github.com/tyemirov/storyauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config.dotenv: %w", err)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "storyauth",
		Short:   "Session tokens for the mobile client and delegated upload access to the user's Google account",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("environment", environmentDevelopment, "Deployment environment (development or production)")
	flags.Bool("dev_mode", false, "Enable the development login bypass; rejected in production")
	flags.String("jwt_signing_key", "", "HS256 signing secret for session tokens (at least 32 bytes)")
	flags.Duration("access_token_ttl", time.Hour, "Access token lifetime")
	flags.Duration("refresh_token_ttl", 7*24*time.Hour, "Refresh token lifetime")
	flags.String("google_client_id", "", "Google OAuth client ID")
	flags.String("google_client_secret", "", "Google OAuth client secret")
	flags.String("google_redirect_uri", "", "Redirect URI registered for the delegated upload flow")
	flags.String("google_auth_url", authkit.DefaultGoogleAuthURL, "Google authorization endpoint")
	flags.String("google_token_url", authkit.DefaultGoogleTokenURL, "Google token endpoint")
	flags.String("google_tokeninfo_url", authkit.DefaultGoogleTokenInfoURL, "Google tokeninfo endpoint")
	flags.String("identity_verifier", verifierTokenInfo, "Identity credential verification strategy (tokeninfo or idtoken)")
	flags.String("upload_scope", authkit.DefaultUploadScope, "Scope requested by the delegated upload flow")
	flags.String("encryption_key", "", "Secret used to encrypt delegated refresh credentials at rest")
	flags.String("encryption_algorithm", string(authkit.CipherAESGCM), "Credential cipher (aes-256-gcm or chacha20-poly1305)")
	flags.Duration("provider_http_timeout", authkit.DefaultProviderHTTPTimeout, "Timeout for outbound provider calls")
	flags.String("redis_url", "", "Redis URL for shared state; leave empty for the in-process store")
	flags.String("state_key_prefix", "storyauth", "Prefix applied to every state store key")
	flags.String("database_url", "", "Profile database URL (postgres:// or sqlite://; leave empty for in-memory profiles)")
	flags.String("database_driver", driverGORM, "Profile store driver for database_url (gorm or pgx)")
	flags.String("callback_success_url", "", "Redirect target after a successful delegated grant")
	flags.String("callback_error_url", "", "Redirect target after a failed delegated grant")
	flags.Bool("enable_cors", false, "Enable CORS for browser clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, key := range configKeys {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

var configKeys = []string{
	"listen_addr", "environment", "dev_mode", "jwt_signing_key", "access_token_ttl", "refresh_token_ttl",
	"google_client_id", "google_client_secret", "google_redirect_uri", "google_auth_url", "google_token_url",
	"google_tokeninfo_url", "identity_verifier", "upload_scope", "encryption_key", "encryption_algorithm",
	"provider_http_timeout", "redis_url", "state_key_prefix", "database_url", "database_driver",
	"callback_success_url", "callback_error_url", "enable_cors", "cors_allowed_origins",
}

const (
	environmentDevelopment = "development"
	environmentProduction  = "production"

	verifierTokenInfo = "tokeninfo"
	verifierIDToken   = "idtoken"

	driverGORM = "gorm"
	driverPGX  = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidJWTSigningKey    = "config.invalid_jwt_signing_key"
	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingRedirectURI      = "config.missing_google_redirect_uri"
	configCodeMissingEncryptionKey    = "config.missing_encryption_key"
	configCodeInvalidEncryptionAlg    = "config.invalid_encryption_algorithm"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeInvalidEnvironment      = "config.invalid_environment"
	configCodeDevModeInProduction     = "config.dev_mode_in_production"
	configCodeInvalidVerifier         = "config.invalid_identity_verifier"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the bound settings and returns the immutable server configuration.
func LoadServerConfig() (authkit.ServerConfig, error) {
	environment := strings.ToLower(strings.TrimSpace(viper.GetString("environment")))
	if environment == "" {
		environment = environmentDevelopment
	}
	if environment != environmentDevelopment && environment != environmentProduction {
		return authkit.ServerConfig{}, configError(configCodeInvalidEnvironment, "environment must be development or production")
	}
	devMode := viper.GetBool("dev_mode")
	if devMode && environment == environmentProduction {
		return authkit.ServerConfig{}, configError(configCodeDevModeInProduction, "dev_mode must not be enabled in production")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	if _, keyErr := authkit.NewSigningKey(jwtSigningKey); keyErr != nil {
		return authkit.ServerConfig{}, configError(configCodeInvalidJWTSigningKey, keyErr.Error())
	}

	accessTokenTTL := viper.GetDuration("access_token_ttl")
	if accessTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTokenTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than zero")
	}

	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleRedirectURI := viper.GetString("google_redirect_uri")
	if googleRedirectURI == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRedirectURI, "google_redirect_uri must be provided")
	}

	encryptionKey := viper.GetString("encryption_key")
	if encryptionKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	encryptionAlgorithm, algorithmErr := authkit.ParseCipherAlgorithm(viper.GetString("encryption_algorithm"))
	if algorithmErr != nil {
		return authkit.ServerConfig{}, configError(configCodeInvalidEncryptionAlg, "encryption_algorithm must be aes-256-gcm or chacha20-poly1305")
	}

	return authkit.ServerConfig{
		SigningSecret:       jwtSigningKey,
		AccessTokenTTL:      accessTokenTTL,
		RefreshTokenTTL:     refreshTokenTTL,
		GoogleClientID:      googleClientID,
		GoogleClientSecret:  viper.GetString("google_client_secret"),
		GoogleRedirectURI:   googleRedirectURI,
		GoogleAuthURL:       viper.GetString("google_auth_url"),
		GoogleTokenURL:      viper.GetString("google_token_url"),
		GoogleTokenInfoURL:  viper.GetString("google_tokeninfo_url"),
		UploadScope:         viper.GetString("upload_scope"),
		ProviderHTTPTimeout: viper.GetDuration("provider_http_timeout"),
		EncryptionKey:       encryptionKey,
		EncryptionAlgorithm: encryptionAlgorithm,
		DevMode:             devMode,
		CallbackSuccessURL:  viper.GetString("callback_success_url"),
		CallbackErrorURL:    viper.GetString("callback_error_url"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	startupCtx := commandContext

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	stateStore, closeStateStore, stateErr := buildStateStore(startupCtx, logger)
	if stateErr != nil {
		return stateErr
	}
	defer closeStateStore()

	profiles, closeProfiles, profilesErr := buildProfileStore(startupCtx, logger)
	if profilesErr != nil {
		return profilesErr
	}
	defer closeProfiles()

	verifier, verifierErr := buildIdentityVerifier(startupCtx, serverConfig, logger)
	if verifierErr != nil {
		return verifierErr
	}

	signingKey, keyErr := authkit.NewSigningKey(serverConfig.SigningSecret)
	if keyErr != nil {
		return configError(configCodeInvalidJWTSigningKey, keyErr.Error())
	}
	codec, codecErr := authkit.NewTokenCodec(signingKey, authkit.NewSystemClock())
	if codecErr != nil {
		return codecErr
	}
	secretCipher, cipherErr := authkit.NewSecretCipher(serverConfig.EncryptionKey, serverConfig.EncryptionAlgorithm)
	if cipherErr != nil {
		return configError(configCodeInvalidEncryptionAlg, cipherErr.Error())
	}

	prometheusMetrics, metricsErr := authkit.NewPrometheusMetrics(prometheus.NewRegistry())
	if metricsErr != nil {
		return metricsErr
	}
	metricsRecorder := authkit.MultiMetrics{authkit.NewCounterMetrics(), prometheusMetrics}

	sessions, sessionsErr := authkit.NewSessionService(serverConfig, codec, verifier, profiles, stateStore,
		authkit.WithSessionMetrics(metricsRecorder),
		authkit.WithSessionLogger(logger),
	)
	if sessionsErr != nil {
		return sessionsErr
	}
	delegated, delegatedErr := authkit.NewDelegatedAuthCoordinator(serverConfig, stateStore, secretCipher, profiles,
		authkit.WithDelegatedMetrics(metricsRecorder),
		authkit.WithDelegatedLogger(logger),
	)
	if delegatedErr != nil {
		return delegatedErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	authkit.MountAuthRoutes(router, authkit.RouteDependencies{
		Configuration: serverConfig,
		Sessions:      sessions,
		Delegated:     delegated,
		Logger:        logger,
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(sessions))
	protected.GET("/me", web.HandleWhoAmI(profiles, logger))

	router.GET("/metrics", gin.WrapH(prometheusMetrics.Handler()))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.Bool("dev_mode", serverConfig.DevMode))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildStateStore(ctx context.Context, logger *zap.Logger) (authkit.StateStore, func(), error) {
	prefix := viper.GetString("state_key_prefix")
	redisURL := viper.GetString("redis_url")
	if redisURL == "" {
		logger.Info("using in-memory state store", zap.String("prefix", prefix))
		return authkit.NewMemoryStateStore(prefix), func() {}, nil
	}
	store, err := authkit.NewRedisStateStore(ctx, redisURL, prefix)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis state store", zap.String("prefix", prefix))
	return store, func() { _ = store.Close() }, nil
}

func buildProfileStore(ctx context.Context, logger *zap.Logger) (authkit.ProfileStore, func(), error) {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		logger.Info("using in-memory profile store")
		return web.NewInMemoryProfiles(), func() {}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	switch driver {
	case "", driverGORM:
		store, err := authkit.NewDatabaseProfileStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent profile store", zap.String("driver", store.Driver()))
		return store, func() {}, nil
	case driverPGX:
		store, pool, err := authkitpg.OpenProfileStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent profile store", zap.String("driver", driverPGX))
		return store, pool.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidDatabaseDriver, "database_driver must be gorm or pgx")
	}
}

func buildIdentityVerifier(ctx context.Context, serverConfig authkit.ServerConfig, logger *zap.Logger) (authkit.IdentityVerifier, error) {
	var verifier authkit.IdentityVerifier
	switch strings.ToLower(strings.TrimSpace(viper.GetString("identity_verifier"))) {
	case "", verifierTokenInfo:
		timeout := serverConfig.ProviderHTTPTimeout
		if timeout <= 0 {
			timeout = authkit.DefaultProviderHTTPTimeout
		}
		verifier = authkit.NewTokenInfoVerifier(&http.Client{Timeout: timeout}, serverConfig.GoogleTokenInfoURL, serverConfig.GoogleClientID)
	case verifierIDToken:
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		verifier = authkit.NewGoogleIDTokenVerifier(validator, serverConfig.GoogleClientID)
	default:
		return nil, configError(configCodeInvalidVerifier, "identity_verifier must be tokeninfo or idtoken")
	}
	if serverConfig.DevMode {
		logger.Warn("development login bypass enabled", zap.String("code", "config.dev_mode"))
		verifier = authkit.NewDevelopmentBypassVerifier(verifier)
	}
	return verifier, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

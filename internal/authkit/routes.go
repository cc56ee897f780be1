package authkit

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteDependencies groups the services exposed over HTTP.
type RouteDependencies struct {
	Configuration ServerConfig
	Sessions      *SessionService
	Delegated     *DelegatedAuthCoordinator
	Logger        *zap.Logger
}

// MountAuthRoutes registers the session endpoints under /auth and the delegated upload flow
// under /auth/upload and /auth/oauth2/callback.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := dependencies.Sessions
	delegated := dependencies.Delegated
	configuration := dependencies.Configuration

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			IDToken string `json:"id_token"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.IDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		respondWithLogin(contextGin, sessions, inbound.IDToken)
	})

	if configuration.DevMode {
		router.POST("/auth/test-login", func(contextGin *gin.Context) {
			respondWithLogin(contextGin, sessions, DevelopmentBypassToken)
		})
	}

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		tokens, err := sessions.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, tokenResponse(tokens))
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		accessToken := BearerToken(contextGin.Request)
		if accessToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		if err := sessions.Logout(contextGin.Request.Context(), accessToken); err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/auth/oauth2/callback", func(contextGin *gin.Context) {
		if providerError := contextGin.Query("error"); providerError != "" {
			logger.Warn("delegated consent declined", zap.String("code", "auth.delegated.consent_declined"), zap.String("provider_error", providerError))
			redirectCallbackError(contextGin, configuration, "consent_declined", http.StatusBadRequest)
			return
		}
		userID, err := delegated.CompleteAuthorization(contextGin.Request.Context(), contextGin.Query("code"), contextGin.Query("state"))
		if err != nil {
			redirectCallbackError(contextGin, configuration, ErrorCode(err), HTTPStatusFor(err))
			return
		}
		if configuration.CallbackSuccessURL == "" {
			contextGin.JSON(http.StatusOK, gin.H{"user_id": userID, "granted": true})
			return
		}
		contextGin.Redirect(http.StatusFound, configuration.CallbackSuccessURL)
	})

	upload := router.Group("/auth/upload")
	upload.Use(RequireSession(sessions))

	upload.GET("/authorize", func(contextGin *gin.Context) {
		userID, _ := AuthenticatedUserID(contextGin)
		authorization, err := delegated.BeginAuthorization(contextGin.Request.Context(), userID)
		if err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"auth_url": authorization.AuthorizationURL, "state": authorization.State})
	})

	upload.GET("/status", func(contextGin *gin.Context) {
		userID, _ := AuthenticatedUserID(contextGin)
		granted, err := delegated.HasDelegatedAccess(contextGin.Request.Context(), userID)
		if err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"granted": granted})
	})

	upload.POST("/refresh", func(contextGin *gin.Context) {
		userID, _ := AuthenticatedUserID(contextGin)
		accessToken, err := delegated.RefreshDelegatedAccess(contextGin.Request.Context(), userID)
		if err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"access_token": accessToken})
	})

	upload.DELETE("", func(contextGin *gin.Context) {
		userID, _ := AuthenticatedUserID(contextGin)
		if err := delegated.RevokeDelegatedAccess(contextGin.Request.Context(), userID); err != nil {
			abortWithError(contextGin, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func respondWithLogin(contextGin *gin.Context, sessions *SessionService, identityCredential string) {
	tokens, err := sessions.Login(contextGin.Request.Context(), identityCredential)
	if err != nil {
		abortWithError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, tokenResponse(tokens))
}

func tokenResponse(tokens SessionTokens) gin.H {
	return gin.H{
		"user_id":       tokens.UserID,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExpiresAt.UnixMilli(),
	}
}

func abortWithError(contextGin *gin.Context, err error) {
	contextGin.AbortWithStatusJSON(HTTPStatusFor(err), gin.H{"error": ErrorCode(err)})
}

func redirectCallbackError(contextGin *gin.Context, configuration ServerConfig, code string, status int) {
	if configuration.CallbackErrorURL == "" {
		contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	target, err := url.Parse(configuration.CallbackErrorURL)
	if err != nil {
		contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	query := target.Query()
	query.Set("error", code)
	target.RawQuery = query.Encode()
	contextGin.Redirect(http.StatusFound, target.String())
}

package authkit

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID holds the authenticated user id on the gin context.
	ContextKeyUserID = "auth_user_id"
	// ContextKeyAccessToken holds the presented bearer token on the gin context.
	ContextKeyAccessToken = "auth_access_token"
)

// SessionAuthenticator resolves a bearer access token to a user id.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// RequireSession validates the bearer access token and injects the user id.
func RequireSession(authenticator SessionAuthenticator) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken := BearerToken(contextGin.Request)
		if accessToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		userID, err := authenticator.Authenticate(contextGin.Request.Context(), accessToken)
		if err != nil {
			contextGin.AbortWithStatusJSON(HTTPStatusFor(err), gin.H{"error": ErrorCode(err)})
			return
		}
		contextGin.Set(ContextKeyUserID, userID)
		contextGin.Set(ContextKeyAccessToken, accessToken)
		contextGin.Next()
	}
}

// AuthenticatedUserID returns the user id injected by RequireSession.
func AuthenticatedUserID(contextGin *gin.Context) (string, bool) {
	userID := contextGin.GetString(ContextKeyUserID)
	return userID, userID != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

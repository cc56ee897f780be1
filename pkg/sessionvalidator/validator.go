package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// RevocationList reports whether an access token was revoked by logout.
type RevocationList interface {
	IsRevoked(ctx context.Context, accessToken string) (bool, error)
}

// Config configures the Validator.
type Config struct {
	SigningKey  []byte
	Clock       Clock
	Revocations RevocationList
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Status is the three-way outcome of checking a token offline.
type Status int

const (
	StatusInvalid Status = iota
	StatusExpired
	StatusValid
)

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrTokenRevoked      = errors.New("session.validator.revoked")
	ErrRevocationCheck   = errors.New("session.validator.revocation_unavailable")
)

// Validator checks bearer access tokens issued by the auth service without calling it.
type Validator struct {
	signingKey  []byte
	clock       Clock
	revocations RevocationList
}

// Claims are the registered claims carried by session tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// GetUserID returns the application user id.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey:  configuration.SigningKey,
		clock:       clock,
		revocations: configuration.Revocations,
	}, nil
}

// Classify reports whether the token is valid, expired, or invalid. The revocation list is not consulted.
func (validator *Validator) Classify(tokenString string) Status {
	_, err := validator.parse(tokenString)
	switch {
	case err == nil:
		return StatusValid
	case errors.Is(err, ErrTokenExpired):
		return StatusExpired
	default:
		return StatusInvalid
	}
}

// ValidateToken validates the token and, when a revocation list is configured, rejects revoked tokens.
func (validator *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := validator.parse(tokenString)
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", err)
	}
	if validator.revocations != nil {
		revoked, revocationErr := validator.revocations.IsRevoked(ctx, tokenString)
		if revocationErr != nil {
			return nil, fmt.Errorf("session.validator.validate_token: %v: %w", revocationErr, ErrRevocationCheck)
		}
		if revoked {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenRevoked)
		}
	}
	return claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	tokenString := bearerToken(request)
	if tokenString == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(request.Context(), tokenString)
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			status, code := responseFor(err)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func (validator *Validator) parse(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsedToken, err := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(validator.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if parsedToken == nil || !parsedToken.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if !validator.clock.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func responseFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized, "missing_token"
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, "access_token_expired"
	case errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized, "access_token_revoked"
	case errors.Is(err, ErrRevocationCheck):
		return http.StatusServiceUnavailable, "state_store_unavailable"
	default:
		return http.StatusUnauthorized, "invalid_token"
	}
}

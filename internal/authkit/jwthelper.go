package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenStatus is the outcome of classifying a session token.
type TokenStatus int

const (
	// TokenInvalid covers bad signatures and malformed tokens.
	TokenInvalid TokenStatus = iota
	// TokenExpired means the signature checks out but the expiry has passed.
	TokenExpired
	// TokenValid means the token can be trusted (subject to the blacklist).
	TokenValid
)

func (status TokenStatus) String() string {
	switch status {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

var errEmptySubject = errors.New("subject must be non-empty")

// TokenCodec mints and parses self-contained HS256 session tokens.
type TokenCodec struct {
	signingKey []byte
	clock      Clock
}

// NewTokenCodec constructs a codec bound to the signing key.
func NewTokenCodec(signingKey SigningKey, clock Clock) (*TokenCodec, error) {
	if signingKey.isZero() {
		return nil, fmt.Errorf("jwt.codec.new: %w", errEmptySigningSecret)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{signingKey: signingKey.Bytes(), clock: clock}, nil
}

// Mint creates a signed token for the subject that expires after lifetime.
func (codec *TokenCodec) Mint(subject string, lifetime time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(lifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}

// Classify reports whether the token is valid, expired, or invalid.
func (codec *TokenCodec) Classify(tokenString string) TokenStatus {
	status, _ := codec.inspect(tokenString)
	return status
}

// inspect classifies the token and returns the subject from the same parse. The subject is
// empty unless the status is TokenValid.
func (codec *TokenCodec) inspect(tokenString string) (TokenStatus, string) {
	claims, err := codec.parse(tokenString, false)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenExpired, ""
		}
		return TokenInvalid, ""
	}
	if claims.ExpiresAt == nil {
		return TokenInvalid, ""
	}
	if !codec.clock.Now().Before(claims.ExpiresAt.Time) {
		return TokenExpired, ""
	}
	return TokenValid, claims.Subject
}

// SubjectOf returns the subject of a token previously classified as valid.
func (codec *TokenCodec) SubjectOf(tokenString string) (string, error) {
	claims, err := codec.parse(tokenString, false)
	if err != nil {
		return "", fmt.Errorf("jwt.subject: %w", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// ExpiryEpochMillis returns the expiry of a correctly signed token in epoch milliseconds.
func (codec *TokenCodec) ExpiryEpochMillis(tokenString string) (int64, error) {
	claims, err := codec.parse(tokenString, true)
	if err != nil || claims.ExpiresAt == nil {
		return 0, fmt.Errorf("jwt.expiry: %w", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time.UnixMilli(), nil
}

// RemainingLifetime returns how long the token stays valid from now; zero once expired.
func (codec *TokenCodec) RemainingLifetime(tokenString string) (time.Duration, error) {
	expiryMillis, err := codec.ExpiryEpochMillis(tokenString)
	if err != nil {
		return 0, err
	}
	remaining := time.UnixMilli(expiryMillis).Sub(codec.clock.Now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// subjectIgnoringExpiry reads the subject of a correctly signed token even when it has expired.
func (codec *TokenCodec) subjectIgnoringExpiry(tokenString string) (string, error) {
	claims, err := codec.parse(tokenString, true)
	if err != nil {
		return "", fmt.Errorf("jwt.subject: %w", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (codec *TokenCodec) parse(tokenString string, skipClaimsValidation bool) (*jwt.RegisteredClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, errors.New("jwt.parse: empty token")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(codec.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if skipClaimsValidation {
		options = append(options, jwt.WithoutClaimsValidation())
	}
	claims := &jwt.RegisteredClaims{}
	parsedToken, err := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, errors.New("jwt.parse: invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("jwt.parse: missing subject")
	}
	return claims, nil
}

package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errNoBrowserOrigins     = errors.New("web.cors.no_origins")
	errUnacceptedOrigin     = errors.New("web.cors.unaccepted_origin")
	errWildcardBrowserEntry = errors.New("web.cors.wildcard_origin")
)

// BrowserOrigins is the set of web origins allowed to call the session API with a bearer token.
type BrowserOrigins struct {
	allowed   map[string]struct{}
	plaintext []string
}

// ParseBrowserOrigins accepts scheme://host[:port] entries. Blank entries are skipped and
// duplicates collapse after lower-casing the scheme and host.
func ParseBrowserOrigins(entries []string) (BrowserOrigins, error) {
	origins := BrowserOrigins{allowed: map[string]struct{}{}}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		origin, err := canonicalOrigin(entry)
		if err != nil {
			return BrowserOrigins{}, err
		}
		if _, duplicate := origins.allowed[origin.String()]; duplicate {
			continue
		}
		origins.allowed[origin.String()] = struct{}{}
		if origin.Scheme == "http" && !isLoopbackHost(origin.Hostname()) {
			origins.plaintext = append(origins.plaintext, origin.String())
		}
	}
	if len(origins.allowed) == 0 {
		return BrowserOrigins{}, errNoBrowserOrigins
	}
	return origins, nil
}

// Allows reports whether a request Origin header names a configured origin.
func (origins BrowserOrigins) Allows(requestOrigin string) bool {
	origin, err := canonicalOrigin(requestOrigin)
	if err != nil {
		return false
	}
	_, ok := origins.allowed[origin.String()]
	return ok
}

// Len returns the number of distinct origins.
func (origins BrowserOrigins) Len() int {
	return len(origins.allowed)
}

// ConfigureCORS lets the configured browser origins call the API. Sessions travel in the
// Authorization header, so cookies are never allowed cross-origin.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := ParseBrowserOrigins(allowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("web.cors.configure: %w", err)
	}
	for _, origin := range origins.plaintext {
		logger.Warn("browser origin uses plain http", zap.String("code", "web.cors.plaintext_origin"), zap.String("origin", origin))
	}
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.Allows,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Location"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}), nil
}

func canonicalOrigin(raw string) (*url.URL, error) {
	if raw == "*" {
		return nil, errWildcardBrowserEntry
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errUnacceptedOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "https" && scheme != "http",
		parsed.Host == "",
		parsed.User != nil,
		parsed.Path != "" && parsed.Path != "/",
		parsed.RawQuery != "" || parsed.Fragment != "":
		return nil, fmt.Errorf("%w: %s", errUnacceptedOrigin, raw)
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host)}, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

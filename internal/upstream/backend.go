package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
)

// Backend supplies the base URL and credentials for one upstream FHIR store.
// Implementations must be safe for concurrent use.
type Backend interface {
	// BaseURL returns the upstream base URL with no trailing slash.
	BaseURL() string
	// AuthHeader returns the Authorization header value for an upstream
	// call, or "" when the store is unauthenticated.
	AuthHeader(ctx context.Context) (string, error)
}

// tokenRefreshMargin is how long before expiry a cached upstream access
// token is refreshed.
const tokenRefreshMargin = 60 * time.Second

// HAPIBackend talks to a generic FHIR server: unauthenticated, HTTP Basic,
// or client-credentials OAuth when a token endpoint is configured.
type HAPIBackend struct {
	baseURL string
	basic   string
	tokens  oauth2.TokenSource
}

// HAPIConfig configures a HAPIBackend. Username/Password serve as Basic
// credentials, or as OAuth client credentials when TokenEndpoint is set.
type HAPIConfig struct {
	BaseURL       string
	Username      string
	Password      string
	TokenEndpoint string
}

// NewHAPIBackend creates a backend for a generic FHIR server.
func NewHAPIBackend(ctx context.Context, cfg HAPIConfig) *HAPIBackend {
	b := &HAPIBackend{baseURL: strings.TrimRight(cfg.BaseURL, "/")}
	switch {
	case cfg.TokenEndpoint != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.Username,
			ClientSecret: cfg.Password,
			TokenURL:     cfg.TokenEndpoint,
		}
		b.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenRefreshMargin)
	case cfg.Username != "":
		b.basic = base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	}
	return b
}

func (b *HAPIBackend) BaseURL() string { return b.baseURL }

func (b *HAPIBackend) AuthHeader(ctx context.Context) (string, error) {
	if b.tokens != nil {
		tok, err := b.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("fetching upstream access token: %w", err)
		}
		return "Bearer " + tok.AccessToken, nil
	}
	if b.basic != "" {
		return "Basic " + b.basic, nil
	}
	return "", nil
}

// GCPBackend talks to a Google Cloud Healthcare FHIR store using Application
// Default Credentials. Access tokens are cached and refreshed ahead of
// expiry.
type GCPBackend struct {
	baseURL string
	tokens  oauth2.TokenSource
}

// cloudPlatformScope is the OAuth scope the Cloud Healthcare API accepts.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// NewGCPBackend creates a backend for a cloud FHIR store. Credentials come
// from the environment (GOOGLE_APPLICATION_CREDENTIALS or the metadata
// server).
func NewGCPBackend(ctx context.Context, baseURL string) (*GCPBackend, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("resolving application default credentials: %w", err)
	}
	return &GCPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  oauth2.ReuseTokenSourceWithExpiry(nil, ts, tokenRefreshMargin),
	}, nil
}

func (b *GCPBackend) BaseURL() string { return b.baseURL }

func (b *GCPBackend) AuthHeader(ctx context.Context) (string, error) {
	tok, err := b.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("fetching upstream access token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}

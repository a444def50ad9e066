package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider represents an OpenID Connect provider discovered via its
// well-known configuration endpoint. The proxy uses it both for signing-key
// discovery and for synthesizing the SMART well-known document.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	AuthorizationEndpoint   string   `json:"authorization_endpoint"`
	TokenEndpoint           string   `json:"token_endpoint"`
	JWKSURI                 string   `json:"jwks_uri"`
	GrantTypesSupported     []string `json:"grant_types_supported"`
	ResponseTypesSupported  []string `json:"response_types_supported"`
	SubjectTypesSupported   []string `json:"subject_types_supported"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethods    []string `json:"code_challenge_methods_supported"`

	// PublicKey is a legacy non-JWKS attribute some providers (older
	// Keycloak) serve: a base64 DER-encoded RSA public key. When set and
	// JWKSURI is empty, it is honored as a single-key set.
	PublicKey string `json:"public_key"`
}

// NewOIDCProvider fetches and parses the discovery document from the given
// issuer URL. wellKnownPath is appended to the issuer; when empty it defaults
// to .well-known/openid-configuration.
//
// This works with any OIDC-compliant provider including Keycloak, Auth0,
// Okta, Azure AD, and Google.
func NewOIDCProvider(issuerURL, wellKnownPath string) (*OIDCProvider, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	if wellKnownPath == "" {
		wellKnownPath = ".well-known/openid-configuration"
	}
	discoveryURL := issuerURL + "/" + strings.TrimLeft(wellKnownPath, "/")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}

	if provider.JWKSURI == "" && provider.PublicKey == "" {
		return nil, fmt.Errorf("OIDC discovery document has neither jwks_uri nor public_key")
	}

	return &provider, nil
}
